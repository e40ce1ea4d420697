package kraken

import (
	"fmt"
	"strings"
)

// TransientFetchError marks network, rate-limit and server-side failures.
// Callers retry with backoff; it is never fatal.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("kraken %s: transient: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// MalformedResponseError marks schema violations in an exchange response.
// The whole batch is discarded; callers retry on their next cycle.
type MalformedResponseError struct {
	Op     string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("kraken %s: malformed response: %s", e.Op, e.Reason)
}

// transientAPIError reports whether a Kraken error string ("EAPI:Rate
// limit exceeded", "EService:Unavailable", ...) is worth retrying.
func transientAPIError(msg string) bool {
	return strings.HasPrefix(msg, "EAPI:") ||
		strings.HasPrefix(msg, "EService:") ||
		strings.Contains(msg, "Rate limit")
}
