// Package api exposes a read-only HTTP status surface: current strategy
// state, recent candles and the position journal.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Tapyon/tradebot/internal/journal"
	"github.com/Tapyon/tradebot/internal/store"
	"github.com/Tapyon/tradebot/internal/strategy"
)

// NewRouter sets up the HTTP routes. jrnl may be nil.
func NewRouter(st *store.Store, eng *strategy.Engine, jrnl *journal.Journal) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/api/v1/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, eng.State())
	})

	mux.HandleFunc("/api/v1/candles", func(w http.ResponseWriter, r *http.Request) {
		n := queryInt(r, "n", 60)
		writeJSON(w, st.LastN(n))
	})

	mux.HandleFunc("/api/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		if jrnl == nil {
			http.Error(w, "journal disabled", http.StatusNotFound)
			return
		}
		n := queryInt(r, "n", 50)
		recs, err := jrnl.ReadRecent(n)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, recs)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 1000 {
		return fallback
	}
	return n
}
