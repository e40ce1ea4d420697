package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TelegramSink sends human-readable trade notifications via the Telegram
// Bot API. Only strategy transitions and corrections are forwarded; raw
// candle and tick traffic would flood a chat.
type TelegramSink struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramSink creates a Telegram sink.
// botToken: Bot API token from @BotFather
// chatID: target chat/group/channel ID
func NewTelegramSink(botToken, chatID string) *TelegramSink {
	return &TelegramSink{
		botToken: botToken,
		chatID:   chatID,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (t *TelegramSink) Publish(ctx context.Context, ev Event) error {
	var text string
	switch ev.Type {
	case EventStrategyState:
		s := ev.Strategy
		text = fmt.Sprintf("strategy %s → %s\n%s", s.OldPhase, s.NewPhase, s.Reason)
		if s.NewPhase == "in_position" {
			text += fmt.Sprintf("\n%s entry %s | target %s | stop %s",
				s.Direction, s.EntryPrice, s.TakeProfit, s.StopLoss)
		}
	case EventCandlePatched:
		c := ev.Correction
		text = fmt.Sprintf("correction: bar %s close %s → %s",
			c.Corrected.OpenTime.UTC().Format("15:04"), c.Stored.Close, c.Corrected.Close)
	default:
		return nil
	}

	body, _ := json.Marshal(map[string]interface{}{
		"chat_id": t.chatID,
		"text":    text,
	})

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	return nil
}
