// Package journal persists opened and closed positions to SQLite for
// analysis and audit.
package journal

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Tapyon/tradebot/internal/strategy"
)

// Journal records the lifecycle of each position.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// New opens (or creates) the journal database.
func New(dbPath string) (*Journal, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id  TEXT NOT NULL UNIQUE,
		direction    TEXT NOT NULL,
		entry_price  TEXT NOT NULL,
		take_profit  TEXT NOT NULL,
		stop_loss    TEXT NOT NULL,
		exit_price   TEXT,
		reason       TEXT,
		opened_at    DATETIME NOT NULL,
		closed_at    DATETIME,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_positions_opened_at ON positions(opened_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened position journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// RecordOpen persists a newly entered position.
func (j *Journal) RecordOpen(st strategy.TradeState, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO positions (position_id, direction, entry_price, take_profit, stop_loss, opened_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		st.PositionID,
		string(st.Direction),
		st.EntryPrice.String(),
		st.TakeProfit.String(),
		st.StopLoss.String(),
		at.UTC().Format(time.RFC3339),
	)
	return err
}

// RecordClose fills in the exit side of a previously opened position.
func (j *Journal) RecordClose(st strategy.TradeState, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	res, err := j.db.Exec(
		`UPDATE positions SET exit_price = ?, reason = ?, closed_at = ? WHERE position_id = ?`,
		st.ExitPrice.String(),
		string(st.Reason),
		at.UTC().Format(time.RFC3339),
		st.PositionID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("[journal] close for unknown position %s", st.PositionID)
	}
	return nil
}

// Record is a row from the positions table.
type Record struct {
	ID         int64  `json:"id"`
	PositionID string `json:"position_id"`
	Direction  string `json:"direction"`
	EntryPrice string `json:"entry_price"`
	TakeProfit string `json:"take_profit"`
	StopLoss   string `json:"stop_loss"`
	ExitPrice  string `json:"exit_price,omitempty"`
	Reason     string `json:"reason,omitempty"`
	OpenedAt   string `json:"opened_at"`
	ClosedAt   string `json:"closed_at,omitempty"`
}

// ReadRecent returns the most recent positions, newest first.
func (j *Journal) ReadRecent(limit int) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, position_id, direction, entry_price, take_profit, stop_loss,
		        COALESCE(exit_price, ''), COALESCE(reason, ''),
		        opened_at, COALESCE(closed_at, '')
		 FROM positions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.PositionID, &r.Direction, &r.EntryPrice,
			&r.TakeProfit, &r.StopLoss, &r.ExitPrice, &r.Reason,
			&r.OpenedAt, &r.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
