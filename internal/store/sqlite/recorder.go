// Package sqlite persists closed candles to a local SQLite database.
// Writes are synchronous and single-connection: the store's
// write-then-notify contract needs the row on disk before the event fires.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Tapyon/tradebot/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// RecorderConfig configures the SQLite recorder.
type RecorderConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/candles.db"
	Reset  bool   // drop and recreate the candle table on open
}

// Recorder implements store.Recorder on top of SQLite.
type Recorder struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (r *Recorder) DB() *sql.DB { return r.db }

// New opens (and optionally wipes) the database, enables WAL mode and
// creates the schema.
func New(cfg RecorderConfig) (*Recorder, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer, serialized through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.Reset {
		if _, err := db.Exec(`DROP TABLE IF EXISTS candles_1m`); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite reset: %w", err)
		}
		log.Printf("[sqlite] storage reset requested, dropped candles_1m")
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Recorder{db: db}, nil
}

func createSchema(db *sql.DB) error {
	// Prices stored as TEXT so the exchange's decimal values round-trip
	// exactly; the verifier compares with zero tolerance.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles_1m (
			ts     INTEGER PRIMARY KEY,
			open   TEXT NOT NULL,
			high   TEXT NOT NULL,
			low    TEXT NOT NULL,
			close  TEXT NOT NULL,
			volume TEXT NOT NULL
		);
	`)
	return err
}

// RecordAppend inserts a newly closed candle (append-only log semantics).
func (r *Recorder) RecordAppend(c model.Candle) error {
	_, err := r.db.Exec(
		`INSERT OR REPLACE INTO candles_1m (ts, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?)`,
		c.OpenTime.Unix(), c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
	)
	return err
}

// RecordPatch updates the OHLCV of an already recorded candle in place.
func (r *Recorder) RecordPatch(c model.Candle) error {
	res, err := r.db.Exec(
		`UPDATE candles_1m SET open = ?, high = ?, low = ?, close = ?, volume = ? WHERE ts = ?`,
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(), c.OpenTime.Unix(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite patch: no row at ts=%d", c.OpenTime.Unix())
	}
	return nil
}

// LastTimestamp returns the open time of the newest recorded candle,
// or the zero time if the table is empty.
func (r *Recorder) LastTimestamp() (time.Time, error) {
	var ts sql.NullInt64
	err := r.db.QueryRow(`SELECT MAX(ts) FROM candles_1m`).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// ReadLastN returns the n newest recorded candles, oldest first.
// Used for inspection and tests; the live store primes from REST.
func (r *Recorder) ReadLastN(n int) ([]model.Candle, error) {
	rows, err := r.db.Query(
		`SELECT ts, open, high, low, close, volume FROM candles_1m ORDER BY ts DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var ts int64
		var o, h, l, cl, v string
		if err := rows.Scan(&ts, &o, &h, &l, &cl, &v); err != nil {
			return nil, err
		}
		c, err := candleFromRow(ts, o, h, l, cl, v)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse into time order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func candleFromRow(ts int64, o, h, l, cl, v string) (model.Candle, error) {
	var c model.Candle
	var err error
	c.OpenTime = time.Unix(ts, 0).UTC()
	if c.Open, err = decimal.NewFromString(o); err != nil {
		return c, fmt.Errorf("sqlite row ts=%d: bad open %q", ts, o)
	}
	if c.High, err = decimal.NewFromString(h); err != nil {
		return c, fmt.Errorf("sqlite row ts=%d: bad high %q", ts, h)
	}
	if c.Low, err = decimal.NewFromString(l); err != nil {
		return c, fmt.Errorf("sqlite row ts=%d: bad low %q", ts, l)
	}
	if c.Close, err = decimal.NewFromString(cl); err != nil {
		return c, fmt.Errorf("sqlite row ts=%d: bad close %q", ts, cl)
	}
	if c.Volume, err = decimal.NewFromString(v); err != nil {
		return c, fmt.Errorf("sqlite row ts=%d: bad volume %q", ts, v)
	}
	return c, nil
}

// Close flushes and closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}
