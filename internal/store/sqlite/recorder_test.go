package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Tapyon/tradebot/internal/model"
)

var t0 = time.Date(2026, 2, 10, 13, 30, 0, 0, time.UTC)

func mkCandle(open time.Time, close string) model.Candle {
	return model.Candle{
		OpenTime: open,
		Open:     decimal.RequireFromString("2.0010"),
		High:     decimal.RequireFromString("2.0050"),
		Low:      decimal.RequireFromString("2.0000"),
		Close:    decimal.RequireFromString(close),
		Volume:   decimal.RequireFromString("1500.5"),
	}
}

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := New(RecorderConfig{DBPath: filepath.Join(t.TempDir(), "candles.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecorder_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "candles.db")

	r, err := New(RecorderConfig{DBPath: path})
	if err != nil {
		t.Fatalf("open with missing parent dir: %v", err)
	}
	defer r.Close()

	if err := r.RecordAppend(mkCandle(t0, "2.0040")); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestRecorder_AppendAndReadBack(t *testing.T) {
	r := newTestRecorder(t)

	for i := 0; i < 3; i++ {
		c := mkCandle(t0.Add(time.Duration(i)*time.Minute), "2.0040")
		if err := r.RecordAppend(c); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := r.ReadLastN(2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	// Oldest first, ending at the newest.
	if !got[1].OpenTime.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("last open time %s", got[1].OpenTime)
	}
	if !got[0].Close.Equal(decimal.RequireFromString("2.0040")) {
		t.Errorf("close %s", got[0].Close)
	}
}

func TestRecorder_PatchUpdatesRow(t *testing.T) {
	r := newTestRecorder(t)

	c := mkCandle(t0, "2.0040")
	if err := r.RecordAppend(c); err != nil {
		t.Fatal(err)
	}

	c.Close = decimal.RequireFromString("2.0099")
	if err := r.RecordPatch(c); err != nil {
		t.Fatalf("patch: %v", err)
	}

	got, err := r.ReadLastN(1)
	if err != nil {
		t.Fatal(err)
	}
	if !got[0].Close.Equal(decimal.RequireFromString("2.0099")) {
		t.Errorf("close %s after patch", got[0].Close)
	}
}

func TestRecorder_LastTimestamp(t *testing.T) {
	r := newTestRecorder(t)

	ts0, err := r.LastTimestamp()
	if err != nil {
		t.Fatalf("empty table: %v", err)
	}
	if !ts0.IsZero() {
		t.Errorf("expected zero time on empty table, got %s", ts0)
	}

	r.RecordAppend(mkCandle(t0, "2.0040"))
	r.RecordAppend(mkCandle(t0.Add(time.Minute), "2.0041"))

	ts, err := r.LastTimestamp()
	if err != nil {
		t.Fatalf("last timestamp: %v", err)
	}
	if !ts.Equal(t0.Add(time.Minute)) {
		t.Errorf("got %s", ts)
	}
}

func TestRecorder_ResetWipesTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candles.db")

	r, err := New(RecorderConfig{DBPath: path})
	if err != nil {
		t.Fatal(err)
	}
	r.RecordAppend(mkCandle(t0, "2.0040"))
	r.Close()

	r, err = New(RecorderConfig{DBPath: path, Reset: true})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got, err := r.ReadLastN(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty table after reset, got %d rows", len(got))
	}
}
