package cost

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one immutable ledger line.
type Entry struct {
	Timestamp    time.Time       `json:"timestamp"`
	Model        string          `json:"model"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	Cost         decimal.Decimal `json:"cost"`
	TaskID       string          `json:"task_id,omitempty"`
	TraceID      string          `json:"trace_id,omitempty"`
}

// Day returns the UTC date the entry belongs to.
func (e Entry) Day() string { return DayKey(e.Timestamp) }

// DayKey formats t's UTC calendar date as YYYY-MM-DD.
func DayKey(t time.Time) string { return t.UTC().Format(time.DateOnly) }

// FileName is the ledger file for t's UTC day.
func FileName(t time.Time) string { return "costs-" + DayKey(t) + ".jsonl" }

// Ledger appends entries to per-day files under dir. Each entry is written
// with a single O_APPEND write, so concurrent writers in different
// processes interleave whole lines.
type Ledger struct {
	dir string
}

func NewLedger(dir string) (*Ledger, error) {
	if dir == "" {
		return nil, errors.New("empty cost directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cost directory: %w", err)
	}
	return &Ledger{dir: dir}, nil
}

func (l *Ledger) Dir() string { return l.dir }

// Append writes e to the file of e.Timestamp's UTC day.
func (l *Ledger) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		return errors.New("cost entry without timestamp")
	}
	e.Timestamp = e.Timestamp.UTC()
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cost entry: %w", err)
	}
	line = append(line, '\n')
	path := filepath.Join(l.dir, FileName(e.Timestamp))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open cost log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append cost log: %w", err)
	}
	return f.Close()
}

// Day reads every entry recorded for day's UTC date. A missing file is an
// empty day. Unparseable lines (a torn write after a crash) are skipped.
func (l *Ledger) Day(ctx context.Context, day time.Time) ([]Entry, error) {
	path := filepath.Join(l.dir, FileName(day))
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open cost log: %w", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			log.Warnw("skipping malformed cost line", "file", path, "line", lineNo, "err", err)
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read cost log: %w", err)
	}
	return out, nil
}

// Range reads entries for every UTC day from from through to inclusive.
func (l *Ledger) Range(ctx context.Context, from, to time.Time) ([]Entry, error) {
	start := truncateDay(from)
	end := truncateDay(to)
	if end.Before(start) {
		return nil, fmt.Errorf("range end %s before start %s", DayKey(to), DayKey(from))
	}
	var out []Entry
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		es, err := l.Day(ctx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, es...)
	}
	return out, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
