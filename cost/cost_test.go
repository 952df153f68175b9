package cost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testRates(t *testing.T) RateTable {
	t.Helper()
	claude, err := ParseRate("3.00", "15.00")
	if err != nil {
		t.Fatalf("ParseRate: %v", err)
	}
	gemini, err := ParseRate("1.25", "10.00")
	if err != nil {
		t.Fatalf("ParseRate: %v", err)
	}
	return RateTable{"claude": claude, "gemini": gemini}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		cpt  int
		want int
	}{
		{"", 4, 0},
		{"a", 4, 1},
		{"abcd", 4, 1},
		{"abcde", 4, 2},
		{"héllo wörld", 4, 3},
		{"abcdef", 0, 2},
		{"abcdef", 3, 2},
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.text, tc.cpt); got != tc.want {
			t.Fatalf("EstimateTokens(%q, %d) = %d, want %d", tc.text, tc.cpt, got, tc.want)
		}
	}
}

func TestRateTable_Cost(t *testing.T) {
	rates := testRates(t)
	zero, err := rates.Cost("claude", 0, 0)
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if !zero.IsZero() || zero.String() != "0" {
		t.Fatalf("zero tokens must cost exactly 0, got %s", zero)
	}
	c, err := rates.Cost("claude", 1000, 500)
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if want := decimal.RequireFromString("0.0105"); !c.Equal(want) {
		t.Fatalf("want %s got %s", want, c)
	}
	again, _ := rates.Cost("claude", 1000, 500)
	if !again.Equal(c) {
		t.Fatalf("cost must be deterministic")
	}
	if _, err := rates.Cost("mystery", 1, 1); !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("want ErrUnknownWorker got %v", err)
	}
	if _, err := rates.Cost("claude", -1, 0); !errors.Is(err, ErrInvalidTokens) {
		t.Fatalf("want ErrInvalidTokens got %v", err)
	}
	if _, err := ParseRate("-1", "2"); err == nil {
		t.Fatalf("negative rates must be refused")
	}
}

func TestRateTable_CostMonotonic(t *testing.T) {
	rates := testRates(t)
	steps := []int{0, 1, 2, 3, 10, 999, 1000, 1001, 250_000, 1_000_000}
	for _, worker := range []string{"claude", "gemini"} {
		for _, out := range steps {
			prev := decimal.Zero
			for _, in := range steps {
				c, err := rates.Cost(worker, in, out)
				if err != nil {
					t.Fatalf("Cost: %v", err)
				}
				if c.LessThan(prev) {
					t.Fatalf("%s: cost decreased at in=%d out=%d", worker, in, out)
				}
				prev = c
			}
		}
		for _, in := range steps {
			prev := decimal.Zero
			for _, out := range steps {
				c, _ := rates.Cost(worker, in, out)
				if c.LessThan(prev) {
					t.Fatalf("%s: cost decreased at in=%d out=%d", worker, in, out)
				}
				prev = c
			}
		}
	}
}

func TestLedger_DayBoundaries(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLedger(dir)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	est := time.FixedZone("EST", -5*3600)
	stamps := []time.Time{
		time.Date(2025, 12, 31, 23, 59, 59, 999_999_999, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		// 20:00 EST on Feb 1 is already Feb 2 in UTC.
		time.Date(2026, 2, 1, 20, 0, 0, 0, est),
	}
	for i, ts := range stamps {
		if err := l.Append(Entry{Timestamp: ts, Model: "claude", InputTokens: i, Cost: decimal.NewFromInt(int64(i))}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	wantFiles := map[string]int{
		"costs-2025-12-31.jsonl": 1,
		"costs-2026-01-01.jsonl": 1,
		"costs-2026-01-31.jsonl": 1,
		"costs-2026-02-01.jsonl": 1,
		"costs-2026-02-02.jsonl": 1,
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != len(wantFiles) {
		t.Fatalf("want %d files got %d", len(wantFiles), len(entries))
	}
	for name, n := range wantFiles {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if got := strings.Count(string(raw), "\n"); got != n {
			t.Fatalf("%s: want %d lines got %d", name, n, got)
		}
	}

	all, err := l.Range(context.Background(), stamps[0], stamps[4])
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(all) != len(stamps) {
		t.Fatalf("want %d entries got %d", len(stamps), len(all))
	}
	days := Rollup(all)
	if len(days) != 5 || days[0].Date != "2025-12-31" || days[4].Date != "2026-02-02" {
		t.Fatalf("unexpected rollup days: %#v", days)
	}
	for _, d := range days {
		if d.Calls != 1 {
			t.Fatalf("day %s: want 1 call got %d", d.Date, d.Calls)
		}
	}
}

func TestLedger_ConcurrentAppendsStayWhole(t *testing.T) {
	l, err := NewLedger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	const writers, per = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				e := Entry{Timestamp: ts, Model: fmt.Sprintf("w%d", w), InputTokens: i, Cost: decimal.NewFromFloat(0.001)}
				if err := l.Append(e); err != nil {
					t.Errorf("Append: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()
	got, err := l.Day(context.Background(), ts)
	if err != nil {
		t.Fatalf("Day: %v", err)
	}
	if len(got) != writers*per {
		t.Fatalf("want %d entries got %d", writers*per, len(got))
	}
}

func TestLedger_SkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	l, _ := NewLedger(dir)
	ts := time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)
	if err := l.Append(Entry{Timestamp: ts, Model: "claude", Cost: decimal.NewFromInt(1)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName(ts)), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString(`{"timestamp":"2026-06-02T01:00:00Z","model":"cla`)
	f.Close()
	got, err := l.Day(context.Background(), ts)
	if err != nil || len(got) != 1 {
		t.Fatalf("want 1 intact entry, got %d, %v", len(got), err)
	}
	missing, err := l.Day(context.Background(), ts.AddDate(0, 0, 1))
	if err != nil || len(missing) != 0 {
		t.Fatalf("a day without a file is empty, got %v, %v", missing, err)
	}
}

func TestTracker_BudgetAndCharge(t *testing.T) {
	l, _ := NewLedger(t.TempDir())
	now := time.Date(2026, 7, 4, 23, 0, 0, 0, time.UTC)
	tr, err := NewTracker(l, TrackerConfig{
		Rates:       testRates(t),
		DailyBudget: decimal.RequireFromString("0.02"),
		Now:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	ctx := context.Background()
	e, err := tr.Charge("claude", strings.Repeat("x", 4000), strings.Repeat("y", 2000), "t1", "tr1")
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if e.InputTokens != 1000 || e.OutputTokens != 500 || !e.Cost.Equal(decimal.RequireFromString("0.0105")) {
		t.Fatalf("unexpected entry: %#v", e)
	}
	if err := tr.CheckBudget(ctx); err != nil {
		t.Fatalf("under budget: %v", err)
	}
	if _, err := tr.Record("claude", 1000, 500, "t2", "tr2"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := tr.CheckBudget(ctx); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("want ErrBudgetExceeded got %v", err)
	}
	now = now.Add(2 * time.Hour)
	if err := tr.CheckBudget(ctx); err != nil {
		t.Fatalf("a new UTC day starts a new budget: %v", err)
	}
}

func TestExports_DeriveFromSameEntries(t *testing.T) {
	rates := testRates(t)
	day1 := time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	var entries []Entry
	for _, spec := range []struct {
		ts      time.Time
		model   string
		in, out int
	}{
		{day1, "claude", 1000, 500},
		{day1, "gemini", 2000, 100},
		{day2, "claude", 10, 10},
	} {
		c, _ := rates.Cost(spec.model, spec.in, spec.out)
		entries = append(entries, Entry{Timestamp: spec.ts, Model: spec.model, InputTokens: spec.in, OutputTokens: spec.out, Cost: c})
	}

	var js bytes.Buffer
	if err := WriteJSON(&js, entries); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var decoded struct {
		Entries []Entry       `json:"entries"`
		Daily   []DailyRollup `json:"daily"`
		Total   Totals        `json:"total"`
	}
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Entries) != 3 || len(decoded.Daily) != 2 || decoded.Total.Calls != 3 {
		t.Fatalf("unexpected json export: %s", js.String())
	}
	for i := range entries {
		if !decoded.Entries[i].Cost.Equal(entries[i].Cost) || !decoded.Entries[i].Timestamp.Equal(entries[i].Timestamp) {
			t.Fatalf("entry %d did not survive the json export", i)
		}
	}

	var prom bytes.Buffer
	if err := WritePrometheus(&prom, entries); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	text := prom.String()
	for _, want := range []string{
		"# TYPE quorumq_cost_usd gauge",
		`quorumq_cost_usd{date="2026-03-31",model="claude"} 0.0105`,
		`quorumq_cost_micro_usd{date="2026-03-31",model="claude"} 10500`,
		`quorumq_tokens{date="2026-03-31",direction="input",model="gemini"} 2000`,
		`quorumq_calls{date="2026-04-01",model="claude"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("prometheus export missing %q:\n%s", want, text)
		}
	}
}

func TestExports_LargeCostStaysExact(t *testing.T) {
	exact := decimal.RequireFromString("12345678.123456789012345")
	entries := []Entry{{
		Timestamp: time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC),
		Model:     "codex",
		Cost:      exact,
	}}

	var js bytes.Buffer
	if err := WriteJSON(&js, entries); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var decoded struct {
		Entries []Entry `json:"entries"`
	}
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Entries) != 1 || !decoded.Entries[0].Cost.Equal(exact) {
		t.Fatalf("json export lost precision: %s", js.String())
	}

	var prom bytes.Buffer
	if err := WritePrometheus(&prom, entries); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	prefix := `quorumq_cost_micro_usd{date="2026-03-31",model="codex"} `
	var line string
	for _, l := range strings.Split(prom.String(), "\n") {
		if strings.HasPrefix(l, prefix) {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("micro-USD sample missing:\n%s", prom.String())
	}
	v, err := strconv.ParseFloat(strings.TrimPrefix(line, prefix), 64)
	if err != nil {
		t.Fatalf("parse %q: %v", line, err)
	}
	if got, want := int64(v), int64(12345678123457); got != want {
		t.Fatalf("want %d micro-USD got %d", want, got)
	}
}
