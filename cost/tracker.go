package cost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TrackerConfig struct {
	Rates         RateTable
	CharsPerToken int
	// DailyBudget caps spend per UTC day; zero means unlimited.
	DailyBudget decimal.Decimal
	Now         func() time.Time
}

// Tracker prices invocations and records them in a Ledger.
type Tracker struct {
	ledger *Ledger
	cfg    TrackerConfig
}

func NewTracker(ledger *Ledger, cfg TrackerConfig) (*Tracker, error) {
	if ledger == nil {
		return nil, errors.New("nil ledger")
	}
	if cfg.DailyBudget.IsNegative() {
		return nil, fmt.Errorf("daily budget must be >= 0, got %s", cfg.DailyBudget)
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = DefaultCharsPerToken
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{ledger: ledger, cfg: cfg}, nil
}

func (t *Tracker) Ledger() *Ledger { return t.ledger }

func (t *Tracker) Rates() RateTable { return t.cfg.Rates }

// Record prices the given token counts for worker and appends the entry
// under the current UTC day.
func (t *Tracker) Record(worker string, inputTokens, outputTokens int, taskID, traceID string) (Entry, error) {
	c, err := t.cfg.Rates.Cost(worker, inputTokens, outputTokens)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Timestamp:    t.cfg.Now().UTC(),
		Model:        worker,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         c,
		TaskID:       taskID,
		TraceID:      traceID,
	}
	if err := t.ledger.Append(e); err != nil {
		return Entry{}, err
	}
	log.Debugw("cost recorded", "worker", worker, "task_id", taskID, "trace_id", traceID,
		"input_tokens", inputTokens, "output_tokens", outputTokens, "cost", c.String())
	return e, nil
}

// Charge estimates tokens from the prompt and response text and records them.
func (t *Tracker) Charge(worker, prompt, response, taskID, traceID string) (Entry, error) {
	return t.Record(worker,
		EstimateTokens(prompt, t.cfg.CharsPerToken),
		EstimateTokens(response, t.cfg.CharsPerToken),
		taskID, traceID)
}

// SpentToday sums the current UTC day's ledger.
func (t *Tracker) SpentToday(ctx context.Context) (decimal.Decimal, error) {
	es, err := t.ledger.Day(ctx, t.cfg.Now())
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range es {
		total = total.Add(e.Cost)
	}
	return total, nil
}

// CheckBudget returns ErrBudgetExceeded once today's spend has reached the
// daily budget.
func (t *Tracker) CheckBudget(ctx context.Context) error {
	if t.cfg.DailyBudget.IsZero() {
		return nil
	}
	spent, err := t.SpentToday(ctx)
	if err != nil {
		return err
	}
	if spent.GreaterThanOrEqual(t.cfg.DailyBudget) {
		return fmt.Errorf("%w: spent %s of %s on %s", ErrBudgetExceeded,
			spent.StringFixed(4), t.cfg.DailyBudget.StringFixed(2), DayKey(t.cfg.Now()))
	}
	return nil
}
