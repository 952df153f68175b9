// Package cost estimates token usage, prices it per worker and keeps an
// append-only ledger with one JSONL file per UTC day.
package cost

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	logging "github.com/ipfs/go-log/v2"
	"github.com/shopspring/decimal"
)

var log = logging.Logger("quorumq/cost")

var (
	ErrUnknownWorker  = errors.New("no rate for worker")
	ErrInvalidTokens  = errors.New("token counts must be >= 0")
	ErrBudgetExceeded = errors.New("daily budget exceeded")
)

const DefaultCharsPerToken = 4

var million = decimal.NewFromInt(1_000_000)

// EstimateTokens approximates tokens as characters / charsPerToken, rounded
// up. Empty text is zero tokens.
func EstimateTokens(text string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

// Rate is USD per one million tokens.
type Rate struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

// ParseRate reads decimal strings such as "3.00"; negative rates are refused
// so cost stays non-decreasing in tokens.
func ParseRate(input, output string) (Rate, error) {
	in, err := decimal.NewFromString(strings.TrimSpace(input))
	if err != nil {
		return Rate{}, fmt.Errorf("input rate %q: %w", input, err)
	}
	out, err := decimal.NewFromString(strings.TrimSpace(output))
	if err != nil {
		return Rate{}, fmt.Errorf("output rate %q: %w", output, err)
	}
	if in.IsNegative() || out.IsNegative() {
		return Rate{}, fmt.Errorf("rates must be >= 0, got %s/%s", in, out)
	}
	return Rate{InputPerMillion: in, OutputPerMillion: out}, nil
}

// RateTable maps worker to Rate.
type RateTable map[string]Rate

// Cost prices a call. It depends only on its arguments and the table.
func (t RateTable) Cost(worker string, inputTokens, outputTokens int) (decimal.Decimal, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return decimal.Zero, fmt.Errorf("%w: %d/%d", ErrInvalidTokens, inputTokens, outputTokens)
	}
	r, ok := t[worker]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownWorker, worker)
	}
	in := decimal.NewFromInt(int64(inputTokens)).Mul(r.InputPerMillion)
	out := decimal.NewFromInt(int64(outputTokens)).Mul(r.OutputPerMillion)
	return in.Add(out).Div(million), nil
}
