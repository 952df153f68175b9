// Package consensus folds delegate envelopes into a single decision.
//
// Only success envelopes vote. A decision held by a strict majority of the
// valid votes wins. Without a majority, valid votes split evenly between
// exactly two decisions are a SPLIT; anything else (no valid votes, a
// three-way disagreement, 2-1-1) is ABSTAIN.
package consensus

import (
	"context"
	"sort"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mohans/quorumq/delegate"
)

var log = logging.Logger("quorumq/consensus")

type Outcome string

const (
	Approve Outcome = "APPROVE"
	Reject  Outcome = "REJECT"
	Split   Outcome = "SPLIT"
	Abstain Outcome = "ABSTAIN"
)

const (
	MethodMajority = "majority"
	MethodWeighted = "weighted"
)

// Result is the outcome plus everything needed to explain it.
type Result struct {
	Outcome Outcome `json:"outcome"`
	// Decision is the winning decision as voted; it differs from Outcome only
	// when delegates agree on a free-form decision.
	Decision   string              `json:"decision,omitempty"`
	Method     string              `json:"method"`
	Category   string              `json:"category,omitempty"`
	Confidence float64             `json:"confidence"`
	Valid      int                 `json:"valid_votes"`
	Total      int                 `json:"total_votes"`
	Tally      map[string]int      `json:"tally"`
	Weighted   map[string]float64  `json:"weighted,omitempty"`
	Votes      []delegate.Envelope `json:"votes"`
}

// Weights maps task category to worker to trust weight.
type Weights map[string]map[string]float64

// Engine applies the weighted rule for configured categories and the
// majority rule otherwise.
type Engine struct {
	weights Weights
}

func NewEngine(w Weights) *Engine {
	return &Engine{weights: w}
}

// Evaluate decides for a task of the given category.
func (e *Engine) Evaluate(category string, votes []delegate.Envelope) Result {
	ws := e.weights[category]
	var r Result
	if len(ws) == 0 {
		r = Decide(votes)
	} else {
		r = DecideWeighted(votes, ws)
		r.Category = category
	}
	log.Debugw("consensus evaluated", "category", category, "outcome", r.Outcome, "method", r.Method,
		"valid", r.Valid, "total", r.Total)
	return r
}

// tally keeps the last envelope per model and counts the success votes
// among them. Envelopes that fail validation (confidence outside [0,1],
// success without a decision) are not votes.
func tally(votes []delegate.Envelope) (counts map[string]int, valid []delegate.Envelope, total int) {
	counts = map[string]int{}
	last := map[string]int{}
	for i, v := range votes {
		last[v.Model] = i
	}
	for i, v := range votes {
		if last[v.Model] != i {
			log.Warnw("duplicate vote ignored", "worker", v.Model)
			continue
		}
		total++
		if !v.OK() {
			continue
		}
		if err := v.Validate(); err != nil {
			log.Warnw("invalid vote ignored", "worker", v.Model, "err", err)
			continue
		}
		counts[v.Decision]++
		valid = append(valid, v)
	}
	return counts, valid, total
}

// Decide applies the unweighted rule.
func Decide(votes []delegate.Envelope) Result {
	counts, valid, total := tally(votes)
	r := Result{
		Method: MethodMajority,
		Valid:  len(valid),
		Total:  total,
		Tally:  counts,
		Votes:  votes,
	}
	if len(valid) == 0 {
		r.Outcome = Abstain
		return r
	}
	decisions := sortedKeys(counts)
	top := decisions[0]
	for _, d := range decisions[1:] {
		if counts[d] > counts[top] {
			top = d
		}
	}
	if counts[top]*2 > len(valid) {
		r.Decision = top
		r.Outcome = outcomeFor(top)
		r.Confidence = meanConfidence(valid, top)
		return r
	}
	if len(counts) == 2 && counts[decisions[0]] == counts[decisions[1]] {
		r.Outcome = Split
		return r
	}
	r.Outcome = Abstain
	return r
}

// DecideWeighted sums confidence x weight per decision and takes the highest
// total. Workers absent from ws weigh 1.0. A tie for the top total between
// exactly two decisions is a SPLIT; any other tie, or no positive total, is
// ABSTAIN.
func DecideWeighted(votes []delegate.Envelope, ws map[string]float64) Result {
	counts, valid, total := tally(votes)
	r := Result{
		Method:   MethodWeighted,
		Valid:    len(valid),
		Total:    total,
		Tally:    counts,
		Weighted: map[string]float64{},
		Votes:    votes,
	}
	if len(valid) == 0 {
		r.Outcome = Abstain
		return r
	}
	for _, v := range valid {
		w, ok := ws[v.Model]
		if !ok {
			w = 1.0
		}
		r.Weighted[v.Decision] += v.ConfidenceValue() * w
	}
	decisions := sortedKeys(counts)
	best := 0.0
	var leaders []string
	for _, d := range decisions {
		switch total := r.Weighted[d]; {
		case total > best:
			best = total
			leaders = []string{d}
		case total == best && total > 0:
			leaders = append(leaders, d)
		}
	}
	switch {
	case len(leaders) == 1:
		r.Decision = leaders[0]
		r.Outcome = outcomeFor(leaders[0])
		r.Confidence = meanConfidence(valid, leaders[0])
	case len(leaders) == 2 && len(counts) == 2:
		r.Outcome = Split
	default:
		r.Outcome = Abstain
	}
	return r
}

func outcomeFor(decision string) Outcome {
	switch decision {
	case delegate.DecisionApprove:
		return Approve
	case delegate.DecisionReject:
		return Reject
	default:
		return Abstain
	}
}

func meanConfidence(valid []delegate.Envelope, decision string) float64 {
	var sum float64
	n := 0
	for _, v := range valid {
		if v.Decision == decision {
			sum += v.ConfidenceValue()
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Collect reads envelopes until every expected worker has answered, the
// channel closes, timeout elapses or ctx is done. Workers that never
// answered are returned as timeout envelopes so the result still accounts
// for them. Output follows the order of expected.
func Collect(ctx context.Context, ch <-chan delegate.Envelope, expected []string, timeout time.Duration) []delegate.Envelope {
	got := make(map[string]delegate.Envelope, len(expected))
	timer := time.NewTimer(timeout)
	defer timer.Stop()

loop:
	for len(got) < len(expected) {
		select {
		case env, ok := <-ch:
			if !ok {
				break loop
			}
			got[env.Model] = env
		case <-timer.C:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	out := make([]delegate.Envelope, 0, len(expected))
	for _, name := range expected {
		env, ok := got[name]
		if !ok {
			log.Warnw("vote missing at deadline", "worker", name, "timeout", timeout)
			env = delegate.Envelope{Model: name, Status: delegate.StatusTimeout, Error: "no vote before deadline"}
		}
		out = append(out, env)
	}
	return out
}
