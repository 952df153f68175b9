package consensus

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/mohans/quorumq/delegate"
)

func vote(model, decision string, c float64) delegate.Envelope {
	return delegate.Envelope{Model: model, Status: delegate.StatusSuccess, Decision: decision, Confidence: &c}
}

func failed(model string, s delegate.Status) delegate.Envelope {
	return delegate.Envelope{Model: model, Status: s, Error: "down"}
}

func TestDecide(t *testing.T) {
	A, R := delegate.DecisionApprove, delegate.DecisionReject
	cases := []struct {
		name  string
		votes []delegate.Envelope
		want  Outcome
	}{
		{"unanimous approve", []delegate.Envelope{vote("claude", A, .9), vote("codex", A, .8), vote("gemini", A, .7)}, Approve},
		{"unanimous reject", []delegate.Envelope{vote("claude", R, .9), vote("codex", R, .8), vote("gemini", R, .7)}, Reject},
		{"two of three", []delegate.Envelope{vote("claude", A, .9), vote("codex", R, .8), vote("gemini", A, .7)}, Approve},
		{"one of two after failure is a split", []delegate.Envelope{vote("claude", A, .9), failed("codex", delegate.StatusTimeout), vote("gemini", R, .7)}, Split},
		{"one valid vote is a majority", []delegate.Envelope{vote("claude", R, .9), failed("codex", delegate.StatusError), failed("gemini", delegate.StatusTimeout)}, Reject},
		{"all missing", []delegate.Envelope{failed("claude", delegate.StatusError), failed("codex", delegate.StatusTimeout)}, Abstain},
		{"no votes at all", nil, Abstain},
		{"three way", []delegate.Envelope{vote("claude", A, .9), vote("codex", R, .8), vote("gemini", "ABSTAIN", .7)}, Abstain},
		{"two two split", []delegate.Envelope{vote("a", A, .9), vote("b", A, .8), vote("c", R, .7), vote("d", R, .6)}, Split},
		{"two one one", []delegate.Envelope{vote("a", A, .9), vote("b", A, .8), vote("c", R, .7), vote("d", "ABSTAIN", .6)}, Abstain},
		{"abstain majority", []delegate.Envelope{vote("a", "ABSTAIN", .9), vote("b", "ABSTAIN", .8), vote("c", R, .7)}, Abstain},
	}
	for _, tc := range cases {
		got := Decide(tc.votes)
		if got.Outcome != tc.want {
			t.Fatalf("%s: want %s got %s (tally %v)", tc.name, tc.want, got.Outcome, got.Tally)
		}
		if got.Method != MethodMajority || got.Total != len(tc.votes) {
			t.Fatalf("%s: unexpected result metadata %#v", tc.name, got)
		}
	}
}

func TestDecide_NeverFalseMajority(t *testing.T) {
	votes := []delegate.Envelope{vote("claude", "APPROVE", 1), failed("codex", delegate.StatusError), vote("gemini", "REJECT", 1)}
	r := Decide(votes)
	if r.Outcome == Approve || r.Outcome == Reject {
		t.Fatalf("one success against one differing success must not produce a majority, got %s", r.Outcome)
	}
	if r.Valid != 2 {
		t.Fatalf("want 2 valid votes got %d", r.Valid)
	}
}

func TestDecide_ConfidenceOfWinners(t *testing.T) {
	r := Decide([]delegate.Envelope{vote("a", "APPROVE", 0.9), vote("b", "APPROVE", 0.7), vote("c", "REJECT", 0.2)})
	if r.Outcome != Approve || r.Decision != "APPROVE" {
		t.Fatalf("unexpected outcome %#v", r)
	}
	if diff := r.Confidence - 0.8; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("want mean winner confidence 0.8 got %v", r.Confidence)
	}
}

func TestDecideWeighted(t *testing.T) {
	ws := map[string]float64{"claude": 3, "codex": 1, "gemini": 1}
	// One trusted reject outweighs two approvals.
	r := DecideWeighted([]delegate.Envelope{vote("claude", "REJECT", 0.9), vote("codex", "APPROVE", 0.8), vote("gemini", "APPROVE", 0.8)}, ws)
	if r.Outcome != Reject || r.Method != MethodWeighted {
		t.Fatalf("want weighted REJECT got %#v", r)
	}
	if r.Weighted["REJECT"] < 2.69 || r.Weighted["APPROVE"] > 1.61 {
		t.Fatalf("unexpected weighted totals %v", r.Weighted)
	}

	tie := DecideWeighted([]delegate.Envelope{vote("codex", "APPROVE", 0.5), vote("gemini", "REJECT", 0.5)}, ws)
	if tie.Outcome != Split {
		t.Fatalf("two-way tie must be SPLIT got %s", tie.Outcome)
	}

	unknown := DecideWeighted([]delegate.Envelope{vote("newcomer", "APPROVE", 0.6)}, ws)
	if unknown.Outcome != Approve || unknown.Weighted["APPROVE"] != 0.6 {
		t.Fatalf("unlisted worker weighs 1.0, got %#v", unknown)
	}

	zero := DecideWeighted([]delegate.Envelope{vote("codex", "APPROVE", 0)}, ws)
	if zero.Outcome != Abstain {
		t.Fatalf("no positive total must ABSTAIN, got %s", zero.Outcome)
	}

	none := DecideWeighted([]delegate.Envelope{failed("claude", delegate.StatusTimeout)}, ws)
	if none.Outcome != Abstain {
		t.Fatalf("no valid votes must ABSTAIN, got %s", none.Outcome)
	}
}

func TestDecide_OutOfRangeConfidenceIsNotAVote(t *testing.T) {
	ws := map[string]float64{"claude": 1, "codex": 1, "gemini": 1}
	for _, bad := range []float64{7.5, -0.1, math.NaN()} {
		votes := []delegate.Envelope{vote("claude", "APPROVE", bad), vote("codex", "REJECT", 0.9), vote("gemini", "REJECT", 0.9)}
		w := DecideWeighted(votes, ws)
		if w.Outcome != Reject || w.Valid != 2 || w.Total != 3 {
			t.Fatalf("confidence %v: want REJECT from 2 of 3 valid, got %s (%d of %d, weighted %v)", bad, w.Outcome, w.Valid, w.Total, w.Weighted)
		}
		if _, ok := w.Weighted["APPROVE"]; ok {
			t.Fatalf("confidence %v was summed: %v", bad, w.Weighted)
		}
		if m := Decide(votes); m.Outcome != Reject || m.Tally["APPROVE"] != 0 {
			t.Fatalf("confidence %v: majority rule counted it: %#v", bad, m.Tally)
		}
	}

	noDecision := delegate.Envelope{Model: "claude", Status: delegate.StatusSuccess}
	if r := Decide([]delegate.Envelope{noDecision}); r.Outcome != Abstain || r.Valid != 0 {
		t.Fatalf("success without decision must not vote, got %#v", r)
	}
}

func TestDecide_OneVotePerModel(t *testing.T) {
	votes := []delegate.Envelope{
		vote("claude", "APPROVE", 0.9),
		vote("claude", "APPROVE", 0.9),
		vote("claude", "REJECT", 0.6),
		vote("codex", "APPROVE", 0.8),
		vote("gemini", "REJECT", 0.7),
	}
	r := Decide(votes)
	if r.Total != 3 || r.Valid != 3 || r.Tally["APPROVE"] != 1 || r.Tally["REJECT"] != 2 {
		t.Fatalf("want the last claude vote only, got total %d valid %d tally %v", r.Total, r.Valid, r.Tally)
	}
	if r.Outcome != Reject {
		t.Fatalf("repeated envelopes must not fake a majority, got %s", r.Outcome)
	}
	w := DecideWeighted(votes, map[string]float64{"claude": 1})
	if w.Outcome != Reject || w.Weighted["APPROVE"] != 0.8 {
		t.Fatalf("weighted rule counted duplicates: %v", w.Weighted)
	}
}

func TestEngine_FallsBackToMajority(t *testing.T) {
	e := NewEngine(Weights{"security": {"claude": 5}})
	votes := []delegate.Envelope{vote("claude", "REJECT", 0.9), vote("codex", "APPROVE", 0.9), vote("gemini", "APPROVE", 0.9)}
	if r := e.Evaluate("security", votes); r.Outcome != Reject || r.Category != "security" {
		t.Fatalf("configured category must use weights, got %#v", r)
	}
	if r := e.Evaluate("docs", votes); r.Outcome != Approve || r.Method != MethodMajority {
		t.Fatalf("unconfigured category must use majority, got %#v", r)
	}
}

func TestCollect_ReturnsAtDeadline(t *testing.T) {
	ch := make(chan delegate.Envelope, 3)
	ch <- vote("claude", "APPROVE", 0.9)
	ch <- vote("gemini", "APPROVE", 0.8)
	// codex never answers and the channel is never closed.
	start := time.Now()
	got := Collect(context.Background(), ch, []string{"claude", "codex", "gemini"}, 50*time.Millisecond)
	if time.Since(start) > time.Second {
		t.Fatalf("Collect must not wait past its deadline")
	}
	if len(got) != 3 || got[1].Model != "codex" || got[1].Status != delegate.StatusTimeout {
		t.Fatalf("missing vote must be reported as timeout: %#v", got)
	}
	if r := Decide(got); r.Outcome != Approve || r.Valid != 2 || r.Total != 3 {
		t.Fatalf("degraded result must still decide: %#v", r)
	}
}

func TestCollect_StopsWhenAllArrive(t *testing.T) {
	ch := make(chan delegate.Envelope, 2)
	ch <- vote("a", "APPROVE", 1)
	ch <- vote("b", "REJECT", 1)
	start := time.Now()
	got := Collect(context.Background(), ch, []string{"a", "b"}, time.Minute)
	if time.Since(start) > time.Second || len(got) != 2 {
		t.Fatalf("Collect must return once every expected vote arrived, got %#v", got)
	}
}

func TestResult_Reports(t *testing.T) {
	r := Decide([]delegate.Envelope{vote("claude", "APPROVE", 0.9), failed("codex", delegate.StatusTimeout), vote("gemini", "APPROVE", 0.7)})
	raw, err := r.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var decoded struct {
		Outcome string         `json:"outcome"`
		Valid   int            `json:"valid_votes"`
		Tally   map[string]int `json:"tally"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Outcome != "APPROVE" || decoded.Valid != 2 || decoded.Tally["APPROVE"] != 2 {
		t.Fatalf("unexpected json report: %s", raw)
	}
	md := r.Markdown("task-7", "trace-7")
	for _, want := range []string{"# Consensus report: task-7", "**APPROVE**", "Valid votes: 2 of 3", "| codex | timeout | - | - |"} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown missing %q:\n%s", want, md)
		}
	}
}
