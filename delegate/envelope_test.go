package delegate

import (
	"errors"
	"math"
	"testing"
)

func conf(v float64) *float64 { return &v }

func TestEnvelope_Validate(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"success", Envelope{Model: "claude", Status: StatusSuccess, Decision: "APPROVE", Confidence: conf(0.8)}, true},
		{"bounds inclusive", Envelope{Model: "claude", Status: StatusSuccess, Decision: "REJECT", Confidence: conf(1)}, true},
		{"zero confidence", Envelope{Model: "claude", Status: StatusSuccess, Decision: "REJECT", Confidence: conf(0)}, true},
		{"error", Envelope{Model: "codex", Status: StatusError, Error: "exit 1"}, true},
		{"timeout", Envelope{Model: "codex", Status: StatusTimeout}, true},
		{"missing model", Envelope{Status: StatusError}, false},
		{"above one", Envelope{Model: "gemini", Status: StatusSuccess, Decision: "APPROVE", Confidence: conf(1.01)}, false},
		{"negative", Envelope{Model: "gemini", Status: StatusSuccess, Decision: "APPROVE", Confidence: conf(-0.1)}, false},
		{"nan", Envelope{Model: "gemini", Status: StatusSuccess, Decision: "APPROVE", Confidence: conf(math.NaN())}, false},
		{"out of range on error", Envelope{Model: "gemini", Status: StatusError, Confidence: conf(3)}, false},
		{"success without decision", Envelope{Model: "gemini", Status: StatusSuccess, Confidence: conf(0.5)}, false},
		{"success without confidence", Envelope{Model: "gemini", Status: StatusSuccess, Decision: "APPROVE"}, false},
		{"unknown status", Envelope{Model: "gemini", Status: "maybe"}, false},
	}
	for _, tc := range cases {
		err := tc.env.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidEnvelope) {
			t.Fatalf("%s: want ErrInvalidEnvelope, got %v", tc.name, err)
		}
	}
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"model":"claude","status":"SUCCESS","decision":" approve ","confidence":0.9,
		"reasoning":"fine","output":"ok","trace_id":"tr-1","duration_ms":1200,"extra":"ignored"}`), "claude")
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Status != StatusSuccess || env.Decision != DecisionApprove || env.ConfidenceValue() != 0.9 || env.TraceID != "tr-1" {
		t.Fatalf("unexpected envelope: %#v", env)
	}

	noModel, err := ParseEnvelope([]byte(`{"status":"error","error":"cli missing","confidence":0}`), "codex")
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if noModel.Model != "codex" || noModel.Confidence != nil || noModel.Decision != "" {
		t.Fatalf("error envelope must carry neither decision nor confidence: %#v", noModel)
	}

	for name, raw := range map[string]string{
		"empty":      "",
		"garbage":    "not json",
		"partial":    `{"model":"claude","status":"success"}`,
		"mismatch":   `{"model":"gemini","status":"error"}`,
		"bad conf":   `{"model":"claude","status":"success","decision":"APPROVE","confidence":7}`,
		"wrong type": `{"model":"claude","status":"success","decision":"APPROVE","confidence":"high"}`,
	} {
		if _, err := ParseEnvelope([]byte(raw), "claude"); !errors.Is(err, ErrInvalidEnvelope) {
			t.Fatalf("%s: want ErrInvalidEnvelope, got %v", name, err)
		}
	}
}

func TestExtractDecision(t *testing.T) {
	cases := map[string]string{
		"I APPROVE this change.":          DecisionApprove,
		"APPROVED - looks good!":          DecisionApprove,
		"LGTM":                            DecisionApprove,
		"I accept this implementation":    DecisionApprove,
		"YES, this is correct":            DecisionApprove,
		"I REJECT this code.":             DecisionReject,
		"REJECTED due to security issues": DecisionReject,
		"DENY this request":               DecisionReject,
		"NO, this is incorrect":           DecisionReject,
		"BLOCK this merge":                DecisionReject,
		"I'm UNSURE about this":           DecisionAbstain,
		"Cannot determine the answer":     DecisionAbstain,
		"Need more information":           DecisionAbstain,
		"Some random text":                DecisionAbstain,
		"":                                DecisionAbstain,
	}
	for text, want := range cases {
		if got := ExtractDecision(text); got != want {
			t.Fatalf("ExtractDecision(%q) = %s, want %s", text, got, want)
		}
	}
}

func TestEstimateConfidence(t *testing.T) {
	cases := map[string]float64{
		"I definitely approve this.":         0.9,
		"I strongly recommend approval.":     0.9,
		"It probably works.":                 0.7,
		"This seems fine.":                   0.7,
		"Maybe this could work.":             0.4,
		"I'm unsure about this.":             0.4,
		"It's difficult to say.":             0.2,
		"Hard to tell without more context.": 0.2,
		"Some neutral text.":                 0.5,
	}
	for text, want := range cases {
		if got := EstimateConfidence(text); got != want {
			t.Fatalf("EstimateConfidence(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestFromText(t *testing.T) {
	env := FromText("gemini", "tr", "LGTM, clearly correct.\nDetails follow.")
	if err := env.Validate(); err != nil {
		t.Fatalf("text envelope must validate: %v", err)
	}
	if env.Decision != DecisionApprove || env.ConfidenceValue() != 0.9 || env.Reasoning != "LGTM, clearly correct." {
		t.Fatalf("unexpected envelope: %#v", env)
	}
}
