package delegate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Canonical decisions. Success envelopes may carry any decision string; these
// are the ones the text extractor and the coordinator understand.
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
	DecisionAbstain = "ABSTAIN"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the result of one delegate invocation.
type Envelope struct {
	Model      string   `json:"model"`
	Status     Status   `json:"status"`
	Decision   string   `json:"decision,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Output     string   `json:"output,omitempty"`
	Error      string   `json:"error,omitempty"`
	TraceID    string   `json:"trace_id,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

func (e Envelope) Duration() time.Duration { return time.Duration(e.DurationMS) * time.Millisecond }

func (e Envelope) OK() bool { return e.Status == StatusSuccess }

// ConfidenceValue returns the confidence, or 0 when absent.
func (e Envelope) ConfidenceValue() float64 {
	if e.Confidence == nil {
		return 0
	}
	return *e.Confidence
}

// Validate checks the envelope at the boundary. It never clamps.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidEnvelope)
	}
	if e.Confidence != nil {
		c := *e.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidEnvelope, c)
		}
	}
	switch e.Status {
	case StatusSuccess:
		if strings.TrimSpace(e.Decision) == "" {
			return fmt.Errorf("%w: success without decision", ErrInvalidEnvelope)
		}
		if e.Confidence == nil {
			return fmt.Errorf("%w: success without confidence", ErrInvalidEnvelope)
		}
	case StatusError, StatusTimeout:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEnvelope, e.Status)
	}
	if e.DurationMS < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidEnvelope)
	}
	return nil
}

// normalize upper-cases the decision and drops the fields a non-success
// envelope must not carry.
func (e Envelope) normalize() Envelope {
	if e.Status == StatusSuccess {
		e.Decision = strings.ToUpper(strings.TrimSpace(e.Decision))
		return e
	}
	e.Decision = ""
	e.Confidence = nil
	return e
}

// ParseEnvelope decodes a JSON envelope emitted by model. A missing model is
// filled in; a different one is rejected.
func ParseEnvelope(raw []byte, model string) (Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty response", ErrInvalidEnvelope)
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if e.Model == "" {
		e.Model = model
	}
	if model != "" && e.Model != model {
		return Envelope{}, fmt.Errorf("%w: model %q does not match delegate %q", ErrInvalidEnvelope, e.Model, model)
	}
	e.Status = Status(strings.ToLower(strings.TrimSpace(string(e.Status))))
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e.normalize(), nil
}

func errorEnvelope(model, traceID string, status Status, msg string, d time.Duration) Envelope {
	return Envelope{
		Model:      model,
		Status:     status,
		Error:      msg,
		TraceID:    traceID,
		DurationMS: d.Milliseconds(),
	}
}

var (
	approveRe = regexp.MustCompile(`(?i)\b(APPROVE|APPROVED|LGTM|ACCEPT|YES)\b`)
	rejectRe  = regexp.MustCompile(`(?i)\b(REJECT|REJECTED|DENY|DENIED|NO|BLOCK)\b`)

	confidenceLevels = []struct {
		re    *regexp.Regexp
		value float64
	}{
		{regexp.MustCompile(`(?i)\b(definitely|certainly|absolutely|clearly|strongly)\b`), 0.9},
		{regexp.MustCompile(`(?i)\b(likely|probably|appears|seems|looks)\b`), 0.7},
		{regexp.MustCompile(`(?i)\b(maybe|might|could|possibly|perhaps|unsure)\b`), 0.4},
		{regexp.MustCompile(`(?i)\b(difficult to say|hard to tell|cannot determine|need more)\b`), 0.2},
	}
)

// ExtractDecision maps free text to APPROVE, REJECT or ABSTAIN. Approval
// keywords win over rejection keywords.
func ExtractDecision(text string) string {
	switch {
	case approveRe.MatchString(text):
		return DecisionApprove
	case rejectRe.MatchString(text):
		return DecisionReject
	default:
		return DecisionAbstain
	}
}

// EstimateConfidence reads hedging language; text without any yields 0.5.
func EstimateConfidence(text string) float64 {
	for _, l := range confidenceLevels {
		if l.re.MatchString(text) {
			return l.value
		}
	}
	return 0.5
}

// FromText builds a success envelope out of plain text output.
func FromText(model, traceID, text string) Envelope {
	c := EstimateConfidence(text)
	return Envelope{
		Model:      model,
		Status:     StatusSuccess,
		Decision:   ExtractDecision(text),
		Confidence: &c,
		Reasoning:  firstLine(text),
		Output:     text,
		TraceID:    traceID,
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > 200 {
		s = string(r[:200])
	}
	return s
}
