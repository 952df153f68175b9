package consensus

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JSON renders r for machine consumers.
func (r Result) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Markdown renders r as a short human-readable report.
func (r Result) Markdown(taskID, traceID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Consensus report: %s\n\n", taskID)
	if traceID != "" {
		fmt.Fprintf(&b, "- Trace: `%s`\n", traceID)
	}
	fmt.Fprintf(&b, "- Outcome: **%s**\n", r.Outcome)
	if r.Decision != "" && r.Decision != string(r.Outcome) {
		fmt.Fprintf(&b, "- Decision: %s\n", r.Decision)
	}
	fmt.Fprintf(&b, "- Method: %s", r.Method)
	if r.Category != "" {
		fmt.Fprintf(&b, " (%s)", r.Category)
	}
	fmt.Fprintf(&b, "\n- Valid votes: %d of %d\n", r.Valid, r.Total)
	if r.Confidence > 0 {
		fmt.Fprintf(&b, "- Confidence: %.2f\n", r.Confidence)
	}

	b.WriteString("\n| Worker | Status | Decision | Confidence | Duration | Note |\n")
	b.WriteString("|--------|--------|----------|------------|----------|------|\n")
	for _, v := range r.Votes {
		c := "-"
		if v.Confidence != nil {
			c = fmt.Sprintf("%.2f", *v.Confidence)
		}
		d := v.Decision
		if d == "" {
			d = "-"
		}
		note := v.Reasoning
		if v.Error != "" {
			note = v.Error
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s |\n", v.Model, v.Status, d, c, v.Duration(), cell(note))
	}
	return b.String()
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if r := []rune(s); len(r) > 80 {
		s = string(r[:77]) + "..."
	}
	return s
}
