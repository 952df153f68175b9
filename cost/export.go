package cost

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/shopspring/decimal"
)

// Totals aggregates a set of entries.
type Totals struct {
	Calls        int             `json:"calls"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Cost         decimal.Decimal `json:"cost"`
}

func (t *Totals) add(e Entry) {
	t.Calls++
	t.InputTokens += int64(e.InputTokens)
	t.OutputTokens += int64(e.OutputTokens)
	t.Cost = t.Cost.Add(e.Cost)
}

// DailyRollup is one UTC day's totals, overall and per worker.
type DailyRollup struct {
	Date string `json:"date"`
	Totals
	ByModel map[string]Totals `json:"by_model"`
}

// Rollup groups entries by the UTC day of their timestamp, oldest first.
func Rollup(entries []Entry) []DailyRollup {
	byDay := map[string]*DailyRollup{}
	for _, e := range entries {
		key := e.Day()
		r, ok := byDay[key]
		if !ok {
			r = &DailyRollup{Date: key, ByModel: map[string]Totals{}}
			byDay[key] = r
		}
		r.add(e)
		m := r.ByModel[e.Model]
		m.add(e)
		r.ByModel[e.Model] = m
	}
	out := make([]DailyRollup, 0, len(byDay))
	for _, r := range byDay {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Summarize totals entries across all days.
func Summarize(entries []Entry) Totals {
	var t Totals
	for _, e := range entries {
		t.add(e)
	}
	return t
}

type jsonExport struct {
	Entries []Entry       `json:"entries"`
	Daily   []DailyRollup `json:"daily"`
	Total   Totals        `json:"total"`
}

// WriteJSON writes the entries together with their rollups.
func WriteJSON(w io.Writer, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonExport{Entries: entries, Daily: Rollup(entries), Total: Summarize(entries)})
}

// ledgerCollector exposes rollups as constant metrics so the text export
// and the JSON export are computed from the same entries. Sample values are
// float64: quorumq_cost_usd is approximate for large or very precise costs,
// quorumq_cost_micro_usd is exact to the micro-dollar below 2^53 micro-USD,
// and the JSON export keeps the exact decimal.
type ledgerCollector struct {
	rollups []DailyRollup
	cost    *prometheus.Desc
	micro   *prometheus.Desc
	tokens  *prometheus.Desc
	calls   *prometheus.Desc
}

// microUSD rounds a USD amount to whole micro-dollars.
func microUSD(d decimal.Decimal) float64 {
	return float64(d.Shift(6).Round(0).IntPart())
}

func newLedgerCollector(entries []Entry) *ledgerCollector {
	return &ledgerCollector{
		rollups: Rollup(entries),
		cost: prometheus.NewDesc("quorumq_cost_usd",
			"Cost in USD per UTC day and worker.", []string{"date", "model"}, nil),
		micro: prometheus.NewDesc("quorumq_cost_micro_usd",
			"Cost in whole micro-USD per UTC day and worker.", []string{"date", "model"}, nil),
		tokens: prometheus.NewDesc("quorumq_tokens",
			"Estimated tokens per UTC day, worker and direction.", []string{"date", "model", "direction"}, nil),
		calls: prometheus.NewDesc("quorumq_calls",
			"Delegate invocations per UTC day and worker.", []string{"date", "model"}, nil),
	}
}

func (c *ledgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cost
	ch <- c.micro
	ch <- c.tokens
	ch <- c.calls
}

func (c *ledgerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, r := range c.rollups {
		for model, t := range r.ByModel {
			ch <- prometheus.MustNewConstMetric(c.cost, prometheus.GaugeValue, t.Cost.InexactFloat64(), r.Date, model)
			ch <- prometheus.MustNewConstMetric(c.micro, prometheus.GaugeValue, microUSD(t.Cost), r.Date, model)
			ch <- prometheus.MustNewConstMetric(c.tokens, prometheus.GaugeValue, float64(t.InputTokens), r.Date, model, "input")
			ch <- prometheus.MustNewConstMetric(c.tokens, prometheus.GaugeValue, float64(t.OutputTokens), r.Date, model, "output")
			ch <- prometheus.MustNewConstMetric(c.calls, prometheus.GaugeValue, float64(t.Calls), r.Date, model)
		}
	}
}

// WritePrometheus writes the entries' per-day, per-worker rollups in the
// Prometheus text exposition format.
func WritePrometheus(w io.Writer, entries []Entry) error {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(newLedgerCollector(entries)); err != nil {
		return fmt.Errorf("register cost collector: %w", err)
	}
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather cost metrics: %w", err)
	}
	return writeFamilies(w, families)
}

func writeFamilies(w io.Writer, families []*dto.MetricFamily) error {
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
