// Package usage records MCP tool invocations as trifle stats time series.
package usage

import (
	"encoding/json"
	"sort"
	"time"

	triflestats "github.com/trifle-io/trifle_stats_go"
)

// Key prefixes the series each tool is tracked under.
const Key = "appsignal_mcp::tools"

// SeriesKey is the series one tool's invocations are tracked under.
func SeriesKey(tool string) string {
	return Key + "::" + tool
}

type Event struct {
	Tool     string
	At       time.Time
	Duration time.Duration
	Failed   bool
}

type Recorder interface {
	Record(event Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(Event) error { return nil }

// StatsRecorder tracks events through a trifle stats configuration.
type StatsRecorder struct {
	cfg *triflestats.Config
}

func NewStatsRecorder(cfg *triflestats.Config) *StatsRecorder {
	return &StatsRecorder{cfg: cfg}
}

func (r *StatsRecorder) Record(event Event) error {
	return triflestats.Track(r.cfg, SeriesKey(event.Tool), event.At.UTC(), Values(event))
}

// Totals sums the tracked events of each tool between from and to. Tools
// without calls in the range are left out.
func (r *StatsRecorder) Totals(from, to time.Time, granularity string, tools []string) ([]ToolTotals, error) {
	sorted := append([]string(nil), tools...)
	sort.Strings(sorted)

	out := make([]ToolTotals, 0, len(sorted))
	for _, tool := range sorted {
		result, err := triflestats.Values(r.cfg, SeriesKey(tool), from, to, granularity, true)
		if err != nil {
			return nil, err
		}
		totals := Summarize(tool, result.Values)
		if totals.Count == 0 {
			continue
		}
		out = append(out, totals)
	}
	return out, nil
}

// Values is the flat payload tracked for one event.
func Values(event Event) map[string]any {
	errorsCount := 0
	if event.Failed {
		errorsCount = 1
	}
	return map[string]any{
		"count":       1,
		"errors":      errorsCount,
		"duration_ms": float64(event.Duration.Microseconds()) / 1000,
	}
}

type ToolTotals struct {
	Tool          string  `json:"tool"`
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	DurationMS    float64 `json:"duration_ms"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Summarize folds the per-interval rows of one tool into its totals.
func Summarize(tool string, values []map[string]any) ToolTotals {
	totals := ToolTotals{Tool: tool}
	for _, row := range values {
		totals.Count += int64(toFloat(row["count"]))
		totals.Errors += int64(toFloat(row["errors"]))
		totals.DurationMS += toFloat(row["duration_ms"])
	}
	if totals.Count > 0 {
		totals.AvgDurationMS = totals.DurationMS / float64(totals.Count)
	}
	return totals
}

func toFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case json.Number:
		if parsed, err := v.Float64(); err == nil {
			return parsed
		}
	}
	return 0
}
