package usage

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestValues(t *testing.T) {
	t.Parallel()

	got := Values(Event{Tool: "get_sample", Duration: 1500 * time.Microsecond, Failed: true})
	want := map[string]any{
		"count":       1,
		"errors":      1,
		"duration_ms": 1.5,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Values = %#v, want %#v", got, want)
	}
}

func TestSeriesKey(t *testing.T) {
	t.Parallel()

	if got := SeriesKey("get_sample"); got != "appsignal_mcp::tools::get_sample" {
		t.Fatalf("SeriesKey = %q", got)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	rows := []map[string]any{
		{"count": float64(2), "errors": float64(1), "duration_ms": float64(30)},
		{},
		{"count": json.Number("1"), "errors": json.Number("0"), "duration_ms": json.Number("15")},
		{"count": int64(1), "errors": int64(0), "duration_ms": int64(5)},
	}

	got := Summarize("get_sample", rows)
	want := ToolTotals{Tool: "get_sample", Count: 4, Errors: 1, DurationMS: 50, AvgDurationMS: 12.5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Summarize = %#v, want %#v", got, want)
	}

	if empty := Summarize("search_samples", nil); empty.Count != 0 || empty.AvgDurationMS != 0 {
		t.Fatalf("Summarize(nil) = %#v", empty)
	}
}

func TestNopRecorder(t *testing.T) {
	t.Parallel()

	var recorder Recorder = Nop{}
	if err := recorder.Record(Event{Tool: "get_sample"}); err != nil {
		t.Fatalf("nop record: %v", err)
	}
}
