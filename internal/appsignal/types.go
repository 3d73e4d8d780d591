package appsignal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// SampleKind discriminates the two sample variants.
type SampleKind int

const (
	KindPerformance SampleKind = iota
	KindError
)

func (k SampleKind) String() string {
	if k == KindError {
		return "error"
	}
	return "performance"
}

// SampleType selects the search collection.
type SampleType string

const (
	SampleTypeAll         SampleType = "all"
	SampleTypeErrors      SampleType = "errors"
	SampleTypePerformance SampleType = "performance"
)

// ParseSampleType accepts all, errors or performance; empty means errors.
func ParseSampleType(value string) (SampleType, error) {
	switch SampleType(strings.ToLower(strings.TrimSpace(value))) {
	case "", SampleTypeErrors:
		return SampleTypeErrors, nil
	case SampleTypePerformance:
		return SampleTypePerformance, nil
	case SampleTypeAll:
		return SampleTypeAll, nil
	default:
		return "", &ValidationError{Message: fmt.Sprintf("invalid sample_type %q (expected all, errors or performance)", value)}
	}
}

// SampleID is a sample identifier. Numeric ids keep their decimal text.
type SampleID string

func (id *SampleID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		*id = ""
		return nil
	case len(trimmed) > 0 && trimmed[0] == '"':
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*id = SampleID(value)
		return nil
	}

	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("sample id must be a string or number: %w", err)
	}
	*id = SampleID(number.String())
	return nil
}

// SampleHeader holds the fields shared by both sample variants.
type SampleHeader struct {
	ID            SampleID       `json:"id"`
	Action        string         `json:"action"`
	Path          string         `json:"path"`
	Status        any            `json:"status"`
	Duration      *float64       `json:"duration"`
	Hostname      string         `json:"hostname"`
	Time          float64        `json:"time"`
	End           float64        `json:"end"`
	Kind          string         `json:"kind"`
	RequestFormat string         `json:"request_format"`
	RequestMethod string         `json:"request_method"`
	Environment   map[string]any `json:"environment"`
	Params        map[string]any `json:"params"`
	SessionData   map[string]any `json:"session_data"`
}

type Exception struct {
	Message   string   `json:"message"`
	Name      string   `json:"name"`
	Backtrace []string `json:"backtrace"`
}

type ErrorSample struct {
	SampleHeader
	Tags      map[string]any `json:"tags"`
	Exception *Exception     `json:"exception"`
}

type Event struct {
	Action          string         `json:"action"`
	Duration        float64        `json:"duration"`
	Group           string         `json:"group"`
	Name            string         `json:"name"`
	Payload         map[string]any `json:"payload"`
	Time            float64        `json:"time"`
	End             float64        `json:"end"`
	Digest          any            `json:"digest,omitempty"`
	AllocationCount *int64         `json:"allocation_count,omitempty"`
}

type PerformanceSample struct {
	SampleHeader
	DBRuntime       float64 `json:"db_runtime"`
	ViewRuntime     float64 `json:"view_runtime"`
	AllocationCount *int64  `json:"allocation_count"`
	Events          []Event `json:"events"`
}

// Sample is one of ErrorSample or PerformanceSample, selected by Kind.
// Only the pointer matching Kind is set.
type Sample struct {
	Kind        SampleKind
	Error       *ErrorSample
	Performance *PerformanceSample
}

// UnmarshalJSON reads is_exception first and decodes only the matching
// variant. A null or missing flag selects the performance variant. The
// body itself must be an object.
func (s *Sample) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("sample must be a JSON object, got %.20s", trimmed)
	}

	var probe struct {
		IsException json.RawMessage `json:"is_exception"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	if isTrue(probe.IsException) {
		var sample ErrorSample
		if err := decodeNumbers(data, &sample); err != nil {
			return fmt.Errorf("decode error sample: %w", err)
		}
		*s = Sample{Kind: KindError, Error: &sample}
		return nil
	}

	var sample PerformanceSample
	if err := decodeNumbers(data, &sample); err != nil {
		return fmt.Errorf("decode performance sample: %w", err)
	}
	*s = Sample{Kind: KindPerformance, Performance: &sample}
	return nil
}

// Header returns the shared fields of whichever variant is set.
func (s Sample) Header() SampleHeader {
	switch s.Kind {
	case KindError:
		if s.Error != nil {
			return s.Error.SampleHeader
		}
	case KindPerformance:
		if s.Performance != nil {
			return s.Performance.SampleHeader
		}
	}
	return SampleHeader{}
}

// SampleEntry is a row of the samples index.
type SampleEntry struct {
	ID          SampleID `json:"id"`
	Action      string   `json:"action"`
	Path        string   `json:"path"`
	Duration    *float64 `json:"duration"`
	Status      any      `json:"status"`
	Time        float64  `json:"time"`
	IsException bool     `json:"is_exception"`
	Exception   *struct {
		Name *string `json:"name"`
	} `json:"exception"`
}

// ExceptionName returns the entry's exception name, or nil.
func (e SampleEntry) ExceptionName() *string {
	if e.Exception == nil {
		return nil
	}
	return e.Exception.Name
}

type SearchResult struct {
	Count      int64         `json:"count"`
	LogEntries []SampleEntry `json:"log_entries"`
}

// Filters narrows a samples search. Nil fields are left out of the query.
type Filters struct {
	ActionID  *string
	Exception *string
	Since     *string
	Before    *string
	Limit     *int
	CountOnly *bool
}

func isTrue(raw json.RawMessage) bool {
	switch strings.Trim(strings.TrimSpace(string(raw)), `"`) {
	case "true", "1":
		return true
	default:
		return false
	}
}

func decodeNumbers(data []byte, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decoder.Decode(out)
}
