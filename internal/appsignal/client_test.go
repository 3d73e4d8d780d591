package appsignal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestClient(t *testing.T, baseURL, token string) *Client {
	t.Helper()

	client, err := New(baseURL, token, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

type capturedRequest struct {
	path   string
	query  string
	accept string
}

func capture(r *http.Request) capturedRequest {
	return capturedRequest{
		path:   r.URL.Path,
		query:  r.URL.RawQuery,
		accept: r.Header.Get("Accept"),
	}
}

func TestFetchSampleRequestsSampleURL(t *testing.T) {
	t.Parallel()

	requests := make(chan capturedRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- capture(r)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"abc123","action":"PostsController#show","is_exception":true,"exception":{"message":"boom","name":"RuntimeError","backtrace":["a.rb:1"]}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "secret")
	sample, err := client.FetchErrorSample(context.Background(), "abc123", "42")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	got := <-requests
	if got.path != "/42/samples/abc123.json" {
		t.Fatalf("unexpected path: %s", got.path)
	}
	if got.query != "token=secret" {
		t.Fatalf("unexpected query: %s", got.query)
	}
	if got.accept != "application/json" {
		t.Fatalf("unexpected accept header: %s", got.accept)
	}
	if sample.Kind != KindError || sample.Error == nil {
		t.Fatalf("expected error sample, got %#v", sample)
	}
	if sample.Error.Exception == nil || sample.Error.Exception.Name != "RuntimeError" {
		t.Fatalf("unexpected exception: %#v", sample.Error.Exception)
	}
}

func TestFetchSampleDiscriminatesPerformance(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"p1","is_exception":null,"db_runtime":12.5,"events":[{"name":"sql.active_record","duration":3}],"exception":null}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "secret")
	sample, err := client.FetchSample(context.Background(), "p1", "42")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if sample.Kind != KindPerformance || sample.Performance == nil || sample.Error != nil {
		t.Fatalf("expected performance sample, got %#v", sample)
	}
	if sample.Performance.DBRuntime != 12.5 || len(sample.Performance.Events) != 1 {
		t.Fatalf("unexpected performance payload: %#v", sample.Performance)
	}
}

func TestFetchSampleUpstreamErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		status   int
		body     string
		wantBody bool
	}{
		{name: "json body", status: http.StatusNotFound, body: `{"error":"not found"}`, wantBody: true},
		{name: "html body", status: http.StatusBadGateway, body: `<html>bad gateway</html>`, wantBody: false},
		{name: "empty body", status: http.StatusUnauthorized, body: ``, wantBody: false},
	}

	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, "secret")
			_, err := client.FetchSample(context.Background(), "abc123", "42")

			var upstream *UpstreamError
			if !errors.As(err, &upstream) {
				t.Fatalf("expected UpstreamError, got %T %v", err, err)
			}
			if upstream.Status != tt.status {
				t.Fatalf("status = %d, want %d", upstream.Status, tt.status)
			}
			if upstream.StatusText != http.StatusText(tt.status) {
				t.Fatalf("unexpected status text: %q", upstream.StatusText)
			}
			if (upstream.Body != nil) != tt.wantBody {
				t.Fatalf("body presence = %v, want %v (%#v)", upstream.Body != nil, tt.wantBody, upstream.Body)
			}
			if !strings.Contains(upstream.Message, "abc123") || !strings.Contains(upstream.Message, http.StatusText(tt.status)) {
				t.Fatalf("message should name sample and status: %q", upstream.Message)
			}
		})
	}
}

func TestFetchSampleTransportFailureIsNormalized(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	client := newTestClient(t, baseURL, "secret")
	_, err := client.FetchSample(context.Background(), "abc123", "42")

	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %T %v", err, err)
	}
	if upstream.Status != http.StatusInternalServerError || upstream.StatusText != "Internal Server Error" {
		t.Fatalf("unexpected status: %d %s", upstream.Status, upstream.StatusText)
	}
	if upstream.Err == nil {
		t.Fatal("expected wrapped cause")
	}
	if !strings.Contains(upstream.Message, "failed:") {
		t.Fatalf("unexpected message: %q", upstream.Message)
	}
	if strings.Contains(upstream.Message, "secret") {
		t.Fatalf("token leaked into message: %q", upstream.Message)
	}
}

func TestFetchSampleInvalidJSONIsNormalized(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "secret")
	_, err := client.FetchSample(context.Background(), "abc123", "42")

	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500 UpstreamError, got %v", err)
	}
}

func TestFetchSampleNonObjectBodyIsNormalized(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`null`, `[]`, `"abc123"`, `42`} {
		body := body
		t.Run(body, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, "secret")
			sample, err := client.FetchSample(context.Background(), "abc123", "42")

			var upstream *UpstreamError
			if !errors.As(err, &upstream) || upstream.Status != http.StatusInternalServerError {
				t.Fatalf("expected 500 UpstreamError, got sample=%#v err=%v", sample, err)
			}
		})
	}
}

func TestFetchSampleAcceptsNumericIDs(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/42/samples/errors.json":
			w.Write([]byte(`{"count":1,"log_entries":[{"id":98765,"action":"A#b","is_exception":true}]}`))
		default:
			w.Write([]byte(`{"id":12345,"is_exception":true,"exception":{"name":"NoMethodError"}}`))
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "secret")
	sample, err := client.FetchErrorSample(context.Background(), "12345", "42")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if sample.Error == nil || sample.Error.ID != "12345" {
		t.Fatalf("unexpected sample: %#v", sample)
	}

	result, err := client.SearchSamples(context.Background(), Filters{}, "42", SampleTypeErrors)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(result.LogEntries) != 1 || result.LogEntries[0].ID != "98765" {
		t.Fatalf("unexpected entries: %#v", result.LogEntries)
	}
}

func TestSampleIDRejectsNonScalar(t *testing.T) {
	t.Parallel()

	var id SampleID
	if err := id.UnmarshalJSON([]byte(`{"nested":true}`)); err == nil {
		t.Fatalf("expected error for object id, got %q", id)
	}
	if err := id.UnmarshalJSON([]byte(`null`)); err != nil || id != "" {
		t.Fatalf("null id = %q, %v", id, err)
	}
}

func TestMissingAppIDSkipsRequest(t *testing.T) {
	t.Parallel()

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "secret")

	_, err := client.FetchSample(context.Background(), "abc123", "")
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError from fetch, got %T %v", err, err)
	}

	_, err = client.SearchSamples(context.Background(), Filters{}, " ", SampleTypeErrors)
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError from search, got %T %v", err, err)
	}

	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no upstream requests, got %d", hits)
	}
}

func TestMissingTokenFailsBeforeRequest(t *testing.T) {
	t.Parallel()

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	core, logs := observer.New(zapcore.ErrorLevel)
	client, err := New(server.URL, "", 0, zap.New(core))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.FetchSample(context.Background(), "abc123", "42")
	var configErr *ConfigurationError
	if !errors.As(err, &configErr) {
		t.Fatalf("expected ConfigurationError, got %T %v", err, err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no upstream requests, got %d", hits)
	}
	if logs.FilterMessage("AppSignal credentials not configured").Len() != 1 {
		t.Fatalf("expected one credentials log line, got %v", logs.All())
	}
}

func TestSearchSamplesQueryAndPath(t *testing.T) {
	t.Parallel()

	limit := 5
	zero := 0
	countOnly := true
	notCounting := false
	action := "PostsController-hash-show"
	exception := "NoMethodError"
	since := "1700000000"
	empty := ""

	cases := []struct {
		name       string
		sampleType SampleType
		filters    Filters
		wantPath   string
		wantQuery  string
	}{
		{
			name:       "performance with limit",
			sampleType: SampleTypePerformance,
			filters:    Filters{Limit: &limit},
			wantPath:   "/42/samples/performance.json",
			wantQuery:  "token=secret&limit=5",
		},
		{
			name:       "all is type-less",
			sampleType: SampleTypeAll,
			wantPath:   "/42/samples.json",
			wantQuery:  "token=secret",
		},
		{
			name:       "errors keeps filter order",
			sampleType: SampleTypeErrors,
			filters: Filters{
				CountOnly: &countOnly,
				Limit:     &limit,
				Since:     &since,
				Exception: &exception,
				ActionID:  &action,
			},
			wantPath:  "/42/samples/errors.json",
			wantQuery: "token=secret&action_id=PostsController-hash-show&exception=NoMethodError&since=1700000000&limit=5&count_only=true",
		},
		{
			name:       "empty strings are omitted, zero values are sent",
			sampleType: SampleTypeErrors,
			filters: Filters{
				Exception: &empty,
				Before:    &empty,
				Limit:     &zero,
				CountOnly: &notCounting,
			},
			wantPath:  "/42/samples/errors.json",
			wantQuery: "token=secret&limit=0&count_only=false",
		},
	}

	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			requests := make(chan capturedRequest, 1)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests <- capture(r)
				w.Write([]byte(`{"count":1,"log_entries":[{"id":"s1","action":"A","is_exception":true,"exception":{"name":"NoMethodError"}}]}`))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, "secret")
			result, err := client.SearchSamples(context.Background(), tt.filters, "42", tt.sampleType)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			got := <-requests
			if got.path != tt.wantPath {
				t.Fatalf("path = %s, want %s", got.path, tt.wantPath)
			}
			if got.query != tt.wantQuery {
				t.Fatalf("query = %s, want %s", got.query, tt.wantQuery)
			}
			if result.Count != 1 || len(result.LogEntries) != 1 {
				t.Fatalf("unexpected result: %#v", result)
			}
		})
	}
}

func TestSearchSamplesCountOnlyWithoutEntries(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count":17}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "secret")
	result, err := client.SearchSamples(context.Background(), Filters{}, "42", SampleTypeErrors)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Count != 17 || result.LogEntries == nil || len(result.LogEntries) != 0 {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestSearchSamplesErrorMessageNamesType(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "secret")
	_, err := client.SearchSamples(context.Background(), Filters{}, "42", SampleTypePerformance)

	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Message != "Failed to search performance samples: 403 Forbidden" {
		t.Fatalf("unexpected message: %q", upstream.Message)
	}
}

func TestParseSampleType(t *testing.T) {
	t.Parallel()

	cases := map[string]SampleType{
		"":            SampleTypeErrors,
		"errors":      SampleTypeErrors,
		"Performance": SampleTypePerformance,
		"all":         SampleTypeAll,
	}
	for input, want := range cases {
		got, err := ParseSampleType(input)
		if err != nil || got != want {
			t.Fatalf("ParseSampleType(%q) = %q, %v; want %q", input, got, err, want)
		}
	}

	if _, err := ParseSampleType("traces"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestResolveToken(t *testing.T) {
	t.Parallel()

	token, err := ResolveToken("  tok  ", zap.NewNop())
	if err != nil || token != "tok" {
		t.Fatalf("ResolveToken = %q, %v", token, err)
	}

	_, err = ResolveToken("", nil)
	var configErr *ConfigurationError
	if !errors.As(err, &configErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if !strings.Contains(configErr.Error(), "APPSIGNAL_API_TOKEN") {
		t.Fatalf("unexpected message: %q", configErr.Error())
	}
}
