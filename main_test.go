package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/appsignal-mcp/appsignal-mcp/internal/usage"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	root := newRootCommand(strings.NewReader(""), &stdout, &stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestVersionCommand(t *testing.T) {
	clearSettingsEnv(t)

	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatalf("version returned error: %v", err)
	}
	if strings.TrimSpace(out) != resolveVersion() {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestSamplesGetCommand(t *testing.T) {
	clearSettingsEnv(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/42/samples/abc123.json" || r.URL.Query().Get("token") != "cli-token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, errorSampleBody)
	}))
	t.Cleanup(server.Close)
	t.Setenv("APPSIGNAL_API_URL", server.URL)
	t.Setenv("APPSIGNAL_API_TOKEN", "cli-token")

	out, err := runCommand(t, "samples", "get", "--app-id", "42", "--sample-id", "abc123")
	if err != nil {
		t.Fatalf("samples get returned error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if decoded["type"] != "error" || decoded["id"] != "abc123" {
		t.Fatalf("unexpected output: %s", out)
	}

	_, err = runCommand(t, "samples", "get", "--app-id", "42", "--sample-id", "gone", "--error")
	if err == nil || err.Error() != "Error sample gone not found" {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestSamplesGetCommandWithoutToken(t *testing.T) {
	clearSettingsEnv(t)

	_, err := runCommand(t, "samples", "get", "--app-id", "42", "--sample-id", "abc123", "--api-url", "http://127.0.0.1:1")
	if err == nil || !strings.Contains(err.Error(), "APPSIGNAL_API_TOKEN") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSamplesSearchCommandTable(t *testing.T) {
	clearSettingsEnv(t)

	queries := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Path + "?" + r.URL.RawQuery
		_, _ = io.WriteString(w, `{"count":1,"log_entries":[{"id":"s1","action":"A#b","path":"/a","duration":10,"status":500,"time":1,"is_exception":true,"exception":{"name":"NoMethodError"}}]}`)
	}))
	t.Cleanup(server.Close)

	out, err := runCommand(t,
		"samples", "search",
		"--api-url", server.URL,
		"--appsignal-api-token", "cli-token",
		"--app-id", "42",
		"--exception", "NoMethodError",
		"--limit", "0",
		"--format", "table",
	)
	if err != nil {
		t.Fatalf("samples search returned error: %v", err)
	}

	if got := <-queries; got != "/42/samples/errors.json?token=cli-token&exception=NoMethodError&limit=0" {
		t.Fatalf("unexpected request %s", got)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header, separator and one row, got:\n%s", out)
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[2], "NoMethodError") || !strings.Contains(lines[2], "A#b") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}

func TestSamplesSearchCommandRejectsBadType(t *testing.T) {
	clearSettingsEnv(t)

	_, err := runCommand(t, "samples", "search", "--app-id", "42", "--type", "traces")
	if err == nil || !strings.Contains(err.Error(), "invalid sample_type") {
		t.Fatalf("expected sample type error, got %v", err)
	}
}

func TestUsageCommandsWithSQLite(t *testing.T) {
	clearSettingsEnv(t)

	dbPath := filepath.Join(t.TempDir(), "usage.db")
	t.Setenv("APPSIGNAL_USAGE_DRIVER", "sqlite")
	t.Setenv("APPSIGNAL_USAGE_DB", dbPath)
	t.Setenv("APPSIGNAL_USAGE_GRANULARITIES", "1h")

	out, err := runCommand(t, "usage", "setup")
	if err != nil {
		t.Fatalf("usage setup returned error: %v", err)
	}
	if !strings.Contains(out, "Sqlite setup complete for "+defaultUsageTable) {
		t.Fatalf("unexpected setup output %q", out)
	}

	store, err := openUsageStore(&usageOptions{
		Driver:        "sqlite",
		DBPath:        dbPath,
		Table:         defaultUsageTable,
		Separator:     "::",
		TimeZone:      "UTC",
		Granularities: "1h",
	})
	if err != nil {
		t.Fatalf("openUsageStore returned error: %v", err)
	}
	at := time.Now().UTC().Add(-time.Hour)
	recorder := usage.NewStatsRecorder(store.Config)
	for _, event := range []usage.Event{
		{Tool: "get_sample", At: at, Duration: 20 * time.Millisecond},
		{Tool: "get_sample", At: at, Duration: 40 * time.Millisecond, Failed: true},
	} {
		if err := recorder.Record(event); err != nil {
			t.Fatalf("record usage: %v", err)
		}
	}
	_ = store.Close()

	from := at.Add(-2 * time.Hour).Format(time.RFC3339)
	to := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	out, err = runCommand(t, "usage", "show", "--from", from, "--to", to, "--granularity", "1h")
	if err != nil {
		t.Fatalf("usage show returned error: %v", err)
	}

	var report usageReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if report.Key != usage.Key || report.Granularity != "1h" || len(report.Tools) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if got := report.Tools[0]; got.Tool != "get_sample" || got.Count != 2 || got.Errors != 1 {
		t.Fatalf("unexpected totals: %+v", got)
	}
}

func TestUsageCommandsRequireDriver(t *testing.T) {
	clearSettingsEnv(t)

	_, err := runCommand(t, "usage", "show")
	if err == nil || !strings.Contains(err.Error(), "usage recording is not configured") {
		t.Fatalf("expected missing driver error, got %v", err)
	}

	_, err = runCommand(t, "usage", "setup", "--usage-driver", "cassandra")
	if err == nil || !strings.Contains(err.Error(), "unsupported usage driver") {
		t.Fatalf("expected unsupported driver error, got %v", err)
	}
}

func TestResolveTimeRange(t *testing.T) {
	t.Parallel()

	from, to, err := resolveTimeRange("", "")
	if err != nil || from == "" || to == "" {
		t.Fatalf("default range = %q, %q, %v", from, to, err)
	}
	if _, _, err := resolveTimeRange("2024-01-02T15:04:05Z", ""); err == nil {
		t.Fatalf("expected error when only from is set")
	}
	if _, _, err := resolveTimeRange("yesterday", "2024-01-02T15:04:05Z"); err == nil || !strings.Contains(err.Error(), "from must be RFC3339") {
		t.Fatalf("expected RFC3339 error, got %v", err)
	}
}

func TestValidateGranularity(t *testing.T) {
	t.Parallel()

	for input, want := range map[string]string{"1H": "1h", " 15m ": "15m", "1mo": "1mo"} {
		got, err := validateGranularity(input)
		if err != nil || got != want {
			t.Fatalf("validateGranularity(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := validateGranularity("hourly"); err == nil {
		t.Fatalf("expected invalid granularity error")
	}
}
