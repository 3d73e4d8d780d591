package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/appsignal-mcp/appsignal-mcp/internal/appsignal"
	"github.com/appsignal-mcp/appsignal-mcp/internal/output"
	"github.com/appsignal-mcp/appsignal-mcp/internal/telemetry"
	"github.com/appsignal-mcp/appsignal-mcp/internal/usage"
)

const authFailedMessage = "Authentication failed for AppSignal API"

// sampleSource is the part of the AppSignal client the tools need.
type sampleSource interface {
	FetchSample(ctx context.Context, sampleID, appID string) (*appsignal.Sample, error)
	FetchErrorSample(ctx context.Context, sampleID, appID string) (*appsignal.Sample, error)
	SearchSamples(ctx context.Context, filters appsignal.Filters, appID string, sampleType appsignal.SampleType) (*appsignal.SearchResult, error)
}

type mcpState struct {
	Client  sampleSource
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Usage   usage.Recorder
}

type toolDefinition struct {
	Tool mcp.Tool
	// NotFound names the missing entity for an upstream 404.
	NotFound func(args map[string]any) string
	Fallback string
	Run      func(ctx context.Context, state *mcpState, args map[string]any) (any, error)
}

type errorSamplesPayload struct {
	Count   int64                 `json:"count"`
	Samples []appsignal.EntryView `json:"samples"`
}

type samplesPayload struct {
	Count      int64                 `json:"count"`
	SampleType appsignal.SampleType  `json:"sample_type"`
	Samples    []appsignal.EntryView `json:"samples"`
}

func newMCPCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the AppSignal tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runMCP(cmd.Context())
		},
	}
}

func (a *app) runMCP(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() { _ = a.logger.Sync() }()

	client, err := a.newClient()
	if err != nil {
		return err
	}

	state := &mcpState{
		Client: client,
		Logger: a.logger,
		Usage:  usage.Nop{},
	}

	store, err := a.openRecorderStore()
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close() }()
		state.Usage = usage.NewStatsRecorder(store.Config)
		a.logger.Info("recording tool usage",
			zap.String("driver", store.DriverName),
			zap.String("target", store.TableName),
		)
	}

	if a.settings.Metrics {
		state.Metrics = telemetry.New()
		addr := fmt.Sprintf(":%d", a.settings.Port)
		go func() {
			if err := state.Metrics.Serve(ctx, addr, a.logger); err != nil {
				a.logger.Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	if strings.TrimSpace(a.settings.APIToken) == "" {
		a.logger.Warn("AppSignal API token not configured; tool calls will fail until APPSIGNAL_API_TOKEN is set")
	}
	a.logger.Info("AppSignal MCP server running on stdio", zap.String("version", resolveVersion()))

	return serveMCP(ctx, state, a.in, a.stdout)
}

func newMCPServer(state *mcpState) *server.MCPServer {
	s := server.NewMCPServer(
		binaryName,
		resolveVersion(),
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	for _, def := range toolDefinitions() {
		s.AddTool(def.Tool, state.handler(def))
	}
	return s
}

// serveMCP speaks MCP over the given streams until ctx ends or in closes.
func serveMCP(ctx context.Context, state *mcpState, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(newMCPServer(state))
	stdio.SetErrorLogger(zap.NewStdLog(state.logger()))
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func toolDefinitions() []toolDefinition {
	searchNotFound := func(args map[string]any) string {
		return fmt.Sprintf("Application %s not found", getStringArg(args, "appId"))
	}

	return []toolDefinition{
		{
			Tool: mcp.NewTool("get_error_sample",
				mcp.WithDescription("Get details about a specific AppSignal error sample by ID"),
				mcp.WithString("sampleId", mcp.Required(), mcp.Description("The AppSignal error sample ID")),
				mcp.WithString("appId", mcp.Required(), mcp.Description("The AppSignal application ID")),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			NotFound: func(args map[string]any) string {
				return fmt.Sprintf("Error sample %s not found", getStringArg(args, "sampleId"))
			},
			Fallback: "Error fetching AppSignal error sample",
			Run:      getErrorSampleTool,
		},
		{
			Tool: mcp.NewTool("search_error_samples",
				append([]mcp.ToolOption{
					mcp.WithDescription("Search for error samples in an AppSignal application"),
					mcp.WithString("appId", mcp.Required(), mcp.Description("The AppSignal application ID")),
				}, filterOptions()...)...,
			),
			NotFound: searchNotFound,
			Fallback: "Error searching AppSignal error samples",
			Run:      searchErrorSamplesTool,
		},
		{
			Tool: mcp.NewTool("get_sample",
				mcp.WithDescription("Get details about a specific AppSignal sample (error or performance) by ID"),
				mcp.WithString("sampleId", mcp.Required(), mcp.Description("The AppSignal sample ID")),
				mcp.WithString("appId", mcp.Required(), mcp.Description("The AppSignal application ID")),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			NotFound: func(args map[string]any) string {
				return fmt.Sprintf("Sample %s not found", getStringArg(args, "sampleId"))
			},
			Fallback: "Error fetching AppSignal sample",
			Run:      getSampleTool,
		},
		{
			Tool: mcp.NewTool("search_samples",
				append([]mcp.ToolOption{
					mcp.WithDescription("Search for samples (errors, performance, or all) in an AppSignal application"),
					mcp.WithString("appId", mcp.Required(), mcp.Description("The AppSignal application ID")),
					mcp.WithString("sample_type",
						mcp.Description("Type of samples to search: all, errors or performance"),
						mcp.Enum(string(appsignal.SampleTypeAll), string(appsignal.SampleTypeErrors), string(appsignal.SampleTypePerformance)),
						mcp.DefaultString(string(appsignal.SampleTypeErrors)),
					),
				}, filterOptions()...)...,
			),
			NotFound: searchNotFound,
			Fallback: "Error searching AppSignal samples",
			Run:      searchSamplesTool,
		},
	}
}

func toolNames() []string {
	defs := toolDefinitions()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Tool.Name)
	}
	return names
}

func filterOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("exception", mcp.Description("Filter by exception name")),
		mcp.WithString("action_id", mcp.Description("Filter by action ID")),
		withTimeBound("since", "Only samples after this time (ISO 8601 or Unix timestamp)"),
		withTimeBound("before", "Only samples before this time (ISO 8601 or Unix timestamp)"),
		mcp.WithNumber("limit", mcp.Description("Maximum number of samples to return")),
		mcp.WithBoolean("count_only", mcp.Description("Only return the number of matching samples")),
		mcp.WithReadOnlyHintAnnotation(true),
	}
}

// withTimeBound declares a property that accepts a string or a number.
func withTimeBound(name, description string) mcp.ToolOption {
	return func(t *mcp.Tool) {
		if t.InputSchema.Properties == nil {
			t.InputSchema.Properties = map[string]any{}
		}
		t.InputSchema.Properties[name] = map[string]any{
			"type":        []string{"string", "number"},
			"description": description,
		}
	}
}

func (s *mcpState) logger() *zap.Logger {
	if s == nil || s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// handler wraps a tool so every call is logged, measured, recorded and
// answered with a result envelope. It never returns a Go error.
func (s *mcpState) handler(def toolDefinition) server.ToolHandlerFunc {
	name := def.Tool.Name
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		logger := s.logger().With(
			zap.String("tool", name),
			zap.String("request_id", uuid.NewString()),
		)
		logger.Info("tool call")

		start := time.Now()
		payload, err := def.Run(ctx, s, args)
		elapsed := time.Since(start)
		s.observe(name, start, elapsed, err)

		if err != nil {
			message := toolErrorMessage(err, def.NotFound(args), def.Fallback)
			logger.Error("tool call failed",
				zap.Error(err),
				zap.Int("status", upstreamStatus(err)),
				zap.Duration("duration", elapsed),
			)
			return toolErrorResult(message), nil
		}

		logger.Info("tool call complete", zap.Duration("duration", elapsed))
		return toolResultFromJSON(payload), nil
	}
}

func (s *mcpState) observe(tool string, start time.Time, elapsed time.Duration, err error) {
	s.Metrics.ObserveCall(tool, elapsed, err != nil, upstreamStatus(err))

	if s.Usage == nil {
		return
	}
	event := usage.Event{Tool: tool, At: start, Duration: elapsed, Failed: err != nil}
	if recordErr := s.Usage.Record(event); recordErr != nil {
		s.logger().Warn("usage recording failed", zap.String("tool", tool), zap.Error(recordErr))
	}
}

func getErrorSampleTool(ctx context.Context, state *mcpState, args map[string]any) (any, error) {
	return fetchErrorSamplePayload(ctx, state.Client, getStringArg(args, "sampleId"), getStringArg(args, "appId"))
}

func getSampleTool(ctx context.Context, state *mcpState, args map[string]any) (any, error) {
	return fetchSamplePayload(ctx, state.Client, getStringArg(args, "sampleId"), getStringArg(args, "appId"))
}

func searchErrorSamplesTool(ctx context.Context, state *mcpState, args map[string]any) (any, error) {
	filters, err := filtersFromArgs(args)
	if err != nil {
		return nil, err
	}
	return searchErrorSamplesPayload(ctx, state.Client, getStringArg(args, "appId"), filters)
}

func searchSamplesTool(ctx context.Context, state *mcpState, args map[string]any) (any, error) {
	sampleType, err := appsignal.ParseSampleType(getStringArg(args, "sample_type"))
	if err != nil {
		return nil, err
	}
	filters, err := filtersFromArgs(args)
	if err != nil {
		return nil, err
	}
	return searchSamplesPayload(ctx, state.Client, getStringArg(args, "appId"), sampleType, filters)
}

func fetchErrorSamplePayload(ctx context.Context, client sampleSource, sampleID, appID string) (appsignal.ErrorView, error) {
	sample, err := client.FetchErrorSample(ctx, sampleID, appID)
	if err != nil {
		return appsignal.ErrorView{}, err
	}
	return appsignal.FormatErrorSample(*sample), nil
}

func fetchSamplePayload(ctx context.Context, client sampleSource, sampleID, appID string) (any, error) {
	sample, err := client.FetchSample(ctx, sampleID, appID)
	if err != nil {
		return nil, err
	}
	return appsignal.FormatSample(*sample), nil
}

func searchErrorSamplesPayload(ctx context.Context, client sampleSource, appID string, filters appsignal.Filters) (errorSamplesPayload, error) {
	result, err := client.SearchSamples(ctx, filters, appID, appsignal.SampleTypeErrors)
	if err != nil {
		return errorSamplesPayload{}, err
	}
	return errorSamplesPayload{
		Count:   result.Count,
		Samples: appsignal.FormatEntries(result.LogEntries),
	}, nil
}

func searchSamplesPayload(ctx context.Context, client sampleSource, appID string, sampleType appsignal.SampleType, filters appsignal.Filters) (samplesPayload, error) {
	result, err := client.SearchSamples(ctx, filters, appID, sampleType)
	if err != nil {
		return samplesPayload{}, err
	}
	return samplesPayload{
		Count:      result.Count,
		SampleType: sampleType,
		Samples:    appsignal.FormatEntries(result.LogEntries),
	}, nil
}

func filtersFromArgs(args map[string]any) (appsignal.Filters, error) {
	limit, err := optionalIntArg(args, "limit")
	if err != nil {
		return appsignal.Filters{}, err
	}
	countOnly, err := optionalBoolArg(args, "count_only")
	if err != nil {
		return appsignal.Filters{}, err
	}
	return appsignal.Filters{
		ActionID:  optionalStringArg(args, "action_id"),
		Exception: optionalStringArg(args, "exception"),
		Since:     optionalStringArg(args, "since"),
		Before:    optionalStringArg(args, "before"),
		Limit:     limit,
		CountOnly: countOnly,
	}, nil
}

// toolErrorMessage maps an error to the text shown to the MCP client.
func toolErrorMessage(err error, notFound, fallback string) string {
	var upstream *appsignal.UpstreamError
	if errors.As(err, &upstream) {
		switch upstream.Status {
		case http.StatusNotFound:
			return notFound
		case http.StatusUnauthorized:
			return authFailedMessage
		}
	}
	if err != nil && strings.TrimSpace(err.Error()) != "" {
		return err.Error()
	}
	return fallback
}

func upstreamStatus(err error) int {
	var upstream *appsignal.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status
	}
	return 0
}

func toolResultFromJSON(payload any) *mcp.CallToolResult {
	encoded, err := output.EncodeJSON(payload)
	if err != nil {
		return toolErrorResult(err.Error())
	}
	return mcp.NewToolResultText(encoded)
}

func toolErrorResult(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

func getStringArg(args map[string]any, key string) string {
	value, ok := args[key]
	if !ok || value == nil {
		return ""
	}
	return formatArg(value)
}

func optionalStringArg(args map[string]any, key string) *string {
	value, ok := args[key]
	if !ok || value == nil {
		return nil
	}
	formatted := formatArg(value)
	return &formatted
}

func optionalIntArg(args map[string]any, key string) (*int, error) {
	value, ok := args[key]
	if !ok || value == nil {
		return nil, nil
	}

	var parsed int
	switch v := value.(type) {
	case int:
		parsed = v
	case int64:
		parsed = int(v)
	case float64:
		if v != math.Trunc(v) {
			return nil, &appsignal.ValidationError{Message: fmt.Sprintf("%s must be an integer", key)}
		}
		parsed = int(v)
	case float32:
		if float64(v) != math.Trunc(float64(v)) {
			return nil, &appsignal.ValidationError{Message: fmt.Sprintf("%s must be an integer", key)}
		}
		parsed = int(v)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return nil, &appsignal.ValidationError{Message: fmt.Sprintf("%s must be a number", key)}
		}
		if n != math.Trunc(n) {
			return nil, &appsignal.ValidationError{Message: fmt.Sprintf("%s must be an integer", key)}
		}
		parsed = int(n)
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, &appsignal.ValidationError{Message: fmt.Sprintf("%s must be a number", key)}
		}
		parsed = n
	default:
		return nil, &appsignal.ValidationError{Message: fmt.Sprintf("%s must be a number", key)}
	}
	return &parsed, nil
}

func optionalBoolArg(args map[string]any, key string) (*bool, error) {
	value, ok := args[key]
	if !ok || value == nil {
		return nil, nil
	}

	switch v := value.(type) {
	case bool:
		return &v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, &appsignal.ValidationError{Message: fmt.Sprintf("%s must be a boolean", key)}
		}
		return &parsed, nil
	default:
		return nil, &appsignal.ValidationError{Message: fmt.Sprintf("%s must be a boolean", key)}
	}
}

func formatArg(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
