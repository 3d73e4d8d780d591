package appsignal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://appsignal.com/api"
	clientAgent    = "appsignal-mcp"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// New builds a client. A zero timeout leaves the transport default in place.
// The token is not checked here; every call resolves it before sending.
func New(baseURL, token string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	normalized := normalizeBaseURL(baseURL)
	if normalized == "" {
		normalized = DefaultBaseURL
	}

	if _, err := url.ParseRequestURI(normalized); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := &http.Client{}
	if timeout > 0 {
		httpClient.Timeout = timeout
	}

	return &Client{
		baseURL: normalized,
		token:   token,
		http:    httpClient,
		logger:  logger,
	}, nil
}

// FetchSample loads a sample of either kind.
func (c *Client) FetchSample(ctx context.Context, sampleID, appID string) (*Sample, error) {
	return c.fetchSample(ctx, "sample", sampleID, appID)
}

// FetchErrorSample loads a sample expected to be an error sample. The
// returned sample is still discriminated; callers check Kind.
func (c *Client) FetchErrorSample(ctx context.Context, sampleID, appID string) (*Sample, error) {
	return c.fetchSample(ctx, "error sample", sampleID, appID)
}

// SearchSamples lists samples of the given type matching filters.
func (c *Client) SearchSamples(ctx context.Context, filters Filters, appID string, sampleType SampleType) (*SearchResult, error) {
	if err := requireAppID(appID); err != nil {
		return nil, err
	}
	endpoint, err := samplesPath(sampleType)
	if err != nil {
		return nil, err
	}

	label := searchLabel(sampleType)
	c.logger.Debug("searching samples",
		zap.String("app_id", appID),
		zap.String("sample_type", string(sampleType)),
	)

	token, err := ResolveToken(c.token, c.logger)
	if err != nil {
		return nil, err
	}

	query := buildSearchQuery(token, filters)
	fullURL := fmt.Sprintf("%s/%s/%s.json?%s", c.baseURL, url.PathEscape(appID), endpoint, query.Encode())

	var result SearchResult
	err = c.getJSON(ctx, fullURL, &result, func(status int, statusText string) string {
		return fmt.Sprintf("Failed to search %s: %d %s", label, status, statusText)
	})
	if err != nil {
		return nil, c.normalize(fmt.Sprintf("Search %s", label), err)
	}
	if result.LogEntries == nil {
		result.LogEntries = []SampleEntry{}
	}
	return &result, nil
}

func (c *Client) fetchSample(ctx context.Context, label, sampleID, appID string) (*Sample, error) {
	if err := requireAppID(appID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(sampleID) == "" {
		return nil, &ValidationError{Message: "sample ID is required."}
	}

	c.logger.Debug("fetching sample",
		zap.String("label", label),
		zap.String("sample_id", sampleID),
		zap.String("app_id", appID),
	)

	token, err := ResolveToken(c.token, c.logger)
	if err != nil {
		return nil, err
	}

	query := queryParams{}
	query.Add("token", token)
	fullURL := fmt.Sprintf("%s/%s/samples/%s.json?%s", c.baseURL, url.PathEscape(appID), url.PathEscape(sampleID), query.Encode())

	var sample Sample
	err = c.getJSON(ctx, fullURL, &sample, func(status int, statusText string) string {
		return fmt.Sprintf("Failed to fetch %s %s: %d %s", label, sampleID, status, statusText)
	})
	if err != nil {
		return nil, c.normalize(fmt.Sprintf("Fetch %s %s", label, sampleID), err)
	}
	return &sample, nil
}

// getJSON issues the GET and decodes a 2xx body into out. Non-2xx responses
// come back as *UpstreamError; anything else is returned unwrapped.
func (c *Client) getJSON(ctx context.Context, fullURL string, out any, message func(int, string) string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", clientAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", redactURLError(err))
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusText := statusTextOf(resp)
		return &UpstreamError{
			Status:     resp.StatusCode,
			StatusText: statusText,
			Body:       parseErrorBody(responseBody),
			Message:    message(resp.StatusCode, statusText),
		}
	}

	if err := decodeNumbers(responseBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) normalize(operation string, err error) error {
	if upstream, ok := err.(*UpstreamError); ok {
		return upstream
	}
	c.logger.Error("appsignal request failed", zap.String("operation", operation), zap.Error(err))
	return internalUpstreamError(operation, err)
}

func requireAppID(appID string) error {
	if strings.TrimSpace(appID) == "" {
		return &ValidationError{Message: "AppSignal application ID is required."}
	}
	return nil
}

func samplesPath(sampleType SampleType) (string, error) {
	switch sampleType {
	case SampleTypeAll:
		return "samples", nil
	case SampleTypeErrors, SampleTypePerformance:
		return "samples/" + string(sampleType), nil
	default:
		return "", &ValidationError{Message: fmt.Sprintf("invalid sample_type %q (expected all, errors or performance)", sampleType)}
	}
}

func searchLabel(sampleType SampleType) string {
	switch sampleType {
	case SampleTypeErrors:
		return "error samples"
	case SampleTypePerformance:
		return "performance samples"
	default:
		return "samples"
	}
}

func buildSearchQuery(token string, filters Filters) queryParams {
	query := queryParams{}
	query.Add("token", token)
	query.AddString("action_id", filters.ActionID)
	query.AddString("exception", filters.Exception)
	query.AddString("since", filters.Since)
	query.AddString("before", filters.Before)
	if filters.Limit != nil {
		query.Add("limit", strconv.Itoa(*filters.Limit))
	}
	if filters.CountOnly != nil {
		query.Add("count_only", strconv.FormatBool(*filters.CountOnly))
	}
	return query
}

// queryParams keeps insertion order, unlike url.Values.
type queryParams []queryParam

type queryParam struct {
	key   string
	value string
}

func (q *queryParams) Add(key, value string) {
	*q = append(*q, queryParam{key: key, value: value})
}

func (q *queryParams) AddString(key string, value *string) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return
	}
	q.Add(key, *value)
}

func (q queryParams) Encode() string {
	parts := make([]string, 0, len(q))
	for _, param := range q {
		parts = append(parts, url.QueryEscape(param.key)+"="+url.QueryEscape(param.value))
	}
	return strings.Join(parts, "&")
}

func parseErrorBody(body []byte) any {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	return parsed
}

func statusTextOf(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

// redactURLError drops the request URL from transport errors so the token
// never reaches logs or tool output.
func redactURLError(err error) error {
	if urlErr, ok := err.(*url.Error); ok {
		return fmt.Errorf("%s: %w", strings.ToLower(urlErr.Op), urlErr.Err)
	}
	return err
}

func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return ""
	}

	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}

	return strings.TrimRight(baseURL, "/")
}
