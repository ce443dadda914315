// Package enclaverun is the Go client of the enclaverun HTTP API.
package enclaverun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"enclaverun/pkg/starlarkrun"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Streaming calls are not bound by it.
const DefaultHTTPTimeout = 15 * time.Second

// RunIDHeader carries the identifier the server assigned to a synchronous run.
const RunIDHeader = "X-Enclaverun-Run-Id"

// Client wraps the HTTP interactions with the enclaverun REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	encoding   starlarkrun.Encoding

	mu          sync.RWMutex
	accessToken string
}

// Run mirrors an asynchronous run record.
type Run struct {
	ID         string  `json:"id"`
	Enclave    string  `json:"enclave"`
	Kind       string  `json:"kind"`
	DryRun     bool    `json:"dry_run"`
	Status     string  `json:"status"`
	Phase      string  `json:"phase"`
	Attempts   int     `json:"attempts"`
	MaxRetries int     `json:"max_retries"`
	LastError  string  `json:"last_error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Output     *string `json:"output,omitempty"`
	LineCount  int     `json:"line_count"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// Finished reports whether the run reached a terminal status.
func (r Run) Finished() bool {
	return r.Status == "succeeded" || r.Status == "failed"
}

// RunSubmission is the payload of an asynchronous run. Exactly one of Script
// and Package must be set.
type RunSubmission struct {
	ID      string                      `json:"id,omitempty"`
	Enclave string                      `json:"enclave"`
	Script  *starlarkrun.RunScriptArgs  `json:"script,omitempty"`
	Package *starlarkrun.RunPackageArgs `json:"package,omitempty"`
}

// ListRunsOptions filters ListRuns. Zero values are omitted.
type ListRunsOptions struct {
	Limit     int
	Offset    int
	Statuses  []string
	Enclave   string
	Kind      string
	Query     string
	Since     time.Time
	Ascending bool
}

// RunStats aggregates run counts by status.
type RunStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Enclave describes an enclave known to the server.
type Enclave struct {
	Name      string    `json:"name"`
	UUID      string    `json:"uuid"`
	CreatedAt time.Time `json:"created_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("enclaverun api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("enclaverun api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the enclaverun API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, encoding: starlarkrun.EncodingNDJSON}
}

// SetEncoding selects the framing requested for streamed lines.
func (c *Client) SetEncoding(encoding starlarkrun.Encoding) {
	c.encoding = encoding
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// RunScript runs a script synchronously in enclave and streams its lines.
// The caller must Close the returned stream.
func (c *Client) RunScript(ctx context.Context, enclave string, args starlarkrun.RunScriptArgs) (*Stream, error) {
	return c.stream(ctx, "/api/v1/enclaves/"+enclave+"/starlark/script", args)
}

// RunPackage runs a package synchronously in enclave and streams its lines.
func (c *Client) RunPackage(ctx context.Context, enclave string, args starlarkrun.RunPackageArgs) (*Stream, error) {
	return c.stream(ctx, "/api/v1/enclaves/"+enclave+"/starlark/package", args)
}

// SubmitRun queues an asynchronous run.
func (c *Client) SubmitRun(ctx context.Context, submission RunSubmission) (Run, error) {
	var run Run
	if err := c.post(ctx, "/api/v1/runs", submission, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var run Run
	if err := c.get(ctx, "/api/v1/runs/"+id, nil, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns lists runs matching opts, most recently updated first.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) ([]Run, error) {
	var runs []Run
	if err := c.get(ctx, "/api/v1/runs", opts.values(), &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// RunStats returns run counts by status.
func (c *Client) RunStats(ctx context.Context) (RunStats, error) {
	var stats RunStats
	if err := c.get(ctx, "/api/v1/runs/stats", nil, &stats); err != nil {
		return RunStats{}, err
	}
	return stats, nil
}

// RunLines returns the stored response lines of a run.
func (c *Client) RunLines(ctx context.Context, id string) ([]starlarkrun.ResponseLine, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/runs/"+id+"/lines", nil, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", c.encoding.ContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp)
	}
	reader := starlarkrun.NewReader(resp.Body, starlarkrun.EncodingForContentType(resp.Header.Get("Content-Type")))
	var lines []starlarkrun.ResponseLine
	for {
		line, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
}

// WaitForRun polls until the run reaches a terminal status or ctx is done.
func (c *Client) WaitForRun(ctx context.Context, id string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return Run{}, err
		}
		if run.Finished() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListEnclaves lists the enclaves of the server.
func (c *Client) ListEnclaves(ctx context.Context) ([]Enclave, error) {
	var enclaves []Enclave
	if err := c.get(ctx, "/api/v1/enclaves", nil, &enclaves); err != nil {
		return nil, err
	}
	return enclaves, nil
}

// CreateEnclave creates a new enclave.
func (c *Client) CreateEnclave(ctx context.Context, name string) (Enclave, error) {
	var enc Enclave
	if err := c.post(ctx, "/api/v1/enclaves", map[string]string{"name": name}, &enc); err != nil {
		return Enclave{}, err
	}
	return enc, nil
}

func (o ListRunsOptions) values() url.Values {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(o.Statuses) > 0 {
		q.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Enclave != "" {
		q.Set("enclave", o.Enclave)
	}
	if o.Kind != "" {
		q.Set("kind", o.Kind)
	}
	if o.Query != "" {
		q.Set("q", o.Query)
	}
	if !o.Since.IsZero() {
		q.Set("since", strconv.FormatInt(o.Since.Unix(), 10))
	}
	if o.Ascending {
		q.Set("order", "asc")
	}
	return q
}

func (c *Client) stream(ctx context.Context, endpoint string, payload any) (*Stream, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", c.encoding.ContentType())

	// 流式响应持续时间不可预期，不套用整体超时。
	streaming := *c.httpClient
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return &Stream{
		Reader: starlarkrun.NewReader(resp.Body, starlarkrun.EncodingForContentType(resp.Header.Get("Content-Type"))),
		body:   resp.Body,
		runID:  resp.Header.Get(RunIDHeader),
	}, nil
}

// Stream reads the lines of a synchronous run. It implements
// starlarkrun.LineSource; Recv returns io.EOF after the last line.
type Stream struct {
	*starlarkrun.Reader
	body  io.Closer
	runID string
}

// RunID returns the identifier the server assigned to the run.
func (s *Stream) RunID() string { return s.runID }

// Close releases the underlying connection.
func (s *Stream) Close() error { return s.body.Close() }

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
