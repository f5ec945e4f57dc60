package mcpflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Streaming requests override it with no timeout because
// a workflow may legitimately run for minutes.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the MCP-Flow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	streaming  *http.Client
}

// Submission represents the payload required to start a new workflow.
type Submission struct {
	UserID string `json:"user_id"`
	Goal   string `json:"goal"`
}

// Event mirrors a single record from the workflow event stream.
type Event struct {
	Type         string          `json:"type"`
	RunID        string          `json:"run_id,omitempty"`
	Goal         string          `json:"goal,omitempty"`
	TotalSteps   int             `json:"total_steps,omitempty"`
	Index        int             `json:"index,omitempty"`
	Tool         string          `json:"tool,omitempty"`
	Action       string          `json:"action,omitempty"`
	Input        map[string]any  `json:"input,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	RawSummary   *RawSummary     `json:"raw_summary,omitempty"`
	SizeBytes    int             `json:"size_bytes,omitempty"`
	Chunk        string          `json:"chunk,omitempty"`
	Formatted    string          `json:"formatted,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	Message      string          `json:"message,omitempty"`
	WillRetry    bool            `json:"will_retry,omitempty"`
	AtIndex      int             `json:"at_index,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	NewStepCount int             `json:"new_step_count,omitempty"`
	Success      bool            `json:"success,omitempty"`
	FinalResult  any             `json:"final_result,omitempty"`
	HaltReason   string          `json:"halt_reason,omitempty"`
	Summary      *Summary        `json:"summary,omitempty"`
}

// RawSummary describes an oversized raw result that was withheld.
type RawSummary struct {
	Type      string `json:"type"`
	SizeBytes int    `json:"size_bytes"`
	Truncated bool   `json:"truncated"`
	Sample    string `json:"sample"`
}

// Summary aggregates the step counts of a finished workflow.
type Summary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Run is the persisted view of a workflow run.
type Run struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Goal        string       `json:"goal"`
	Status      string       `json:"status"`
	Steps       []StepRecord `json:"steps,omitempty"`
	FinalResult string       `json:"final_result,omitempty"`
	HaltReason  string       `json:"halt_reason,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	CreatedAt   int64        `json:"created_at"`
	UpdatedAt   int64        `json:"updated_at"`
}

// StepRecord is the persisted view of a single step.
type StepRecord struct {
	Index     int             `json:"index"`
	Tool      string          `json:"tool"`
	Action    string          `json:"action"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Formatted string          `json:"formatted,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("mcpflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mcpflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the MCP-Flow API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{
		baseURL:    parsed,
		httpClient: httpClient,
		streaming:  &http.Client{Transport: httpClient.Transport},
	}
}

// Execute submits a workflow and returns the live event stream. The caller
// must close the stream to release the underlying connection.
func (c *Client) Execute(ctx context.Context, submission Submission) (*EventStream, error) {
	body, err := json.Marshal(submission)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/workflows", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.streaming.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &EventStream{body: resp.Body, scanner: scanner}, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.get(ctx, "/api/v1/workflows/"+url.PathEscape(runID), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns fetches recent runs, optionally filtered by user.
func (c *Client) ListRuns(ctx context.Context, userID string, limit int) ([]Run, error) {
	endpoint := "/api/v1/workflows"
	query := url.Values{}
	if userID != "" {
		query.Set("user", userID)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var runs []Run
	if err := c.get(ctx, endpoint, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// PutCredentials stores per-user secrets for a tool. Values are write-only;
// the server never returns them.
func (c *Client) PutCredentials(ctx context.Context, userID, tool string, secrets map[string]string) error {
	payload := map[string]any{
		"user_id": userID,
		"tool":    tool,
		"secrets": secrets,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPut, "/api/v1/credentials", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// EventStream iterates over the NDJSON events of a running workflow.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	err     error
	done    bool
}

// Next returns the next event, or false when the stream ends. The stream ends
// normally after a "stream_end" event.
func (s *EventStream) Next() (Event, bool) {
	if s.done {
		return Event{}, false
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			s.err = fmt.Errorf("decode event: %w", err)
			s.done = true
			return Event{}, false
		}
		if event.Type == "stream_end" {
			s.done = true
		}
		return event, true
	}
	if err := s.scanner.Err(); err != nil {
		s.err = err
	}
	s.done = true
	return Event{}, false
}

// Err reports a stream-level failure, if any.
func (s *EventStream) Err() error { return s.err }

// Close releases the underlying connection.
func (s *EventStream) Close() error { return s.body.Close() }

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
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
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
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
