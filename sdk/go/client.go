package redstonesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Client is a minimal Redstone reporting client for test runners.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is configured.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client for a server base URL such as http://localhost:8000/api.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

type Run struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	ProjectID *string    `json:"project_id,omitempty"`
	Stats     *RunStats  `json:"stats,omitempty"`
}

type RunStats struct {
	TestCount   int     `json:"test_count"`
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	SuccessRate float64 `json:"success_rate"`
	AvgDuration int64   `json:"avg_duration"`
	Duration    *int64  `json:"duration,omitempty"`
}

type Step struct {
	Description string `json:"description"`
	Status      string `json:"status"`
	OrderIndex  int    `json:"order_index,omitempty"`
}

// Case is a reported test execution.
type Case struct {
	ID                   string  `json:"id,omitempty"`
	RunID                string  `json:"test_run_id,omitempty"`
	Name                 string  `json:"name"`
	Status               string  `json:"status"`
	Duration             *int64  `json:"duration,omitempty"`
	ErrorMessage         string  `json:"error_message,omitempty"`
	ErrorStack           string  `json:"error_stack,omitempty"`
	TestCaseDefinitionID *string `json:"test_case_definition_id,omitempty"`
	ScreenshotPath       string  `json:"screenshot_path,omitempty"`
	Steps                []Step  `json:"steps,omitempty"`
}

// Screenshot is attached to a case report as a multipart file.
type Screenshot struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Checkpoint struct {
	RunID              string   `json:"run_id"`
	CompletedTestNames []string `json:"completed_test_names"`
	TotalCompleted     int      `json:"total_completed"`
}

// Completed reports whether name was already recorded in the run.
func (c Checkpoint) Completed(name string) bool {
	for _, n := range c.CompletedTestNames {
		if n == name {
			return true
		}
	}
	return false
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartRun opens a run; projectID may be empty.
func (c *Client) StartRun(ctx context.Context, name, projectID string) (Run, error) {
	body := map[string]any{"name": name}
	if projectID != "" {
		body["project_id"] = projectID
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs/start", body, &resp)
	return resp, err
}

// ReportCase records a case. A non-nil shot is uploaded in the same request.
func (c *Client) ReportCase(ctx context.Context, runID string, tc Case, shot *Screenshot) (Case, error) {
	endpoint := fmt.Sprintf("runs/%s/report", url.PathEscape(runID))
	var resp Case
	if shot == nil {
		err := c.do(ctx, http.MethodPost, endpoint, tc, &resp)
		return resp, err
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	data, err := json.Marshal(tc)
	if err != nil {
		return resp, err
	}
	if err := mw.WriteField("data", string(data)); err != nil {
		return resp, err
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="screenshot"; filename=%q`, filepath.Base(shot.Filename)))
	h.Set("Content-Type", shot.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return resp, err
	}
	if _, err := part.Write(shot.Data); err != nil {
		return resp, err
	}
	if err := mw.Close(); err != nil {
		return resp, err
	}
	err = c.send(ctx, http.MethodPost, endpoint, mw.FormDataContentType(), &buf, &resp)
	return resp, err
}

// Checkpoint returns the case names already recorded in a run.
func (c *Client) Checkpoint(ctx context.Context, runID string) (Checkpoint, error) {
	var resp Checkpoint
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("runs/%s/checkpoint", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

// FinishRun completes a run and returns it with final stats.
func (c *Client) FinishRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("runs/%s/finish", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

// AbortRun marks a run aborted.
func (c *Client) AbortRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("runs/%s/abort", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

// GetRun returns a run with its stats.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("runs/%s", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
