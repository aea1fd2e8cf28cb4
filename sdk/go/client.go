package patchverifysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal patch verification HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// PollInterval is the delay between status polls in Wait.
	PollInterval time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:      baseURL,
		BasePath:     "/v1",
		Timeout:      10 * time.Second,
		PollInterval: time.Second,
	}
}

// Job mirrors the server's job record.
type Job struct {
	Handle     string `json:"handle"`
	Kind       string `json:"kind"`
	JobKey     string `json:"job_key"`
	BugID      string `json:"bug_id"`
	Status     string `json:"status"`
	Cached     bool   `json:"cached"`
	ReturnCode int    `json:"return_code"`
	FixLog     string `json:"fix_log"`
	FixMsg     string `json:"fix_msg"`
	FixStatus  string `json:"fix_status"`
	Error      string `json:"error"`
	Timestamp  string `json:"timestamp"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// Terminal reports whether the job will not change any more.
func (j Job) Terminal() bool {
	return j.Status == "completed" || j.Status == "failed"
}

// Submission is returned by Submit.
type Submission struct {
	Handle string `json:"handle"`
	JobKey string `json:"job_key"`
	Job    Job    `json:"job"`
}

// SubmitOptions are the optional fields of a submission.
type SubmitOptions struct {
	Method  string
	Persist bool
	// GenerateDiff keeps the diff next to a persisted patched file.
	GenerateDiff bool
}

// BuildOptions are the optional fields of BuildPatch.
type BuildOptions struct {
	Method       string
	GenerateDiff bool
	Persist      bool
}

// ReproduceOptions are the optional fields of Reproduce.
type ReproduceOptions struct {
	// SkipCleanup leaves the checkout as is instead of running git clean first.
	SkipCleanup bool
}

// Reproduction is returned by Reproduce.
type Reproduction struct {
	Handle string `json:"handle"`
	Job    Job    `json:"job"`
}

// Patch is the result of BuildPatch.
type Patch struct {
	Success       bool   `json:"success"`
	BugID         string `json:"bug_id"`
	Strategy      string `json:"strategy"`
	Fingerprint   string `json:"fingerprint"`
	JobKey        string `json:"job_key"`
	SourcePath    string `json:"source_path"`
	FuncStartByte int    `json:"func_start_byte"`
	FuncEndByte   int    `json:"func_end_byte"`
	Replacement   string `json:"replacement"`
	Content       string `json:"content"`
	PatchContent  string `json:"patch_content"`
	FixPath       string `json:"fix_p"`
	FixDiffPath   string `json:"fix_p_diff"`
}

// TierStatus is one cache tier in CacheStatus.
type TierStatus struct {
	Name        string `json:"name"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Unavailable uint64 `json:"unavailable"`
	WriteErrors uint64 `json:"write_errors"`
	Reachable   *bool  `json:"reachable"`
	PingError   string `json:"ping_error"`
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

// Submit queues a verification and returns its handle.
func (c *Client) Submit(ctx context.Context, bugID, response string, opts SubmitOptions) (Submission, error) {
	body := map[string]any{
		"bug_id":        bugID,
		"llm_response":  response,
		"method":        opts.Method,
		"persist":       opts.Persist,
		"generate_diff": opts.GenerateDiff,
	}
	var resp Submission
	err := c.do(ctx, http.MethodPost, "verifications", body, &resp)
	return resp, err
}

// Reproduce queues a rebuild of the defect's unpatched baseline.
func (c *Client) Reproduce(ctx context.Context, bugID string, opts ReproduceOptions) (Reproduction, error) {
	body := map[string]any{
		"bug_id":        bugID,
		"force_cleanup": !opts.SkipCleanup,
	}
	var resp Reproduction
	err := c.do(ctx, http.MethodPost, "reproductions", body, &resp)
	return resp, err
}

// Status fetches the current job record.
func (c *Client) Status(ctx context.Context, handle string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "verifications/"+url.PathEscape(handle), nil, &resp)
	return resp, err
}

// Jobs lists jobs, optionally filtered by status.
func (c *Client) Jobs(ctx context.Context, status string) ([]Job, error) {
	endpoint := "verifications"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Job `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Wait polls Status until the job is terminal or ctx is done.
func (c *Client) Wait(ctx context.Context, handle string) (Job, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.Status(ctx, handle)
		if err != nil {
			return job, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Evict removes a job key from every cache tier.
func (c *Client) Evict(ctx context.Context, jobKey string) (bool, error) {
	var resp struct {
		Evicted bool `json:"evicted"`
	}
	err := c.do(ctx, http.MethodDelete, "cache/"+url.PathEscape(jobKey), nil, &resp)
	return resp.Evicted, err
}

// BuildPatch builds a patch without verifying it.
func (c *Client) BuildPatch(ctx context.Context, bugID, response string, opts BuildOptions) (Patch, error) {
	body := map[string]any{
		"bug_id":        bugID,
		"llm_response":  response,
		"method":        opts.Method,
		"generate_diff": opts.GenerateDiff,
		"persist":       opts.Persist,
	}
	var resp Patch
	err := c.do(ctx, http.MethodPost, "patches", body, &resp)
	return resp, err
}

// CacheStatus returns per-tier counters and reachability.
func (c *Client) CacheStatus(ctx context.Context) ([]TierStatus, error) {
	var resp struct {
		Tiers []TierStatus `json:"tiers"`
	}
	err := c.do(ctx, http.MethodGet, "cache/status", nil, &resp)
	return resp.Tiers, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
