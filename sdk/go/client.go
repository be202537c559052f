package bountylinesdk

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

// Client is a minimal Bountyline HTTP API client bound to one installation.
type Client struct {
	BaseURL        string
	InstallationID string
	APIKey         string
	BearerToken    string
	HTTPClient     *http.Client
	Timeout        time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, installationID string) *Client {
	return &Client{
		BaseURL:        baseURL,
		InstallationID: installationID,
		Timeout:        10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID             string   `json:"id"`
	InstallationID string   `json:"installation_id"`
	Title          string   `json:"title"`
	Bounty         string   `json:"bounty"`
	BountyAsset    string   `json:"bounty_asset"`
	Status         string   `json:"status"`
	Settled        bool     `json:"settled"`
	SettlementHold bool     `json:"settlement_hold"`
	ContributorID  string   `json:"contributor_id,omitempty"`
	Applicants     []string `json:"applicants"`
}

type Submission struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	UserID    string `json:"user_id"`
	WorkRef   string `json:"work_ref"`
	CreatedAt string `json:"created_at"`
}

type Transaction struct {
	ID        string `json:"id"`
	TxHash    string `json:"tx_hash"`
	Category  string `json:"category"`
	Amount    string `json:"amount"`
	Asset     string `json:"asset"`
	ToAddress string `json:"to_address"`
	TaskID    string `json:"task_id,omitempty"`
}

type Settlement struct {
	Task        Task        `json:"task"`
	Transaction Transaction `json:"transaction"`
	Recovered   bool        `json:"recovered"`
}

// APIError wraps non-2xx responses. Code and Details are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the server asked the caller to try again later.
func (e *APIError) Retryable() bool {
	if e.StatusCode == http.StatusServiceUnavailable {
		return true
	}
	r, _ := e.Details["retryable"].(bool)
	return r
}

// ErrorCode returns the envelope code of err, or "" for non-API errors.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// CreateTask creates a task with a bounty in asset (empty for the server default).
func (c *Client) CreateTask(ctx context.Context, title, bounty, asset string) (Task, error) {
	body := map[string]any{
		"title":  title,
		"bounty": bounty,
	}
	if asset != "" {
		body["asset"] = asset
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.installationPath("tasks"), body, &resp)
	return resp, err
}

// ListTasks returns tasks of the installation, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]Task, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := c.installationPath("tasks")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(taskID, ""), nil, &resp)
	return resp, err
}

// Apply adds the caller to the task's applicants.
func (c *Client) Apply(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "applications"), nil, &resp)
	return resp, err
}

func (c *Client) WithdrawApplication(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodDelete, taskPath(taskID, "applications"), nil, &resp)
	return resp, err
}

func (c *Client) Accept(ctx context.Context, taskID, contributorID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "accept"), map[string]any{"contributor_id": contributorID}, &resp)
	return resp, err
}

func (c *Client) Submit(ctx context.Context, taskID, workRef string, meta map[string]any) (Submission, error) {
	body := map[string]any{"work_ref": workRef}
	if meta != nil {
		body["meta"] = meta
	}
	var resp Submission
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "submissions"), body, &resp)
	return resp, err
}

// MarkCompleted returns the task and the X-Settlement-Status header, which is
// "settled", "pending" or a settlement error code.
func (c *Client) MarkCompleted(ctx context.Context, taskID string) (Task, string, error) {
	var resp Task
	hdr, err := c.doWithHeader(ctx, http.MethodPost, taskPath(taskID, "complete"), nil, &resp)
	return resp, hdr.Get("X-Settlement-Status"), err
}

func (c *Client) Reopen(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "reopen"), nil, &resp)
	return resp, err
}

// Settle triggers settlement. A retryable failure surfaces as an *APIError
// with Retryable() true.
func (c *Client) Settle(ctx context.Context, taskID string) (Settlement, error) {
	var resp Settlement
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "settle"), nil, &resp)
	return resp, err
}

func (c *Client) ReleaseHold(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "release-hold"), nil, &resp)
	return resp, err
}

// TopUpEscrow moves funds from the installation wallet into escrow.
func (c *Client) TopUpEscrow(ctx context.Context, asset, amount string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, c.installationPath("escrow/top-up"), map[string]any{"asset": asset, "amount": amount}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	_, err := c.doWithHeader(ctx, method, endpoint, body, out)
	return err
}

func (c *Client) doWithHeader(ctx context.Context, method, endpoint string, body any, out any) (http.Header, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return resp.Header, apiErr
	}
	if out != nil {
		return resp.Header, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.Header, nil
}

func (c *Client) installationPath(p string) string {
	inst := url.PathEscape(c.InstallationID)
	return fmt.Sprintf("v1/installations/%s/%s", inst, strings.TrimLeft(p, "/"))
}

func taskPath(taskID, p string) string {
	if p == "" {
		return "v1/tasks/" + url.PathEscape(taskID)
	}
	return fmt.Sprintf("v1/tasks/%s/%s", url.PathEscape(taskID), p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
