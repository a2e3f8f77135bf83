package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kurihiro0119/github-fork-cleaner/internal/deletion"
	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
)

// Client is the API client for github-fork-cleaner
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError is a non-2xx answer from the API
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("API error %d: %s (%s): %s", e.Status, e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("API error %d: %s: %s", e.Status, e.Code, e.Message)
}

// Integration is the answer of GET /api/v1/integration. Err is set when the
// check itself failed; Installed is false in that case.
type Integration struct {
	Installed  bool      `json:"installed"`
	InstallURL string    `json:"install_url"`
	Err        *APIError `json:"-"`
}

// BatchReport is the final report of a batch
type BatchReport struct {
	deletion.Report
	SucceededCount int `json:"succeeded"`
	FailedCount    int `json:"failed"`
}

// NewClient creates a new API client. token is the session token returned
// by /auth/callback.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// HealthCheck checks if the API is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	var response struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &response); err != nil {
		return err
	}
	if response.Status != "ok" {
		return fmt.Errorf("unhealthy status: %s", response.Status)
	}
	return nil
}

// Me returns the signed-in user
func (c *Client) Me(ctx context.Context) (*domain.User, error) {
	var response struct {
		Data *domain.User `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/me", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// Integration checks whether the GitHub App is installed
func (c *Client) Integration(ctx context.Context) (*Integration, error) {
	var response struct {
		Data  *Integration `json:"data"`
		Error *APIError    `json:"error"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/integration", nil, nil, &response); err != nil {
		return nil, err
	}
	if response.Data == nil {
		return nil, fmt.Errorf("empty integration response")
	}
	if response.Error != nil {
		response.Error.Status = http.StatusOK
		response.Data.Err = response.Error
	}
	return response.Data, nil
}

// ListForks returns the signed-in user's fork repositories
func (c *Client) ListForks(ctx context.Context) ([]domain.Repository, error) {
	var response struct {
		Data []domain.Repository `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/repositories", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// DeleteFork deletes a single repository
func (c *Client) DeleteFork(ctx context.Context, owner, name string) error {
	path := fmt.Sprintf("/api/v1/repositories/%s/%s", url.PathEscape(owner), url.PathEscape(name))
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// StartBatch starts deleting repos in order and returns the first snapshot
func (c *Client) StartBatch(ctx context.Context, repos []domain.Repository) (*deletion.Snapshot, error) {
	body := struct {
		Repositories []domain.Repository `json:"repositories"`
	}{Repositories: repos}

	var response struct {
		Data *deletion.Snapshot `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/batches", nil, body, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// GetBatch returns the current snapshot of a batch
func (c *Client) GetBatch(ctx context.Context, id string) (*deletion.Snapshot, error) {
	var response struct {
		Data *deletion.Snapshot `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/batches/"+url.PathEscape(id), nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// WaitBatch blocks until the batch finishes. The client timeout does not
// apply; bound the call with ctx instead.
func (c *Client) WaitBatch(ctx context.Context, id string) (*BatchReport, error) {
	var response struct {
		Data *BatchReport `json:"data"`
	}
	path := "/api/v1/batches/" + url.PathEscape(id) + "/wait"
	if err := c.doWith(ctx, c.streamingClient(), http.MethodGet, path, nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// CancelBatch asks the server to stop the batch before its next repository
func (c *Client) CancelBatch(ctx context.Context, id string) (*deletion.Snapshot, error) {
	var response struct {
		Data *deletion.Snapshot `json:"data"`
	}
	path := "/api/v1/batches/" + url.PathEscape(id) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// ListBatches returns finished batches, newest first
func (c *Client) ListBatches(ctx context.Context, limit int) ([]*domain.DeletionBatch, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var response struct {
		Data []*domain.DeletionBatch `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/batches", params, nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// Summary returns totals over the finished batches
func (c *Client) Summary(ctx context.Context) (*domain.BatchSummary, error) {
	var response struct {
		Data *domain.BatchSummary `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/batches/summary", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

func (c *Client) streamingClient() *http.Client {
	clone := *c.httpClient
	clone.Timeout = 0
	return &clone
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, result interface{}) error {
	return c.doWith(ctx, c.httpClient, method, path, params, body, result)
}

func (c *Client) doWith(ctx context.Context, httpClient *http.Client, method, path string, params url.Values, body, result interface{}) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return err
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.Status = resp.StatusCode
		return envelope.Error
	}
	return &APIError{Status: resp.StatusCode, Message: string(raw)}
}
