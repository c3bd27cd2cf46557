package forgeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to one Forge server on behalf of one user.
type Client struct {
	config Config
	http   *http.Client
}

// New creates a Client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	if config.UserID == "" {
		return nil, errors.New("UserID is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}, nil
}

// Ping checks connectivity to the server.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Push sends one batch. A missing PushID is generated so the call can be
// retried safely with the id from the response.
func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	if req.PushID == "" {
		req.PushID = uuid.NewString()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode push: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/sync/push", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode push response: %w", err)
	}
	out.PushID = req.PushID
	out.Replayed = resp.Header.Get("X-Idempotent-Replay") == "true"
	return &out, nil
}

// Pull fetches one page of changes after the given sequence. limit <= 0
// uses the server default.
func (c *Client) Pull(ctx context.Context, clientID string, after int64, limit int) (*PullResponse, error) {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	resp, err := c.do(ctx, http.MethodGet, "/api/v1/sync/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode pull response: %w", err)
	}
	return &out, nil
}

// PullAll pages through every change after the given sequence, handing each
// page to apply. It returns the last sequence applied; resume from it after
// an error.
func (c *Client) PullAll(ctx context.Context, clientID string, after int64, limit int, apply func([]Change) error) (int64, error) {
	for {
		page, err := c.Pull(ctx, clientID, after, limit)
		if err != nil {
			return after, err
		}
		if len(page.Changes) > 0 {
			if err := apply(page.Changes); err != nil {
				return after, err
			}
		}
		// No progress means the index is still catching up; let the caller retry later.
		if !page.HasMore || page.LastSequence == after {
			return page.LastSequence, nil
		}
		after = page.LastSequence
	}
}

// DownloadSnapshot streams the latest database snapshot into w, following
// the redirect to object storage when the server issues one.
func (c *Client) DownloadSnapshot(ctx context.Context, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/sync/snapshot", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return 0, err
	}
	return io.Copy(w, resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("X-Forge-User-Id", c.config.UserID)
	if c.config.Username != "" {
		req.Header.Set("X-Forge-Username", c.config.Username)
	}
	if c.config.Role != "" {
		req.Header.Set("X-Forge-Role", c.config.Role)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forge %s %s: %w", method, path, err)
	}
	return resp, nil
}

// checkStatus converts a non-2xx response into an *APIError.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	apiErr.Status = resp.StatusCode
	return apiErr
}
