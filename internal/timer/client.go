package timer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is a non-transient rejection from the server (validation,
// authorization, conflict). It is never retried.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// retryable reports whether a sync failure is worth another attempt.
// Transport errors and server-side 5xx are; explicit rejections are not.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Client is the HTTP Backend implementation speaking the tracking API's
// envelope protocol.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type envelope struct {
	StatusCode int             `json:"statusCode"`
	Data       json.RawMessage `json:"data"`
	Message    string          `json:"message"`
}

func (c *Client) GetElapsedTime(ctx context.Context, projectID string) (Snapshot, error) {
	var snapshot Snapshot
	path := "/getElapsedTime?projectId=" + url.QueryEscape(projectID)
	err := c.call(ctx, http.MethodGet, path, nil, &snapshot)
	return snapshot, err
}

func (c *Client) CheckIn(ctx context.Context, projectID string) error {
	return c.call(ctx, http.MethodPost, "/checkIn", map[string]string{"projectId": projectID}, nil)
}

func (c *Client) PauseOrResume(ctx context.Context, projectID string) (ToggleSnapshot, error) {
	var toggled ToggleSnapshot
	err := c.call(ctx, http.MethodPut, "/pauseOrResume", map[string]string{"projectId": projectID}, &toggled)
	return toggled, err
}

func (c *Client) CheckOut(ctx context.Context, projectID string) (CheckOutSnapshot, error) {
	var result CheckOutSnapshot
	err := c.call(ctx, http.MethodPut, "/checkOut", map[string]string{"projectId": projectID}, &result)
	return result, err
}

func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
