package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxBackoff = 5 * time.Second

// StatusError is returned by Client for 4xx and 5xx responses.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	var body ErrorBody
	if json.Unmarshal(e.Body, &body) == nil && body.Error != "" {
		if body.Detail != "" {
			return fmt.Sprintf("http %d: %s: %s", e.Status, body.Error, body.Detail)
		}
		return fmt.Sprintf("http %d: %s", e.Status, body.Error)
	}
	return fmt.Sprintf("http %d: %s", e.Status, strings.TrimSpace(string(e.Body)))
}

// Request performs an HTTP request with retry for transient failures.
// Transport errors, body read errors and 5xx responses are retried; the
// delay doubles per attempt up to maxBackoff and is cut short by ctx.
func Request(ctx context.Context, client *http.Client, method, url, contentType string, body []byte, headers map[string]string, retries int, delay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	retries = max(retries, 0)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := wait(ctx, backoff(delay, attempt)); err != nil {
				return 0, nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 && contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 && attempt < retries {
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Client talks JSON to a single base URL.
type Client struct {
	HTTP    *http.Client
	BaseURL string
	Headers map[string]string
	Retries int
	Backoff time.Duration
}

// Do sends body with the given content type and decodes a JSON response
// into out when out is non-nil.
func (c *Client) Do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	status, resp, err := Request(ctx, c.HTTP, method, url, contentType, body, c.Headers, c.Retries, c.Backoff)
	if err != nil {
		return err
	}
	if status >= 400 {
		return &StatusError{Status: status, Body: resp}
	}
	if out == nil || len(resp) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// PostJSON marshals in and posts it to path.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.Do(ctx, http.MethodPost, path, "application/json", body, out)
}

func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, "", nil, out)
}
