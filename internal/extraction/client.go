// Package extraction talks to the external document-intelligence service.
// The service is asynchronous: a submitted page yields an operation handle
// that is polled until the analysis succeeds or fails.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Operation states reported by the service.
const (
	StatePending   = "pending"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// Result is the outcome of one poll.
type Result struct {
	State  string            `json:"status"`
	Fields map[string]string `json:"fields,omitempty"`
	Detail string            `json:"error,omitempty"`
}

// transientError wraps failures worth one immediate retry: timeouts,
// connection resets and 5xx/429 responses.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// IsTransient reports whether err came from a transient I/O condition.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Client submits analyses and polls their operations over HTTP.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewClient constructs a Client with a per-call timeout.
func NewClient(endpoint, apiKey string, callTimeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: callTimeout},
	}
}

// Submit posts a page buffer for analysis with the given model and returns
// the operation handle from the Operation-Location header.
func (c *Client) Submit(ctx context.Context, document []byte, modelID string) (string, error) {
	url := fmt.Sprintf("%s/documentModels/%s:analyze", c.endpoint, modelID)
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(document))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		if c.apiKey != "" {
			req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submit analysis: unexpected status %d", resp.StatusCode)
	}
	op := resp.Header.Get("Operation-Location")
	if op == "" {
		return "", errors.New("submit analysis: missing Operation-Location header")
	}
	return op, nil
}

// Fetch queries the operation handle and returns its current state.
func (c *Client) Fetch(ctx context.Context, operation string) (Result, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, operation, nil)
		if err != nil {
			return nil, err
		}
		if c.apiKey != "" {
			req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return Result{}, err
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("fetch operation: unexpected status %d", resp.StatusCode)
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode operation result: %w", err)
	}
	switch res.State {
	case StatePending, StateSucceeded, StateFailed:
	case "running", "notStarted":
		res.State = StatePending
	default:
		return Result{}, fmt.Errorf("unknown operation state %q", res.State)
	}
	return res, nil
}

// doWithRetry performs the request, retrying exactly once on a transient
// failure. The request is rebuilt for the retry because bodies are consumed.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	attempt := func() (*http.Response, error) {
		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if isNetTransient(err) {
				return nil, &transientError{err: err}
			}
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			drain(resp.Body)
			return nil, &transientError{err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		return resp, nil
	}
	resp, err := attempt()
	if err != nil && IsTransient(err) && ctx.Err() == nil {
		resp, err = attempt()
	}
	return resp, err
}

func isNetTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
