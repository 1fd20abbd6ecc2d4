// Package labclient talks to a mixledger server over HTTP.
package labclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/concretelab/mixledger/internal/audit"
	"github.com/concretelab/mixledger/internal/submission"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Field      string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type CollectionFailure struct {
	Collection string `json:"collection"`
	Table      string `json:"table"`
	Rows       int    `json:"rows"`
	Error      string `json:"error"`
}

// Receipt is the server's answer to an accepted submission. Partial is true
// when the master row was stored but some detail batch failed.
type Receipt struct {
	OK                 bool                `json:"ok"`
	Status             string              `json:"status"`
	RecordID           string              `json:"recordId"`
	Timestamp          string              `json:"timestamp"`
	Mode               string              `json:"mode"`
	AttemptID          string              `json:"attemptId"`
	Message            string              `json:"message"`
	SkippedCollections []string            `json:"skippedCollections"`
	FailedCollections  []CollectionFailure `json:"failedCollections"`
	DuplicateSuspected bool                `json:"duplicateSuspected"`
	Partial            bool                `json:"-"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Submit posts one submission. Only 429 is retried: the server rejects those
// before allocating, so a retry cannot store the submission twice.
func (c *Client) Submit(ctx context.Context, payload submission.Payload) (Receipt, error) {
	var receipt Receipt
	status, err := c.doJSON(ctx, http.MethodPost, "/v1/submissions", payload, &receipt, retryRateLimited)
	if err != nil {
		return Receipt{}, err
	}
	receipt.Partial = status == http.StatusMultiStatus
	return receipt, nil
}

func (c *Client) Audit(ctx context.Context, mode string) (audit.Report, error) {
	q := url.Values{}
	q.Set("mode", mode)
	var report audit.Report
	_, err := c.doJSON(ctx, http.MethodGet, "/v1/admin/audit?"+q.Encode(), nil, &report, retryTransient)
	return report, err
}

func (c *Client) Backend(ctx context.Context) (submission.BackendInfo, error) {
	var info submission.BackendInfo
	_, err := c.doJSON(ctx, http.MethodGet, "/v1/admin/backend", nil, &info, retryTransient)
	return info, err
}

func (c *Client) Health(ctx context.Context) error {
	_, err := c.doJSON(ctx, http.MethodGet, "/health", nil, nil, retryTransient)
	return err
}

type retryPolicy struct {
	network bool
	status  func(code int) bool
}

var (
	retryTransient = retryPolicy{
		network: true,
		status: func(code int) bool {
			return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
		},
	}
	retryRateLimited = retryPolicy{
		status: func(code int) bool { return code == http.StatusTooManyRequests },
	}
)

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	body any,
	out any,
	policy retryPolicy,
) (int, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return 0, err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return 0, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", "lab_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if policy.network && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return 0, waitErr
				}
				continue
			}
			return 0, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.StatusCode, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return resp.StatusCode, nil
			}
			return resp.StatusCode, json.Unmarshal(payloadBytes, out)
		}

		if policy.status != nil && policy.status(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return resp.StatusCode, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Field   string `json:"field"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return resp.StatusCode, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
			Field:      errPayload.Field,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
