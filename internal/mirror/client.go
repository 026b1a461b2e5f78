package mirror

import (
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

	"github.com/agentworkforce/sheetgate/internal/sheetgate"
)

const opFetchBatch = "mirrorBatch"

// ErrNotModified is returned when the server confirms the caller's checksum
// is still current.
var ErrNotModified = errors.New("batch not modified")

type RemoteClient interface {
	FetchBatch(ctx context.Context, sourceID string, entities []string, checksum string) (*sheetgate.BatchResult, error)
}

type HTTPClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Retry      sheetgate.RetryPolicy
	Sleep      func(ctx context.Context, delay time.Duration) error
	Logger     Logger
}

// HTTPClient reads batches from a sheetgate server. Rate limiting and
// server-side outages are retried with the gateway's own executor.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retrier    *sheetgate.Retrier
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	policy := opts.Retry
	if policy.BaseDelay == 0 {
		policy.BaseDelay = 100 * time.Millisecond
	}
	if policy.MaxDelay == 0 {
		policy.MaxDelay = 2 * time.Second
	}
	logger := opts.Logger
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		retrier: sheetgate.NewRetrier(sheetgate.RetrierOptions{
			Policy: policy,
			Sleep:  opts.Sleep,
			OnRetry: func(a sheetgate.RetryAttempt) {
				if logger != nil {
					logger.Printf("mirror: retrying batch fetch in %s (attempt %d): %v", a.Delay, a.Attempt, a.Err)
				}
			},
		}),
	}
}

func (c *HTTPClient) FetchBatch(ctx context.Context, sourceID string, entities []string, checksum string) (*sheetgate.BatchResult, error) {
	endpoint := fmt.Sprintf("%s/v1/sources/%s/batch", c.baseURL, url.PathEscape(sourceID))
	if len(entities) > 0 {
		q := url.Values{}
		q.Set("entities", strings.Join(entities, ","))
		endpoint += "?" + q.Encode()
	}
	return sheetgate.Retry(ctx, c.retrier, func(ctx context.Context) (*sheetgate.BatchResult, error) {
		return c.fetchOnce(ctx, endpoint, checksum)
	})
}

func (c *HTTPClient) fetchOnce(ctx context.Context, endpoint, checksum string) (*sheetgate.BatchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Correlation-Id", "mirror_"+uuid.NewString())
	if checksum != "" {
		req.Header.Set("If-None-Match", `"`+checksum+`"`)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, ErrNotModified
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		var out sheetgate.BatchResult
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		return &out, nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	remote := &sheetgate.RemoteError{
		Op:         opFetchBatch,
		StatusCode: resp.StatusCode,
		Status:     errPayload.Code,
		Message:    errPayload.Message,
	}
	if remote.Status == "" {
		remote.Status = http.StatusText(resp.StatusCode)
	}
	if raw := strings.TrimSpace(resp.Header.Get("Retry-After")); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			remote.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	return nil, remote
}
