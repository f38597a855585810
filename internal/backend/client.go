package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/maauso/reelforge/internal/apperr"
	"github.com/maauso/reelforge/internal/tier"
)

// Static errors for backend client construction.
var (
	// ErrBaseURLRequired is returned when the backend base URL is not provided.
	ErrBaseURLRequired = errors.New("backend: base URL is required")
	// ErrAPIKeyRequired is returned when no API key is configured.
	ErrAPIKeyRequired = errors.New("backend: API key is required")
)

// maxErrorBody bounds how much of an error response is quoted in messages.
const maxErrorBody = 512

// Client defines the interface for interacting with the generation backend.
type Client interface {
	// Submit creates a generation job and returns the backend job id.
	Submit(ctx context.Context, req SubmitRequest) (jobID string, err error)

	// GetStatus queries a job once and returns its normalized status.
	GetStatus(ctx context.Context, jobID string) (StatusResult, error)

	// Download fetches an output artifact within timeout.
	Download(ctx context.Context, url string, timeout time.Duration) ([]byte, error)
}

// HTTPClient is the HTTP implementation of Client. It performs no retries of
// its own; callers decide how to react to transient errors.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	defaultTier tier.Tier
	logger      *slog.Logger
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithAPIKey sets the API key for bearer authentication.
func WithAPIKey(key string) ClientOption {
	return func(c *HTTPClient) {
		c.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// WithRateLimiter sets the limiter shared by all outbound backend calls.
// A nil limiter disables rate limiting.
func WithRateLimiter(l *rate.Limiter) ClientOption {
	return func(c *HTTPClient) {
		c.limiter = l
	}
}

// WithDefaultTier sets the tier used when a request names none.
func WithDefaultTier(t tier.Tier) ClientOption {
	return func(c *HTTPClient) {
		if t.IsValid() {
			c.defaultTier = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *HTTPClient) {
		c.logger = l
	}
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	c := &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(5), 5),
		defaultTier: tier.Default,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	return c, nil
}

// Submit creates a generation job. Unknown tiers are replaced with the
// client's default tier.
func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	const op = "backend.Submit"

	if strings.TrimSpace(req.Prompt) == "" {
		return "", apperr.Validation(op, "prompt must not be empty")
	}

	t := req.Tier
	if t == "" {
		t = c.defaultTier
	} else if !t.IsValid() {
		c.logger.Warn("unknown tier, using default",
			slog.String("tier", string(req.Tier)),
			slog.String("default", string(c.defaultTier)),
		)
		t = c.defaultTier
	}
	cfg := t.Config()

	if req.NegativePrompt == "" {
		req.NegativePrompt = DefaultNegativePrompt
	}
	if req.Seed == 0 {
		req.Seed = rand.Int64N(1 << 31)
	}

	body, err := json.Marshal(generateRequest{
		Prompt:         req.Prompt,
		SourceAsset:    req.SourceAsset,
		Tier:           string(t),
		NegativePrompt: req.NegativePrompt,
		Seed:           req.Seed,
		Duration:       int(cfg.TargetDuration / time.Second),
		Resolution:     cfg.Resolution,
	})
	if err != nil {
		return "", fmt.Errorf("backend: marshal request: %w", err)
	}

	raw, err := c.doRequest(ctx, op, http.MethodPost, c.baseURL+"/generate", body)
	if err != nil {
		return "", err
	}

	jobID, errMsg, err := normalizeSubmit(raw)
	if err != nil {
		return "", &apperr.Error{Kind: apperr.KindBackend, Op: op, Message: "malformed submit response", Err: err}
	}
	if jobID == "" {
		if errMsg == "" {
			errMsg = "no job id returned"
		}
		return "", apperr.Backend(op, http.StatusOK, errMsg)
	}

	c.logger.Info("generation job submitted",
		slog.String("job_id", jobID),
		slog.String("tier", string(t)),
	)
	return jobID, nil
}

// GetStatus queries the status of jobID once.
func (c *HTTPClient) GetStatus(ctx context.Context, jobID string) (StatusResult, error) {
	const op = "backend.GetStatus"

	if jobID == "" {
		return StatusResult{}, apperr.Validation(op, "job id is required")
	}

	raw, err := c.doRequest(ctx, op, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		if ae := (*apperr.Error)(nil); errors.As(err, &ae) {
			ae.JobID = jobID
		}
		return StatusResult{}, err
	}

	res, err := normalizeStatus(raw)
	if err != nil {
		return StatusResult{}, &apperr.Error{
			Kind: apperr.KindBackend, Op: op, JobID: jobID, Message: "malformed status response", Err: err,
		}
	}
	return res, nil
}

// Download fetches an artifact URL. The limiter is not applied because
// artifacts are usually served from a CDN rather than the backend API.
func (c *HTTPClient) Download(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error) {
	const op = "backend.Download"

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindValidation, Op: op, URL: rawURL, Message: "invalid artifact URL", Err: err}
	}

	// Downloads use a client without the API timeout; the context governs.
	hc := *c.httpClient
	hc.Timeout = 0

	resp, err := hc.Do(req)
	if err != nil {
		return nil, apperr.Transient(op, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		e := apperr.Backend(op, resp.StatusCode, fmt.Sprintf("artifact download returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
		e.URL = rawURL
		return nil, e
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transient(op, rawURL, err)
	}
	return data, nil
}

// doRequest performs a single authenticated API call and returns the raw
// response body of a 2xx answer.
func (c *HTTPClient) doRequest(ctx context.Context, op, method, endpoint string, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("backend: rate limiter: %w", err)
		}
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("backend: %w", ctx.Err())
		}
		return nil, apperr.Transient(op, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transient(op, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := responseMessage(respBody)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			e := apperr.Transient(op, endpoint, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
			e.StatusCode = resp.StatusCode
			return nil, e
		}
		return nil, apperr.Backend(op, resp.StatusCode, msg)
	}

	return respBody, nil
}

// responseMessage extracts the most useful message from an error body.
func responseMessage(body []byte) string {
	if p, err := unwrap(body); err == nil {
		if msg := errorText(p); msg != "" {
			return msg
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	if s == "" {
		return "empty response"
	}
	return s
}
