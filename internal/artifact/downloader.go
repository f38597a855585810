// Package artifact downloads generated video artifacts and checks that what
// arrived is plausibly a real video for the requested tier.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/maauso/reelforge/internal/apperr"
	"github.com/maauso/reelforge/internal/tier"
)

// ErrDuplicate is returned when the same artifact URL was already downloaded
// for the job.
var ErrDuplicate = errors.New("artifact: already downloaded for this job")

// Failure classes reported in the final download error.
const (
	ClassTimeout    = "timeout"
	ClassConnection = "connection"
	ClassProtocol   = "protocol"
	ClassValidation = "validation"
	ClassUnknown    = "unknown"
)

const (
	defaultMaxAttempts = 5
	defaultBackoffStep = 2 * time.Second
)

// Getter fetches raw bytes. backend.HTTPClient satisfies it.
type Getter interface {
	Download(ctx context.Context, url string, timeout time.Duration) ([]byte, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Request identifies the artifact to download.
type Request struct {
	JobID string
	URL   string
	Tier  tier.Tier
}

// Attempt records one download try.
type Attempt struct {
	Number  int
	URL     string
	Tier    tier.Tier
	Timeout time.Duration
	// Outcome is "ok" or one of the failure classes.
	Outcome string
	Err     error
}

// Result is a validated artifact.
type Result struct {
	Data      []byte
	Size      int64
	Container Container
	// SignatureMatched is false when no known container signature was found.
	SignatureMatched bool
	Attempts         []Attempt
}

// Downloader fetches artifacts with tier-scaled timeouts, validation and
// linear backoff.
type Downloader struct {
	getter      Getter
	maxAttempts int
	backoffStep time.Duration
	sleep       SleepFunc
	logger      *slog.Logger

	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithMaxAttempts sets the number of attempts per artifact.
func WithMaxAttempts(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBackoffStep sets the linear backoff unit (step × attempt).
func WithBackoffStep(step time.Duration) Option {
	return func(d *Downloader) {
		d.backoffStep = step
	}
}

// WithSleep replaces the sleep function, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(d *Downloader) {
		d.sleep = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = l
	}
}

// NewDownloader creates a Downloader on top of getter.
func NewDownloader(getter Getter, opts ...Option) *Downloader {
	d := &Downloader{
		getter:      getter,
		maxAttempts: defaultMaxAttempts,
		backoffStep: defaultBackoffStep,
		sleep:       sleepContext,
		logger:      slog.Default(),
		seen:        make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch downloads and validates the artifact. Attempts that fail, including
// ones that return an undersized body, are retried with a backoff of
// step × attempt; no sleep follows the last attempt.
func (d *Downloader) Fetch(ctx context.Context, req Request) (*Result, error) {
	if d.isDuplicate(req.JobID, req.URL) {
		return nil, ErrDuplicate
	}

	cfg := req.Tier.Config()
	attempts := make([]Attempt, 0, d.maxAttempts)
	var lastErr error
	lastClass := ClassUnknown

	for n := 1; n <= d.maxAttempts; n++ {
		data, err := d.getter.Download(ctx, req.URL, cfg.DownloadTimeout)
		if err == nil && int64(len(data)) < cfg.MinArtifactBytes {
			err = apperr.Validation("artifact.Fetch",
				fmt.Sprintf("artifact is %d bytes, below the %d byte minimum for tier %s",
					len(data), cfg.MinArtifactBytes, req.Tier))
		}

		if err == nil {
			attempts = append(attempts, Attempt{Number: n, URL: req.URL, Tier: req.Tier, Timeout: cfg.DownloadTimeout, Outcome: "ok"})
			return d.accept(req, data, attempts), nil
		}

		lastErr = err
		lastClass = classify(err)
		attempts = append(attempts, Attempt{
			Number: n, URL: req.URL, Tier: req.Tier, Timeout: cfg.DownloadTimeout, Outcome: lastClass, Err: err,
		})

		d.logger.Warn("artifact download attempt failed",
			slog.String("job_id", req.JobID),
			slog.String("url", req.URL),
			slog.Int("attempt", n),
			slog.String("class", lastClass),
			slog.String("error", err.Error()),
		)

		if ctx.Err() != nil {
			return nil, fmt.Errorf("artifact: download cancelled: %w", ctx.Err())
		}
		if n == d.maxAttempts {
			break
		}
		if err := d.sleep(ctx, d.backoffStep*time.Duration(n)); err != nil {
			return nil, fmt.Errorf("artifact: download cancelled: %w", err)
		}
	}

	return nil, &apperr.Error{
		Kind:     kindOf(lastClass),
		Op:       "artifact.Fetch",
		JobID:    req.JobID,
		URL:      req.URL,
		Attempts: len(attempts),
		Message:  fmt.Sprintf("artifact download failed (%s)", lastClass),
		Err:      lastErr,
	}
}

// Forget releases the duplicate-guard record for jobID.
func (d *Downloader) Forget(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, jobID)
}

func (d *Downloader) accept(req Request, data []byte, attempts []Attempt) *Result {
	container := Sniff(data)
	if container == ContainerUnknown {
		d.logger.Warn("artifact has no recognised video signature",
			slog.String("job_id", req.JobID),
			slog.String("url", req.URL),
			slog.Int("size", len(data)),
		)
	}

	d.mu.Lock()
	urls, ok := d.seen[req.JobID]
	if !ok {
		urls = make(map[string]struct{})
		d.seen[req.JobID] = urls
	}
	urls[req.URL] = struct{}{}
	d.mu.Unlock()

	return &Result{
		Data:             data,
		Size:             int64(len(data)),
		Container:        container,
		SignatureMatched: container != ContainerUnknown,
		Attempts:         attempts,
	}
}

func (d *Downloader) isDuplicate(jobID, url string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[jobID][url]
	return ok
}

// classify maps a download error onto a failure class.
func classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return ClassValidation
	case apperr.KindTransient:
		return ClassConnection
	case apperr.KindBackend:
		return ClassProtocol
	}
	return ClassUnknown
}

func kindOf(class string) apperr.Kind {
	switch class {
	case ClassTimeout, ClassConnection:
		return apperr.KindTransient
	case ClassValidation:
		return apperr.KindValidation
	case ClassProtocol:
		return apperr.KindBackend
	default:
		return apperr.KindUnknown
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
