package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/maauso/reelforge/internal/apperr"
	"github.com/maauso/reelforge/internal/artifact"
	"github.com/maauso/reelforge/internal/backend"
	"github.com/maauso/reelforge/internal/metrics"
)

// Poller defaults.
const (
	DefaultMaxAttempts        = 160
	DefaultBaseInterval       = 2 * time.Second
	DefaultOutputWaits        = 5
	DefaultOutputWaitInterval = time.Second
)

// StatusGetter queries a backend job once.
type StatusGetter interface {
	GetStatus(ctx context.Context, jobID string) (backend.StatusResult, error)
}

// ArtifactFetcher downloads and validates an artifact.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, req artifact.Request) (*artifact.Result, error)
	Forget(jobID string)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Poller drives a submitted job to a terminal state.
type Poller struct {
	client             StatusGetter
	artifacts          ArtifactFetcher
	maxAttempts        int
	baseInterval       time.Duration
	outputWaits        int
	outputWaitInterval time.Duration
	sleep              SleepFunc
	metrics            *metrics.Metrics
	logger             *slog.Logger
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithMaxAttempts sets the status check budget.
func WithMaxAttempts(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithBaseInterval sets the base poll interval.
func WithBaseInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.baseInterval = d
		}
	}
}

// WithOutputWaits sets how often a completion without outputs is re-queried
// and the spacing between re-queries.
func WithOutputWaits(n int, every time.Duration) PollerOption {
	return func(p *Poller) {
		p.outputWaits = n
		p.outputWaitInterval = every
	}
}

// WithSleep replaces the sleep function, mainly for tests.
func WithSleep(fn SleepFunc) PollerOption {
	return func(p *Poller) {
		p.sleep = fn
	}
}

// WithPollerMetrics sets the metrics recorder.
func WithPollerMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) {
		p.metrics = m
	}
}

// WithPollerLogger sets the logger.
func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = l
	}
}

// NewPoller creates a Poller.
func NewPoller(client StatusGetter, artifacts ArtifactFetcher, opts ...PollerOption) *Poller {
	p := &Poller{
		client:             client,
		artifacts:          artifacts,
		maxAttempts:        DefaultMaxAttempts,
		baseInterval:       DefaultBaseInterval,
		outputWaits:        DefaultOutputWaits,
		outputWaitInterval: DefaultOutputWaitInterval,
		sleep:              sleepContext,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls j until it reaches a terminal state and returns the validated
// artifact of a completed job. j is always terminal when Run returns, unless
// ctx was cancelled.
func (p *Poller) Run(ctx context.Context, j *GenerationJob) (*artifact.Result, error) {
	const op = "job.Poll"

	log := p.logger.With(
		slog.String("job_id", j.ID),
		slog.String("correlation_id", j.CorrelationID),
	)

	for a := 0; a < p.maxAttempts; a++ {
		if a > 0 {
			if err := p.sleep(ctx, PollInterval(a-1, p.maxAttempts, p.baseInterval)); err != nil {
				return nil, fmt.Errorf("job: polling cancelled: %w", err)
			}
		}

		res, err := p.check(ctx, j)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("job: polling cancelled: %w", ctx.Err())
			}
			if fatalBackendError(err) {
				msg := apperr.UserMessage(err)
				_ = j.Fail(msg)
				log.Error("backend rejected status query", slog.String("error", err.Error()))
				return nil, err
			}
			p.metrics.PollError(string(apperr.KindOf(err)))
			log.Warn("status check failed, will retry",
				slog.Int("attempt", a+1),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch res.Status {
		case backend.StatusSubmitted:
		case backend.StatusProcessing:
			if err := j.MarkProcessing(); err != nil {
				log.Warn("unexpected processing report", slog.String("status", string(j.GetStatus())))
			}
		case backend.StatusFailed:
			_ = j.Fail(res.Error)
			log.Warn("backend job failed", slog.String("error", res.Error))
			e := apperr.Backend(op, 0, res.Error)
			e.JobID = j.ID
			return nil, e
		case backend.StatusCompleted:
			return p.finish(ctx, j, res, log)
		}
	}

	msg := fmt.Sprintf("backend job did not finish after %d status checks", p.maxAttempts)
	_ = j.Timeout(msg)
	log.Warn("poll budget exhausted", slog.Int("attempts", p.maxAttempts))
	return nil, apperr.Timeout(op, j.ID, p.maxAttempts, msg)
}

// finish waits for outputs if needed, then downloads the first one.
func (p *Poller) finish(ctx context.Context, j *GenerationJob, res backend.StatusResult, log *slog.Logger) (*artifact.Result, error) {
	const op = "job.Poll"

	for w := 0; len(res.Outputs) == 0 && w < p.outputWaits; w++ {
		if err := p.sleep(ctx, p.outputWaitInterval); err != nil {
			return nil, fmt.Errorf("job: polling cancelled: %w", err)
		}
		j.RecordOutputWait()
		next, err := p.check(ctx, j)
		if err != nil {
			log.Warn("output re-query failed", slog.String("error", err.Error()))
			continue
		}
		res = next
	}

	if len(res.Outputs) == 0 {
		msg := "backend reported completion with no outputs"
		_ = j.Fail(msg)
		e := apperr.Backend(op, 0, msg)
		e.JobID = j.ID
		return nil, e
	}

	url := res.Outputs[0]
	j.SetOutputURL(url)

	result, err := p.artifacts.Fetch(ctx, artifact.Request{JobID: j.ID, URL: url, Tier: j.Tier})
	if result != nil {
		j.AddDownloadAttempts(len(result.Attempts))
		for _, at := range result.Attempts {
			p.metrics.DownloadAttempt(at.Outcome)
		}
	}
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			j.AddDownloadAttempts(ae.Attempts)
		}
		p.metrics.DownloadAttempt("failed")
		_ = j.Fail(apperr.UserMessage(err))
		log.Error("artifact download failed", slog.String("url", url), slog.String("error", err.Error()))
		return nil, err
	}

	if err := j.Complete(); err != nil {
		return nil, fmt.Errorf("job: complete %s: %w", j.ID, err)
	}
	log.Info("generation job completed",
		slog.Int("status_checks", j.Clone().StatusChecks),
		slog.Int64("size", result.Size),
	)
	return result, nil
}

func (p *Poller) check(ctx context.Context, j *GenerationJob) (backend.StatusResult, error) {
	j.RecordCheck()
	p.metrics.StatusChecked()
	return p.client.GetStatus(ctx, j.ID)
}

// fatalBackendError reports a 4xx answer other than 429, which will not get
// better by polling again.
func fatalBackendError(err error) bool {
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindBackend {
		return false
	}
	return ae.StatusCode >= 400 && ae.StatusCode < 500 && ae.StatusCode != http.StatusTooManyRequests
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
