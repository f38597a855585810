// Package fetcher downloads source videos from social platforms. A fetch
// resolves the platform from the URL and then walks an ordered list of
// strategies until one produces a file on the volume.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/maauso/reelforge/internal/apperr"
	"github.com/maauso/reelforge/internal/media"
	"github.com/maauso/reelforge/internal/metrics"
	"github.com/maauso/reelforge/internal/platform"
)

// Method names the strategy that produced a result.
type Method string

// Strategy methods, in chain order.
const (
	MethodPrimary  Method = "primary"
	MethodFallback Method = "fallback"
	MethodDegraded Method = "degraded"
)

// MinVideoBytes is the smallest body accepted as a video.
const MinVideoBytes = 10 * 1024

// DefaultMaxVideoBytes is the largest direct download read into memory.
const DefaultMaxVideoBytes int64 = 512 << 20

const maxPageBytes int64 = 8 << 20

// Target is a resolved fetch request.
type Target struct {
	URL     string
	Profile platform.Profile
}

// Result describes a downloaded video.
type Result struct {
	Success  bool              `json:"success"`
	Platform platform.Platform `json:"platform"`
	Method   Method            `json:"method"`
	Path     string            `json:"path"`
	Title    string            `json:"title,omitempty"`
	Duration time.Duration     `json:"duration"`
	Size     int64             `json:"size"`
}

// Strategy is one way of obtaining the video.
type Strategy interface {
	Method() Method
	// Applies reports whether the strategy should run given the failure of
	// the strategy before it, which is nil for the first one.
	Applies(t Target, prior error) bool
	Fetch(ctx context.Context, t Target) (*Result, error)
}

// Store persists fetched files on the artifact volume.
type Store interface {
	SaveArtifact(ctx context.Context, prefix, ext string, data io.Reader) (string, error)
	ImportArtifact(ctx context.Context, srcPath, prefix string) (string, error)
	TempWorkDir(ctx context.Context, name string) (string, error)
	CleanupTemp(ctx context.Context, paths []string) error
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// Fetcher runs the strategy chain.
type Fetcher struct {
	registry   *platform.Registry
	strategies []Strategy
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a Fetcher that tries strategies in order.
func New(registry *platform.Registry, strategies []Strategy, opts ...Option) *Fetcher {
	f := &Fetcher{
		registry:   registry,
		strategies: strategies,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads the video at rawURL. Unsupported hosts are rejected before
// any network I/O. When every strategy fails, the most specific failure is
// returned.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	const op = "fetcher.Fetch"

	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, apperr.Validation(op, "url is required")
	}
	p := f.registry.Resolve(rawURL)
	if p == platform.Unsupported {
		f.metrics.FetchFinished("unsupported", "none", "rejected")
		return nil, apperr.UnsupportedPlatform(rawURL)
	}
	profile, _ := f.registry.Profile(p)
	target := Target{URL: rawURL, Profile: profile}

	start := time.Now()
	var (
		prior error
		errs  []*Error
	)
	for _, s := range f.strategies {
		if !s.Applies(target, prior) {
			continue
		}
		logger := f.logger.With(
			slog.String("platform", string(p)),
			slog.String("method", string(s.Method())),
			slog.String("url", rawURL),
		)

		res, err := s.Fetch(ctx, target)
		if err == nil {
			res.Success = true
			res.Platform = p
			res.Method = s.Method()
			logger.Info("video fetched",
				slog.String("path", res.Path),
				slog.Int64("size", res.Size),
				slog.Duration("elapsed", time.Since(start)),
			)
			f.metrics.FetchFinished(string(p), string(s.Method()), "success")
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			f.metrics.FetchFinished(string(p), string(s.Method()), "cancelled")
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}

		fe := asFetchError(err, p, s.Method(), rawURL)
		logger.Warn("fetch strategy failed",
			slog.String("reason", string(fe.Reason)),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fe)
		prior = fe
	}

	if len(errs) == 0 {
		errs = append(errs, &Error{Platform: p, Reason: ReasonUnknown, URL: rawURL, Detail: "no strategy applied"})
	}
	final := mostSpecific(errs)
	f.metrics.FetchFinished(string(p), "none", string(final.Reason))
	return nil, final
}

func asFetchError(err error, p platform.Platform, m Method, rawURL string) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Platform: p, Method: m, Reason: ReasonUnknown, URL: rawURL, Err: err}
}

// probeDuration is best-effort: a missing prober or a failed probe yields 0.
func probeDuration(ctx context.Context, prober media.Prober, path string, logger *slog.Logger) time.Duration {
	if prober == nil {
		return 0
	}
	d, err := prober.Duration(ctx, path)
	if err != nil {
		logger.Debug("duration lookup failed", slog.String("path", path), slog.String("error", err.Error()))
		return 0
	}
	return d
}
