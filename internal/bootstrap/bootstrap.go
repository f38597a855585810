// Package bootstrap provides dependency initialization for the reelforge
// server.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/maauso/reelforge/internal/artifact"
	"github.com/maauso/reelforge/internal/backend"
	"github.com/maauso/reelforge/internal/config"
	"github.com/maauso/reelforge/internal/delivery"
	"github.com/maauso/reelforge/internal/fetcher"
	"github.com/maauso/reelforge/internal/job"
	"github.com/maauso/reelforge/internal/media"
	"github.com/maauso/reelforge/internal/metrics"
	"github.com/maauso/reelforge/internal/platform"
	"github.com/maauso/reelforge/internal/server"
	"github.com/maauso/reelforge/internal/storage"
	"github.com/maauso/reelforge/internal/tier"
	"github.com/maauso/reelforge/internal/worker"
)

// ArtifactStore is what both the generation pipeline and the fetcher need
// from storage.
type ArtifactStore interface {
	job.ArtifactStore
	fetcher.Store
}

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Jobs     *worker.Manager[*job.Result]
	Pipeline *job.Pipeline
	Fetcher  *fetcher.Fetcher
	// Sender is nil when Telegram delivery is not configured.
	Sender   delivery.Sender
	Store    ArtifactStore
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	client, err := backend.NewClient(cfg.BackendBaseURL,
		backend.WithAPIKey(cfg.BackendAPIKey),
		backend.WithRateLimiter(newLimiter(cfg.BackendRateLimit)),
		backend.WithDefaultTier(tier.Tier(cfg.DefaultTier)),
		backend.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create backend client: %w", err)
	}

	sender, err := initSender(cfg, logger)
	if err != nil {
		return nil, err
	}

	prober := media.NewFFprobe(cfg.FFprobePath)

	downloader := artifact.NewDownloader(client,
		artifact.WithMaxAttempts(cfg.DownloadMaxAttempts),
		artifact.WithBackoffStep(cfg.DownloadBackoffStep),
		artifact.WithLogger(logger),
	)
	poller := job.NewPoller(client, downloader,
		job.WithMaxAttempts(cfg.PollMaxAttempts),
		job.WithBaseInterval(cfg.PollBaseInterval),
		job.WithPollerMetrics(m),
		job.WithPollerLogger(logger),
	)

	pipelineOpts := []job.PipelineOption{
		job.WithProber(prober),
		job.WithMetrics(m),
		job.WithDefaultTier(tier.Tier(cfg.DefaultTier)),
		job.WithLogger(logger),
	}
	if sender != nil {
		pipelineOpts = append(pipelineOpts, job.WithSender(sender))
	}
	pipeline := job.NewPipeline(client, poller, store, pipelineOpts...)

	jobs := worker.NewManager(worker.NewRegistry[*job.Result](),
		worker.WithPoolSize(cfg.WorkerPoolSize),
		worker.WithQueueSize(cfg.WorkerQueueSize),
		worker.WithMetrics(m),
		worker.WithLogger(logger),
	)

	return &Dependencies{
		Jobs:     jobs,
		Pipeline: pipeline,
		Fetcher:  newFetcher(cfg, store, prober, m, logger),
		Sender:   sender,
		Store:    store,
		Metrics:  m,
		Registry: reg,
	}, nil
}

// Handlers builds the HTTP handlers over the dependencies.
func (d *Dependencies) Handlers(cfg *config.Config, logger *slog.Logger) *server.Handlers {
	opts := []server.HandlerOption{server.WithFetchConcurrency(cfg.FetchConcurrency)}
	if d.Sender != nil {
		opts = append(opts, server.WithSender(d.Sender))
	}
	return server.NewHandlers(d.Jobs, d.Pipeline, d.Fetcher, logger, opts...)
}

// MetricsHandler serves the registry in the Prometheus text format.
func (d *Dependencies) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{Registry: d.Registry})
}

// newLimiter allows perSecond backend calls with a matching burst.
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(1, int(math.Ceil(perSecond))))
}

// newFetcher chains direct download, yt-dlp and the degraded yt-dlp retry.
func newFetcher(cfg *config.Config, store fetcher.Store, prober media.Prober, m *metrics.Metrics, logger *slog.Logger) *fetcher.Fetcher {
	extractor := fetcher.NewYtDlp(cfg.YtDlpPath)
	strategies := []fetcher.Strategy{
		fetcher.NewPrimary(store,
			fetcher.WithClientFactory(fetcher.ImpersonatingClient(cfg.FetchTimeout)),
			fetcher.WithMaxBytes(cfg.FetchMaxBytes),
			fetcher.WithPrimaryProber(prober),
			fetcher.WithPrimaryLogger(logger),
		),
		fetcher.NewFallback(extractor, store,
			fetcher.WithExtractingProber(prober),
			fetcher.WithExtractingLogger(logger),
		),
		fetcher.NewDegraded(extractor, store,
			fetcher.WithExtractingProber(prober),
			fetcher.WithExtractingLogger(logger),
		),
	}
	return fetcher.New(platform.NewRegistry(), strategies,
		fetcher.WithMetrics(m),
		fetcher.WithLogger(logger),
	)
}

// initStorage keeps artifacts on the local volume and adds S3 publishing
// when configured.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ArtifactStore, error) {
	local, err := storage.NewLocalStorage(cfg.VolumeDir, cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}

	if !cfg.S3Enabled() {
		logger.Info("local storage configured",
			slog.String("volume_dir", cfg.VolumeDir),
			slog.String("temp_dir", cfg.TempDir),
		)
		return local, nil
	}

	s3Store, err := storage.NewS3Storage(ctx, local, storage.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
		KeyPrefix:       cfg.S3KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 storage: %w", err)
	}
	logger.Info("S3 publishing configured",
		slog.String("bucket", cfg.S3Bucket),
		slog.String("region", cfg.S3Region),
	)
	return s3Store, nil
}

// initSender connects the Telegram bot when a token is configured.
func initSender(cfg *config.Config, logger *slog.Logger) (delivery.Sender, error) {
	if !cfg.TelegramEnabled() {
		logger.Info("telegram delivery disabled")
		return nil, nil
	}

	opts := []delivery.TelegramOption{delivery.WithTelegramLogger(logger)}
	if cfg.TelegramAPIEndpoint != "" {
		opts = append(opts, delivery.WithAPIEndpoint(cfg.TelegramAPIEndpoint))
	}
	tg, err := delivery.NewTelegramSender(cfg.TelegramBotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram sender: %w", err)
	}
	return delivery.NewRetrying(tg, delivery.WithLogger(logger)), nil
}
