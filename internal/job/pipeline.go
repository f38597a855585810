package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/reelforge/internal/apperr"
	"github.com/maauso/reelforge/internal/backend"
	"github.com/maauso/reelforge/internal/delivery"
	"github.com/maauso/reelforge/internal/media"
	"github.com/maauso/reelforge/internal/metrics"
	"github.com/maauso/reelforge/internal/tier"
)

// Request is a generation request as accepted from a caller.
type Request struct {
	CorrelationID string    `validate:"required,max=128"`
	Prompt        string    `validate:"required,max=4000"`
	SourceAsset   string    `validate:"omitempty,url"`
	Tier          tier.Tier `validate:"omitempty,max=32"`
	// ChatID is the delivery destination; zero skips delivery.
	ChatID int64
	// Caption overrides the default delivery caption.
	Caption string `validate:"max=1024"`
	// Publish uploads the artifact to object storage.
	Publish bool
}

// Result describes a finished generation job.
type Result struct {
	CorrelationID    string        `json:"correlation_id"`
	JobID            string        `json:"job_id"`
	Status           Status        `json:"status"`
	Tier             tier.Tier     `json:"tier"`
	OutputURL        string        `json:"output_url,omitempty"`
	ArtifactPath     string        `json:"artifact_path,omitempty"`
	PublishedURL     string        `json:"published_url,omitempty"`
	Size             int64         `json:"size,omitempty"`
	Container        string        `json:"container,omitempty"`
	Duration         time.Duration `json:"duration,omitempty"`
	StatusChecks     int           `json:"status_checks"`
	DownloadAttempts int           `json:"download_attempts"`
	Delivered        bool          `json:"delivered"`
	Error            string        `json:"error,omitempty"`
}

// Submitter creates backend jobs.
type Submitter interface {
	Submit(ctx context.Context, req backend.SubmitRequest) (string, error)
}

// ArtifactStore persists artifacts on the volume and optionally publishes
// them. storage.LocalStorage and storage.S3Storage satisfy it.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, prefix, ext string, data io.Reader) (string, error)
	Publish(ctx context.Context, localPath, key string) (string, error)
}

// Pipeline runs one generation request end to end.
type Pipeline struct {
	submitter Submitter
	poller    *Poller
	artifacts ArtifactFetcher
	store     ArtifactStore
	prober    media.Prober
	sender    delivery.Sender
	fallback  tier.Tier
	metrics   *metrics.Metrics
	validate  *validator.Validate
	logger    *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithProber sets the duration prober for stored artifacts.
func WithProber(p media.Prober) PipelineOption {
	return func(pl *Pipeline) {
		pl.prober = p
	}
}

// WithSender sets the delivery channel.
func WithSender(s delivery.Sender) PipelineOption {
	return func(pl *Pipeline) {
		pl.sender = s
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) PipelineOption {
	return func(pl *Pipeline) {
		pl.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(pl *Pipeline) {
		pl.logger = l
	}
}

// WithDefaultTier sets the tier used for unknown or empty tier names.
func WithDefaultTier(t tier.Tier) PipelineOption {
	return func(p *Pipeline) {
		if resolved, substituted := tier.Resolve(string(t)); !substituted {
			p.fallback = resolved
		}
	}
}

// NewPipeline creates a Pipeline. The poller's artifact fetcher is also used
// to release per-job download records.
func NewPipeline(submitter Submitter, poller *Poller, store ArtifactStore, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		submitter: submitter,
		poller:    poller,
		artifacts: poller.artifacts,
		store:     store,
		fallback:  tier.Default,
		validate:  validator.New(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate checks req without running it.
func (p *Pipeline) Validate(req Request) error {
	if err := p.validate.Struct(req); err != nil {
		return apperr.Validation("job.Run", validationMessage(err))
	}
	return nil
}

// Run submits req, polls the backend job to a terminal state, stores the
// artifact and delivers it. The returned Result is non-nil whenever a
// backend job was created.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	if err := p.Validate(req); err != nil {
		return nil, err
	}

	t, substituted := tier.Resolve(string(req.Tier))
	if substituted {
		t = p.fallback
	}
	if substituted && req.Tier != "" {
		p.logger.Warn("unknown tier, using default",
			slog.String("correlation_id", req.CorrelationID),
			slog.String("tier", string(req.Tier)),
			slog.String("default", string(t)),
		)
	}

	jobID, err := p.submitter.Submit(ctx, backend.SubmitRequest{
		Prompt:      req.Prompt,
		SourceAsset: req.SourceAsset,
		Tier:        t,
	})
	if err != nil {
		p.metrics.JobFinished(string(t), "submit_failed", time.Since(started))
		return nil, err
	}
	defer p.artifacts.Forget(jobID)

	j := NewGenerationJob(jobID, req.CorrelationID, req, t)
	log := p.logger.With(
		slog.String("job_id", jobID),
		slog.String("correlation_id", req.CorrelationID),
	)

	art, err := p.poller.Run(ctx, j)
	if err != nil {
		p.metrics.JobFinished(string(t), string(j.GetStatus()), time.Since(started))
		return resultOf(j, err), err
	}

	path, err := p.store.SaveArtifact(ctx, string(t), art.Container.Ext(), bytes.NewReader(art.Data))
	if err != nil {
		err = apperr.Storage("job.Run", jobID, "artifact could not be stored", err)
		p.metrics.JobFinished(string(t), "store_failed", time.Since(started))
		return resultOf(j, err), err
	}

	var published string
	if req.Publish {
		published, err = p.store.Publish(ctx, path, filepath.Base(path))
		if err != nil {
			err = apperr.Storage("job.Run", jobID, "artifact publish failed", err)
			p.metrics.JobFinished(string(t), "publish_failed", time.Since(started))
			j.SetArtifact(path, "", art.Size)
			return resultOf(j, err), err
		}
	}
	j.SetArtifact(path, published, art.Size)

	res := resultOf(j, nil)
	res.Container = string(art.Container)
	if p.prober != nil {
		if d, err := p.prober.Duration(ctx, path); err != nil {
			log.Warn("duration lookup failed", slog.String("path", path), slog.String("error", err.Error()))
		} else {
			res.Duration = d
		}
	}

	if req.ChatID != 0 && p.sender != nil {
		caption := req.Caption
		if caption == "" {
			caption = fmt.Sprintf("%s (%s)", delivery.Truncate(req.Prompt, 200), t)
		}
		if err := p.sender.SendFile(ctx, req.ChatID, path, caption); err != nil {
			p.metrics.Delivered("failed")
			p.metrics.JobFinished(string(t), "delivery_failed", time.Since(started))
			err = apperr.Delivery("job.Run", jobID, "artifact delivery failed", err)
			res.Error = apperr.UserMessage(err)
			return res, err
		}
		p.metrics.Delivered("ok")
		res.Delivered = true
	}

	p.metrics.JobFinished(string(t), string(StatusCompleted), time.Since(started))
	log.Info("generation pipeline finished",
		slog.String("path", path),
		slog.Bool("delivered", res.Delivered),
		slog.Duration("elapsed", time.Since(started)),
	)
	return res, nil
}

func resultOf(j *GenerationJob, err error) *Result {
	c := j.Clone()
	res := &Result{
		CorrelationID:    c.CorrelationID,
		JobID:            c.ID,
		Status:           c.Status,
		Tier:             c.Tier,
		OutputURL:        c.OutputURL,
		ArtifactPath:     c.ArtifactPath,
		PublishedURL:     c.ArtifactURL,
		Size:             c.ArtifactSize,
		StatusChecks:     c.StatusChecks,
		DownloadAttempts: c.DownloadAttempts,
		Error:            c.Error,
	}
	if err != nil && res.Error == "" {
		res.Error = apperr.UserMessage(err)
	}
	return res
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
