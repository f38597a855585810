package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/reelforge/internal/apperr"
	"github.com/maauso/reelforge/internal/delivery"
	"github.com/maauso/reelforge/internal/fetcher"
	"github.com/maauso/reelforge/internal/job"
	"github.com/maauso/reelforge/internal/job/id"
	"github.com/maauso/reelforge/internal/tier"
	"github.com/maauso/reelforge/internal/worker"
)

// Handler defaults.
const (
	DefaultMaxWait          = 60 * time.Second
	DefaultFetchConcurrency = 2
)

// JobRunner tracks generation jobs by correlation id. worker.Manager
// satisfies it.
type JobRunner interface {
	Submit(id string, task worker.Task[*job.Result]) error
	Await(ctx context.Context, id string, timeout time.Duration) (*job.Result, error)
	Status(id string) (worker.Info, bool)
	Cancel(id string) bool
}

// Generator validates and runs one generation request. job.Pipeline
// satisfies it.
type Generator interface {
	Validate(req job.Request) error
	Run(ctx context.Context, req job.Request) (*job.Result, error)
}

// VideoFetcher downloads platform videos. fetcher.Fetcher satisfies it.
type VideoFetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Result, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	jobs      JobRunner
	generator Generator
	videos    VideoFetcher
	sender    delivery.Sender
	fetchSem  chan struct{}
	maxWait   time.Duration
	validator *validator.Validate
	logger    *slog.Logger
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithSender enables delivery of fetched videos to a chat.
func WithSender(s delivery.Sender) HandlerOption {
	return func(h *Handlers) {
		h.sender = s
	}
}

// WithFetchConcurrency bounds how many fetches run at once.
func WithFetchConcurrency(n int) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.fetchSem = make(chan struct{}, n)
		}
	}
}

// WithMaxWait caps the wait parameter of job lookups.
func WithMaxWait(d time.Duration) HandlerOption {
	return func(h *Handlers) {
		if d > 0 {
			h.maxWait = d
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(jobs JobRunner, generator Generator, videos VideoFetcher, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		jobs:      jobs,
		generator: generator,
		videos:    videos,
		fetchSem:  make(chan struct{}, DefaultFetchConcurrency),
		maxWait:   DefaultMaxWait,
		validator: validator.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateJob handles POST /jobs requests. The job runs on the worker pool
// after the response is written.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	if req.CorrelationID == "" {
		req.CorrelationID = id.Generate()
	}
	jr := job.Request{
		CorrelationID: req.CorrelationID,
		Prompt:        req.Prompt,
		SourceAsset:   req.SourceAsset,
		Tier:          tier.Tier(req.Tier),
		ChatID:        req.ChatID,
		Caption:       req.Caption,
		Publish:       req.Publish,
	}
	if err := h.generator.Validate(jr); err != nil {
		writeError(w, http.StatusBadRequest, apperr.UserMessage(err), "VALIDATION_ERROR")
		return
	}

	err := h.jobs.Submit(jr.CorrelationID, func(ctx context.Context) (*job.Result, error) {
		return h.generator.Run(ctx, jr)
	})
	switch {
	case errors.Is(err, worker.ErrDuplicateID):
		writeError(w, http.StatusConflict, fmt.Sprintf("job %q already exists", jr.CorrelationID), "DUPLICATE_JOB")
		return
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "the service is busy, retry later", "QUEUE_FULL")
		return
	case err != nil:
		h.logger.Error("failed to submit job", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to submit job", "JOB_SUBMIT_FAILED")
		return
	}

	h.logger.Info("job accepted",
		slog.String("correlation_id", jr.CorrelationID),
		slog.String("tier", req.Tier),
	)
	writeJSON(w, http.StatusAccepted, CreateJobResponse{ID: jr.CorrelationID, Status: string(worker.StateQueued)})
}

// GetJob handles GET /jobs/{id}?wait=<duration>. A finished job's result is
// returned once and then forgotten; a job still running answers 202.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "wait must be a duration such as 30s", "INVALID_WAIT")
			return
		}
		wait = min(d, h.maxWait)
	}

	res, err := h.jobs.Await(r.Context(), jobID, wait)
	switch {
	case res != nil:
		resp := JobResponse{ID: jobID, Status: string(res.Status), Result: res}
		if err != nil {
			resp.Error = apperr.UserMessage(err)
		}
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, apperr.ErrTimeout):
		info, ok := h.jobs.Status(jobID)
		if !ok {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return
		}
		writeJSON(w, http.StatusAccepted, JobResponse{ID: jobID, Status: string(info.State)})
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// Client went away.
	case err != nil:
		writeJSON(w, http.StatusOK, JobResponse{ID: jobID, Status: string(job.StatusFailed), Error: apperr.UserMessage(err)})
	default:
		writeJSON(w, http.StatusOK, JobResponse{ID: jobID, Status: string(job.StatusCompleted)})
	}
}

// CancelJob handles DELETE /jobs/{id}.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	if !h.jobs.Cancel(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FetchVideo handles POST /fetch. Fetches run synchronously, a bounded
// number at a time.
func (h *Handlers) FetchVideo(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	select {
	case h.fetchSem <- struct{}{}:
		defer func() { <-h.fetchSem }()
	case <-r.Context().Done():
		return
	}

	res, err := h.videos.Fetch(r.Context(), req.URL)
	if err != nil {
		status, code := statusFor(err)
		h.logger.Warn("video fetch failed",
			slog.String("url", req.URL),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
		writeError(w, status, apperr.UserMessage(err), code)
		return
	}

	resp := FetchResponse{
		Platform:        res.Platform.String(),
		Method:          string(res.Method),
		Path:            res.Path,
		Title:           res.Title,
		DurationSeconds: res.Duration.Seconds(),
		Size:            res.Size,
	}
	if req.ChatID != 0 && h.sender != nil {
		caption := req.Caption
		if caption == "" {
			caption = res.Title
		}
		if err := h.sender.SendFile(r.Context(), req.ChatID, res.Path, caption); err != nil {
			h.logger.Warn("fetched video delivery failed",
				slog.Int64("chat_id", req.ChatID),
				slog.String("error", err.Error()),
			)
			resp.DeliveryError = apperr.UserMessage(err)
		} else {
			resp.Delivered = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps an error kind to an HTTP status and error code.
func statusFor(err error) (int, string) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest, string(kind)
	case apperr.KindUnsupportedPlatform:
		return http.StatusUnprocessableEntity, string(kind)
	case apperr.KindNotFound:
		return http.StatusNotFound, string(kind)
	case apperr.KindPlatformAccess, apperr.KindTransient, apperr.KindBackend:
		return http.StatusBadGateway, string(kind)
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout, string(kind)
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
