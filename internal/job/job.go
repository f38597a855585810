// Package job drives a generation request through the backend: the
// GenerationJob state machine, the adaptive status poller and the pipeline
// that persists and delivers the resulting artifact.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/maauso/reelforge/internal/tier"
)

// Status represents the current state of a GenerationJob.
type Status string

const (
	// StatusSubmitted indicates the backend accepted the job.
	StatusSubmitted  Status = "submitted"
	// StatusProcessing indicates the backend reported work in progress.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the artifact was downloaded and validated.
	StatusCompleted  Status = "completed"
	// StatusFailed indicates the backend or the download failed.
	StatusFailed     Status = "failed"
	// StatusTimedOut indicates the poll budget ran out.
	StatusTimedOut   Status = "timeout"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed. Terminal
// states have no way out.
var validTransitions = map[Status][]Status{
	StatusSubmitted:  {StatusProcessing, StatusCompleted, StatusFailed, StatusTimedOut},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusTimedOut},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusTimedOut:   {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if s is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// GenerationJob is one backend generation job. It is owned by the worker
// goroutine running it; other goroutines read it through Clone.
type GenerationJob struct {
	mu sync.RWMutex

	// ID is the backend job id.
	ID string
	// CorrelationID is the caller's id for the request.
	CorrelationID string
	Prompt        string
	SourceAsset   string
	Tier          tier.Tier
	Status        Status
	// OutputURL is the artifact URL reported by the backend.
	OutputURL string
	// Error is the failure message of a failed or timed-out job.
	Error string
	// StatusChecks counts status queries, including re-queries for outputs.
	StatusChecks int
	// OutputWaits counts re-queries after a completion without outputs.
	OutputWaits int
	// DownloadAttempts counts artifact download attempts.
	DownloadAttempts int
	// ArtifactPath is where the artifact was stored on the volume.
	ArtifactPath string
	// ArtifactURL is the published URL, if the artifact was published.
	ArtifactURL string
	ArtifactSize int64

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// NewGenerationJob creates a job for a backend job id in the submitted state.
func NewGenerationJob(backendID, correlationID string, req Request, t tier.Tier) *GenerationJob {
	now := time.Now()
	return &GenerationJob{
		ID:            backendID,
		CorrelationID: correlationID,
		Prompt:        req.Prompt,
		SourceAsset:   req.SourceAsset,
		Tier:          t,
		Status:        StatusSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *GenerationJob) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status)
}

func (j *GenerationJob) transitionLocked(status Status) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()
	if status.IsTerminal() {
		j.CompletedAt = j.UpdatedAt
	}
	return nil
}

// MarkProcessing moves a submitted job to processing. It is a no-op for a
// job that is already processing.
func (j *GenerationJob) MarkProcessing() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status == StatusProcessing {
		return nil
	}
	return j.transitionLocked(StatusProcessing)
}

// Complete transitions the job to completed.
func (j *GenerationJob) Complete() error {
	return j.TransitionTo(StatusCompleted)
}

// Fail transitions the job to failed with an error message.
func (j *GenerationJob) Fail(errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusFailed); err != nil {
		return err
	}
	j.Error = errMsg
	return nil
}

// Timeout transitions the job to timed out.
func (j *GenerationJob) Timeout(errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusTimedOut); err != nil {
		return err
	}
	j.Error = errMsg
	return nil
}

// GetStatus returns the current job status (thread-safe).
func (j *GenerationJob) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// IsTerminal returns true if the job is in a terminal state.
func (j *GenerationJob) IsTerminal() bool {
	return j.GetStatus().IsTerminal()
}

// RecordCheck counts one status query.
func (j *GenerationJob) RecordCheck() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.StatusChecks++
	j.UpdatedAt = time.Now()
}

// RecordOutputWait counts one re-query for missing outputs.
func (j *GenerationJob) RecordOutputWait() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.OutputWaits++
}

// SetOutputURL records the artifact URL reported by the backend.
func (j *GenerationJob) SetOutputURL(u string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.OutputURL = u
}

// AddDownloadAttempts adds n to the download attempt count.
func (j *GenerationJob) AddDownloadAttempts(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.DownloadAttempts += n
}

// SetArtifact records where the artifact was stored and published.
func (j *GenerationJob) SetArtifact(path, publishedURL string, size int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ArtifactPath = path
	j.ArtifactURL = publishedURL
	j.ArtifactSize = size
	j.UpdatedAt = time.Now()
}

// Clone creates a copy of the job for safe reads.
func (j *GenerationJob) Clone() *GenerationJob {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return &GenerationJob{
		ID:               j.ID,
		CorrelationID:    j.CorrelationID,
		Prompt:           j.Prompt,
		SourceAsset:      j.SourceAsset,
		Tier:             j.Tier,
		Status:           j.Status,
		OutputURL:        j.OutputURL,
		Error:            j.Error,
		StatusChecks:     j.StatusChecks,
		OutputWaits:      j.OutputWaits,
		DownloadAttempts: j.DownloadAttempts,
		ArtifactPath:     j.ArtifactPath,
		ArtifactURL:      j.ArtifactURL,
		ArtifactSize:     j.ArtifactSize,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		CompletedAt:      j.CompletedAt,
	}
}
