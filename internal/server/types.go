// Package server provides the HTTP surface of the service: generation jobs
// run through the worker pool and synchronous video fetches. DTOs here are
// kept separate from domain types.
package server

import "github.com/maauso/reelforge/internal/job"

// CreateJobRequest is the HTTP request body for creating a generation job.
type CreateJobRequest struct {
	// CorrelationID identifies the job; one is generated when empty.
	CorrelationID string `json:"correlation_id" validate:"omitempty,max=128"`
	// Prompt is the generation prompt.
	Prompt string `json:"prompt" validate:"required,max=4000"`
	// SourceAsset is an optional reference image or video URL.
	SourceAsset string `json:"source_asset" validate:"omitempty,url"`
	// Tier is fast, balanced, quality or text-only.
	Tier string `json:"tier" validate:"omitempty,max=32"`
	// ChatID is the delivery destination; zero skips delivery.
	ChatID int64 `json:"chat_id"`
	// Caption overrides the delivery caption.
	Caption string `json:"caption" validate:"max=1024"`
	// Publish uploads the artifact to object storage.
	Publish bool `json:"publish"`
}

// CreateJobResponse is the HTTP response after accepting a job.
type CreateJobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// JobResponse is the HTTP response for a job lookup.
type JobResponse struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Result *job.Result `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// FetchRequest is the HTTP request body for fetching a platform video.
type FetchRequest struct {
	URL     string `json:"url" validate:"required,url"`
	ChatID  int64  `json:"chat_id"`
	Caption string `json:"caption" validate:"max=1024"`
}

// FetchResponse describes a fetched video.
type FetchResponse struct {
	Platform        string  `json:"platform"`
	Method          string  `json:"method"`
	Path            string  `json:"path"`
	Title           string  `json:"title,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Size            int64   `json:"size"`
	Delivered       bool    `json:"delivered"`
	DeliveryError   string  `json:"delivery_error,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}
