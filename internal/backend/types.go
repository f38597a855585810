// Package backend provides an HTTP client for the asynchronous video
// generation backend.
package backend

import "github.com/maauso/reelforge/internal/tier"

// Status is the normalized state of a backend job.
type Status string

// Normalized backend job statuses.
const (
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultNegativePrompt is sent when the caller does not provide one.
const DefaultNegativePrompt = "blurry, low quality, distorted, watermark, text artifacts"

// SubmitRequest contains the parameters of a generation job.
type SubmitRequest struct {
	Prompt string
	// SourceAsset is an optional reference image/video URL.
	SourceAsset    string
	Tier           tier.Tier
	NegativePrompt string
	// Seed of zero asks the client to pick a random seed.
	Seed int64
}

// StatusResult is the normalized answer of a status query.
type StatusResult struct {
	Status  Status
	Outputs []string
	// Error is the backend's failure message, verbatim.
	Error string
	// RawStatus is the status string as sent by the backend.
	RawStatus string
}

// generateRequest is the body of POST /generate.
type generateRequest struct {
	Prompt         string `json:"prompt"`
	SourceAsset    string `json:"source_asset,omitempty"`
	Tier           string `json:"tier"`
	NegativePrompt string `json:"negative_prompt"`
	Seed           int64  `json:"seed"`
	Duration       int    `json:"duration"`
	Resolution     string `json:"resolution"`
}
