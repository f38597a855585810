// Package media inspects downloaded video files.
package media

import (
	"context"
	"time"
)

// Prober reads metadata from a media file.
type Prober interface {
	// Duration returns the playback duration of the file at path.
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// Info is the subset of container and stream metadata the service reports.
type Info struct {
	Duration time.Duration
	Width    int
	Height   int
	Codec    string
}
