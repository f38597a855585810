// Package tier holds the static quality tier table used to size generation
// requests and to validate the artifacts they produce.
package tier

import (
	"strings"
	"time"
)

// Tier is a named quality/speed profile.
type Tier string

// Supported tiers.
const (
	Fast     Tier = "fast"
	Balanced Tier = "balanced"
	Quality  Tier = "quality"
	TextOnly Tier = "text-only"
)

// Default is substituted for unknown tier names.
const Default = Balanced

// Config describes what a tier asks of the backend and what a valid artifact
// for it looks like.
type Config struct {
	// TargetDuration is the clip length requested from the backend.
	TargetDuration time.Duration
	// Resolution is the output resolution label sent to the backend.
	Resolution string
	// MinArtifactBytes is the smallest artifact accepted as a real video.
	MinArtifactBytes int64
	// DownloadTimeout is the baseline timeout for a single artifact download.
	DownloadTimeout time.Duration
}

const kib = 1024

var table = map[Tier]Config{
	Fast: {
		TargetDuration:   5 * time.Second,
		Resolution:       "480p",
		MinArtifactBytes: 100 * kib,
		DownloadTimeout:  60 * time.Second,
	},
	Balanced: {
		TargetDuration:   5 * time.Second,
		Resolution:       "720p",
		MinArtifactBytes: 250 * kib,
		DownloadTimeout:  120 * time.Second,
	},
	Quality: {
		TargetDuration:   10 * time.Second,
		Resolution:       "1080p",
		MinArtifactBytes: 500 * kib,
		DownloadTimeout:  180 * time.Second,
	},
	TextOnly: {
		TargetDuration:   5 * time.Second,
		Resolution:       "720p",
		MinArtifactBytes: 150 * kib,
		DownloadTimeout:  90 * time.Second,
	},
}

// All returns every known tier, fastest first.
func All() []Tier {
	return []Tier{Fast, Balanced, Quality, TextOnly}
}

// IsValid reports whether t has an entry in the table.
func (t Tier) IsValid() bool {
	_, ok := table[t]
	return ok
}

// Config returns the table entry for t, falling back to the default tier.
func (t Tier) Config() Config {
	if c, ok := table[t]; ok {
		return c
	}
	return table[Default]
}

// Resolve parses a tier name. Unknown or empty names resolve to Default and
// substituted is reported true so callers can log the rewrite.
func Resolve(name string) (t Tier, substituted bool) {
	t = Tier(strings.ToLower(strings.TrimSpace(name)))
	switch t {
	case "text_only", "textonly", "text":
		t = TextOnly
	}
	if t.IsValid() {
		return t, false
	}
	return Default, true
}
