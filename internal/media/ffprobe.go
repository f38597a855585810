package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Static errors for media operations.
var (
	// ErrNoDuration is returned when ffprobe reports no usable duration.
	ErrNoDuration = errors.New("media: no duration in probe output")
	// ErrEmptyPath is returned when no file path is given.
	ErrEmptyPath = errors.New("media: path is required")
)

// FFprobe implements Prober using the ffprobe CLI.
type FFprobe struct {
	// path is the path to the ffprobe binary. Defaults to "ffprobe".
	path string
}

// NewFFprobe creates a new FFprobe.
// If path is empty, it defaults to "ffprobe" (found via PATH).
func NewFFprobe(path string) *FFprobe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFprobe{path: path}
}

// Duration returns the duration of the media file.
func (p *FFprobe) Duration(ctx context.Context, path string) (time.Duration, error) {
	info, err := p.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return info.Duration, nil
}

// Probe returns duration and first video stream metadata.
func (p *FFprobe) Probe(ctx context.Context, path string) (Info, error) {
	if path == "" {
		return Info{}, ErrEmptyPath
	}

	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "format=duration:stream=codec_name,width,height",
		"-of", "json",
		path,
	}

	out, err := p.run(ctx, args)
	if err != nil {
		return Info{}, err
	}
	return parseProbe(out)
}

// run executes ffprobe and returns stdout, or a ProbeError carrying stderr.
func (p *FFprobe) run(ctx context.Context, args []string) ([]byte, error) {
	// #nosec G204 - binary path comes from configuration, not user input
	cmd := exec.CommandContext(ctx, p.path, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return nil, &ProbeError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

type probeOutput struct {
	Streams []struct {
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbe(out []byte) (Info, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return Info{}, fmt.Errorf("media: parse ffprobe output: %w", err)
	}

	secs, err := strconv.ParseFloat(strings.TrimSpace(po.Format.Duration), 64)
	if err != nil || secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return Info{}, ErrNoDuration
	}

	info := Info{Duration: time.Duration(secs * float64(time.Second))}
	if len(po.Streams) > 0 {
		info.Width = po.Streams[0].Width
		info.Height = po.Streams[0].Height
		info.Codec = po.Streams[0].CodecName
	}
	return info, nil
}

// ProbeError represents a failed ffprobe run, including its stderr output.
type ProbeError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("ffprobe error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}
