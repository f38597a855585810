package fetcher

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// printPrefix marks the line yt-dlp prints once the final file is in place.
const printPrefix = "reelforge"

const printTemplate = "after_move:" + printPrefix + "\t%(title)s\t%(duration)s\t%(ext)s\t%(filepath)s"

// ExtractRequest is one invocation of the media extraction tool.
type ExtractRequest struct {
	URL            string
	OutputTemplate string
	Format         string
	MergeFormat    string
	Impersonate    string
	MaxFilesize    string
	Headers        map[string]string
}

// ExtractOutput is the captured output of an invocation.
type ExtractOutput struct {
	Stdout string
	Stderr string
}

// Extractor runs the media extraction tool.
type Extractor interface {
	Extract(ctx context.Context, r ExtractRequest) (ExtractOutput, error)
}

// YtDlp runs yt-dlp through go-ytdlp.
type YtDlp struct {
	executable string
}

// NewYtDlp creates an Extractor. An empty executable resolves yt-dlp from PATH.
func NewYtDlp(executable string) *YtDlp {
	return &YtDlp{executable: executable}
}

// Extract implements Extractor.
func (y *YtDlp) Extract(ctx context.Context, r ExtractRequest) (ExtractOutput, error) {
	cmd := ytdlp.New().
		NoPlaylist().
		NoWarnings().
		ForceOverwrites().
		RestrictFilenames().
		Output(r.OutputTemplate).
		Print(printTemplate).
		NoSimulate()

	if y.executable != "" {
		cmd.SetExecutable(y.executable)
	}
	if r.Format != "" {
		cmd.Format(r.Format)
	}
	if r.MergeFormat != "" {
		cmd.MergeOutputFormat(r.MergeFormat)
	}
	if r.Impersonate != "" {
		cmd.Impersonate(r.Impersonate)
	}
	if r.MaxFilesize != "" {
		cmd.MaxFilesize(r.MaxFilesize)
	}
	for k, v := range r.Headers {
		cmd.AddHeaders(k + ":" + v)
	}

	res, err := cmd.Run(ctx, r.URL)
	var out ExtractOutput
	if res != nil {
		out.Stdout, out.Stderr = res.Stdout, res.Stderr
	}
	return out, err
}

// printedFile is the metadata yt-dlp reported for the downloaded file.
type printedFile struct {
	Title    string
	Duration time.Duration
	Ext      string
	Path     string
}

// parsePrinted returns the last marked line of stdout.
func parsePrinted(stdout string) (printedFile, bool) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], "\r")
		if !strings.HasPrefix(line, printPrefix+"\t") {
			continue
		}
		// Titles may contain tabs; restricted filenames never do.
		f := strings.Split(strings.TrimPrefix(line, printPrefix+"\t"), "\t")
		n := len(f)
		if n < 4 || f[n-1] == "" || f[n-1] == "NA" {
			return printedFile{}, false
		}
		pf := printedFile{Title: strings.Join(f[:n-3], "\t"), Ext: f[n-2], Path: f[n-1]}
		if pf.Title == "NA" {
			pf.Title = ""
		}
		if secs, err := strconv.ParseFloat(f[n-3], 64); err == nil && secs > 0 {
			pf.Duration = time.Duration(math.Round(secs*1000)) * time.Millisecond
		}
		return pf, true
	}
	return printedFile{}, false
}
