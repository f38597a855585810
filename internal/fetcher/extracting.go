package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/maauso/reelforge/internal/media"
)

// ExtractingOption configures an extractor-backed strategy.
type ExtractingOption func(*Extracting)

// WithExtractingProber sets the prober used when the tool reports no duration.
func WithExtractingProber(pr media.Prober) ExtractingOption {
	return func(e *Extracting) {
		e.prober = pr
	}
}

// WithExtractingLogger sets the logger.
func WithExtractingLogger(l *slog.Logger) ExtractingOption {
	return func(e *Extracting) {
		e.logger = l
	}
}

// Extracting downloads through the media extraction tool. The fallback
// flavour impersonates a browser at full resolution; the degraded flavour
// only runs after an access rejection and trades quality for getting through.
type Extracting struct {
	method    Method
	extractor Extractor
	store     Store
	prober    media.Prober
	logger    *slog.Logger
}

// NewFallback creates the impersonating extractor strategy.
func NewFallback(extractor Extractor, store Store, opts ...ExtractingOption) *Extracting {
	return newExtracting(MethodFallback, extractor, store, opts)
}

// NewDegraded creates the last-resort extractor strategy.
func NewDegraded(extractor Extractor, store Store, opts ...ExtractingOption) *Extracting {
	return newExtracting(MethodDegraded, extractor, store, opts)
}

func newExtracting(m Method, extractor Extractor, store Store, opts []ExtractingOption) *Extracting {
	e := &Extracting{
		method:    m,
		extractor: extractor,
		store:     store,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Method implements Strategy.
func (e *Extracting) Method() Method { return e.method }

// Applies implements Strategy.
func (e *Extracting) Applies(_ Target, prior error) bool {
	if e.method == MethodDegraded {
		return accessRejected(prior)
	}
	return true
}

// Fetch implements Strategy.
func (e *Extracting) Fetch(ctx context.Context, t Target) (*Result, error) {
	dir, err := e.store.TempWorkDir(ctx, "fetch")
	if err != nil {
		return nil, e.fail(t, ReasonUnknown, "create work dir", err)
	}
	defer e.cleanup(ctx, dir)

	out, err := e.extractor.Extract(ctx, e.request(t, dir))
	if err != nil {
		text := out.Stderr + "\n" + err.Error()
		detail := lastErrorLine(out.Stderr)
		if detail == "" {
			detail = err.Error()
		}
		return nil, e.fail(t, classifyText(text), detail, err)
	}

	printed, ok := parsePrinted(out.Stdout)
	if !ok {
		return nil, e.fail(t, ReasonUnknown, "extractor reported no output file", nil)
	}
	st, err := os.Stat(printed.Path)
	if err != nil {
		return nil, e.fail(t, ReasonUnknown, "stat output file", err)
	}
	if st.Size() < MinVideoBytes {
		return nil, e.fail(t, ReasonTooSmall, fmt.Sprintf("%d bytes", st.Size()), nil)
	}

	path, err := e.store.ImportArtifact(ctx, printed.Path, string(t.Profile.Platform))
	if err != nil {
		return nil, e.fail(t, ReasonUnknown, "import artifact", err)
	}

	d := printed.Duration
	if d == 0 {
		d = probeDuration(ctx, e.prober, path, e.logger)
	}
	return &Result{
		Path:     path,
		Title:    printed.Title,
		Duration: d,
		Size:     st.Size(),
	}, nil
}

// cleanup removes the work dir even when ctx is already cancelled.
func (e *Extracting) cleanup(ctx context.Context, dir string) {
	if err := e.store.CleanupTemp(context.WithoutCancel(ctx), []string{dir}); err != nil {
		e.logger.Warn("failed to remove work dir", slog.String("dir", dir), slog.String("error", err.Error()))
	}
}

func (e *Extracting) request(t Target, dir string) ExtractRequest {
	p := t.Profile
	headers := make(map[string]string, len(p.Headers)+1)
	for k, v := range p.Headers {
		headers[k] = v
	}

	r := ExtractRequest{
		URL:            t.URL,
		OutputTemplate: filepath.Join(dir, "%(id)s.%(ext)s"),
		Headers:        headers,
	}
	if e.method == MethodDegraded {
		r.Format = fmt.Sprintf("b[height<=%d]/b", p.DegradedMaxHeight)
		r.MaxFilesize = p.DegradedMaxFilesize
		return r
	}

	if p.UserAgent != "" {
		headers["User-Agent"] = p.UserAgent
	}
	r.Format = fmt.Sprintf("bv*[height<=%[1]d]+ba/b[height<=%[1]d]/b", p.MaxHeight)
	r.MergeFormat = "mp4"
	r.Impersonate = p.ExtractorImpersonate
	return r
}

func (e *Extracting) fail(t Target, r Reason, detail string, err error) *Error {
	return &Error{
		Platform: t.Profile.Platform,
		Method:   e.method,
		Reason:   r,
		URL:      t.URL,
		Detail:   detail,
		Err:      err,
	}
}
