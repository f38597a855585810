package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"regexp"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"github.com/maauso/reelforge/internal/artifact"
	"github.com/maauso/reelforge/internal/media"
	"github.com/maauso/reelforge/internal/platform"
)

// ClientFactory builds the HTTP client used for one platform profile.
type ClientFactory func(p platform.Profile) *req.Client

// ImpersonatingClient returns a client presenting the profile's browser
// fingerprint.
func ImpersonatingClient(timeout time.Duration) ClientFactory {
	return func(p platform.Profile) *req.Client {
		c := req.C().SetTimeout(timeout)
		switch p.Browser {
		case platform.MobileSafari:
			c.ImpersonateSafari()
		default:
			c.ImpersonateChrome()
		}
		if p.UserAgent != "" {
			c.SetUserAgent(p.UserAgent)
		}
		return c
	}
}

// mediaURLPatterns locate the video URL in a TikTok page's embedded state.
var mediaURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"playAddr"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`"downloadAddr"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`"contentUrl"\s*:\s*"([^"]+)"`),
}

var videoExtensions = map[string]string{
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
	"video/x-flv":     ".flv",
	"video/mp2t":      ".ts",
}

// PrimaryOption configures a Primary strategy.
type PrimaryOption func(*Primary)

// WithClientFactory replaces the impersonating client.
func WithClientFactory(f ClientFactory) PrimaryOption {
	return func(p *Primary) {
		p.newClient = f
	}
}

// WithPrimaryProber sets the duration prober.
func WithPrimaryProber(pr media.Prober) PrimaryOption {
	return func(p *Primary) {
		p.prober = pr
	}
}

// WithMaxBytes caps the size of a directly downloaded video.
func WithMaxBytes(n int64) PrimaryOption {
	return func(p *Primary) {
		if n > 0 {
			p.maxBytes = n
		}
	}
}

// WithPrimaryLogger sets the logger.
func WithPrimaryLogger(l *slog.Logger) PrimaryOption {
	return func(p *Primary) {
		p.logger = l
	}
}

// Primary downloads directly over HTTP while impersonating a browser.
type Primary struct {
	store     Store
	newClient ClientFactory
	prober    media.Prober
	logger    *slog.Logger
	maxBytes  int64
}

// NewPrimary creates the direct-download strategy.
func NewPrimary(store Store, opts ...PrimaryOption) *Primary {
	p := &Primary{
		store:     store,
		newClient: ImpersonatingClient(60 * time.Second),
		logger:    slog.Default(),
		maxBytes:  DefaultMaxVideoBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Method implements Strategy.
func (p *Primary) Method() Method { return MethodPrimary }

// Applies implements Strategy. The direct download is always worth a try.
func (p *Primary) Applies(Target, error) bool { return true }

// Fetch implements Strategy.
func (p *Primary) Fetch(ctx context.Context, t Target) (*Result, error) {
	// Bodies are read by readCapped rather than buffered whole by req.
	client := p.newClient(t.Profile).DisableAutoReadResponse()
	mediaURL := t.URL
	referer := t.Profile.Headers["Referer"]

	if t.Profile.ExtractFromPage {
		page, err := p.get(ctx, client, t, t.URL, referer)
		if err != nil {
			return nil, err
		}
		u, ok := extractMediaURL(page)
		if !ok {
			return nil, p.fail(t, ReasonNotVideo, "no media url in page", nil)
		}
		mediaURL, referer = u, t.URL
	}

	resp, err := p.request(ctx, client, t, mediaURL, referer)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength > p.maxBytes {
		_ = resp.Body.Close()
		return nil, p.fail(t, ReasonTooLarge, fmt.Sprintf("declared %d bytes, limit %d", resp.ContentLength, p.maxBytes), nil)
	}
	body, over, err := readCapped(resp, p.maxBytes)
	if err != nil {
		return nil, p.fail(t, ReasonNetwork, "read "+mediaURL, err)
	}
	if over {
		return nil, p.fail(t, ReasonTooLarge, fmt.Sprintf("more than %d bytes", p.maxBytes), nil)
	}

	ext, ok := videoExt(resp.GetContentType(), body)
	if !ok {
		return nil, p.fail(t, ReasonNotVideo, fmt.Sprintf("content type %q", resp.GetContentType()), nil)
	}
	if len(body) < MinVideoBytes {
		return nil, p.fail(t, ReasonTooSmall, fmt.Sprintf("%d bytes", len(body)), nil)
	}

	path, err := p.store.SaveArtifact(ctx, string(t.Profile.Platform), ext, bytes.NewReader(body))
	if err != nil {
		return nil, p.fail(t, ReasonUnknown, "save artifact", err)
	}
	return &Result{
		Path:     path,
		Size:     int64(len(body)),
		Duration: probeDuration(ctx, p.prober, path, p.logger),
	}, nil
}

func (p *Primary) get(ctx context.Context, client *req.Client, t Target, url, referer string) ([]byte, error) {
	resp, err := p.request(ctx, client, t, url, referer)
	if err != nil {
		return nil, err
	}
	page, over, err := readCapped(resp, maxPageBytes)
	if err != nil {
		return nil, p.fail(t, ReasonNetwork, "read "+url, err)
	}
	if over {
		return nil, p.fail(t, ReasonNotVideo, "page larger than the read limit", nil)
	}
	return page, nil
}

// readCapped reads at most limit bytes of the body and reports whether more
// were available.
func readCapped(resp *req.Response, limit int64) ([]byte, bool, error) {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return nil, true, nil
	}
	return body, false, nil
}

func (p *Primary) request(ctx context.Context, client *req.Client, t Target, url, referer string) (*req.Response, error) {
	r := client.R().SetContext(ctx).SetHeaders(t.Profile.Headers)
	if referer != "" {
		r.SetHeader("Referer", referer)
	}
	resp, err := r.Get(url)
	if err != nil {
		return nil, p.fail(t, ReasonNetwork, "request "+url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, p.fail(t, classifyStatus(resp.StatusCode), fmt.Sprintf("HTTP %d from %s", resp.StatusCode, url), nil)
	}
	return resp, nil
}

func (p *Primary) fail(t Target, r Reason, detail string, err error) *Error {
	return &Error{
		Platform: t.Profile.Platform,
		Method:   MethodPrimary,
		Reason:   r,
		URL:      t.URL,
		Detail:   detail,
		Err:      err,
	}
}

// extractMediaURL finds the first media URL in page, decoding JSON string
// escapes such as \u002F.
func extractMediaURL(page []byte) (string, bool) {
	for _, re := range mediaURLPatterns {
		m := re.FindSubmatch(page)
		if m == nil {
			continue
		}
		var u string
		if err := json.Unmarshal([]byte(`"`+string(m[1])+`"`), &u); err != nil {
			continue
		}
		if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
			return u, true
		}
	}
	return "", false
}

// videoExt decides whether a response is a video, trusting the content type
// first and the body's signature second.
func videoExt(contentType string, body []byte) (string, bool) {
	mt, _, _ := mime.ParseMediaType(contentType)
	if ext, ok := videoExtensions[mt]; ok {
		return ext, true
	}
	if c := artifact.Sniff(body); c != artifact.ContainerUnknown {
		return c.Ext(), true
	}
	if strings.HasPrefix(mt, "video/") {
		return ".mp4", true
	}
	return "", false
}
