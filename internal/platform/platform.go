// Package platform maps source URLs to the social platforms the fetcher knows
// how to download from, and carries the per-platform access profile used by
// each extraction strategy.
package platform

import (
	"net/url"
	"strings"
)

// Platform identifies a supported source site.
type Platform string

// Known platforms.
const (
	Unsupported Platform = ""
	Facebook    Platform = "facebook"
	Instagram   Platform = "instagram"
	Twitter     Platform = "twitter"
	Reddit      Platform = "reddit"
	TikTok      Platform = "tiktok"
)

// String returns a display name.
func (p Platform) String() string {
	switch p {
	case Facebook:
		return "Facebook"
	case Instagram:
		return "Instagram"
	case Twitter:
		return "X/Twitter"
	case Reddit:
		return "Reddit"
	case TikTok:
		return "TikTok"
	default:
		return "Unsupported"
	}
}

// Browser is an impersonation profile for the primary HTTP client.
type Browser string

// Impersonation profiles.
const (
	MobileSafari  Browser = "mobile_safari"
	DesktopChrome Browser = "desktop_chrome"
)

// Profile is the access configuration for one platform.
type Profile struct {
	Platform Platform
	// Browser is the fingerprint presented by the primary strategy.
	Browser Browser
	// UserAgent overrides the impersonated client's default user agent.
	UserAgent string
	// Headers are sent by every strategy.
	Headers map[string]string
	// ExtractFromPage means the original URL is an HTML page and the media
	// URL must be located in it.
	ExtractFromPage bool
	// ExtractorImpersonate is the yt-dlp --impersonate target.
	ExtractorImpersonate string
	// MaxHeight caps the fallback extractor's resolution.
	MaxHeight int
	// DegradedMaxHeight caps the last-resort extractor's resolution.
	DegradedMaxHeight int
	// DegradedMaxFilesize caps the last-resort download size (yt-dlp syntax).
	DegradedMaxFilesize string
}

const (
	safariUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 " +
		"(KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
	chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
)

type domainEntry struct {
	domain   string
	platform Platform
}

// domains is matched in order against the URL host.
var domains = []domainEntry{
	{"facebook.com", Facebook},
	{"fb.watch", Facebook},
	{"fb.com", Facebook},
	{"instagram.com", Instagram},
	{"instagr.am", Instagram},
	{"twitter.com", Twitter},
	{"x.com", Twitter},
	{"reddit.com", Reddit},
	{"redd.it", Reddit},
	{"tiktok.com", TikTok},
}

var profiles = map[Platform]Profile{
	TikTok: {
		Platform:             TikTok,
		Browser:              MobileSafari,
		UserAgent:            safariUA,
		Headers:              map[string]string{"Referer": "https://www.tiktok.com/"},
		ExtractFromPage:      true,
		ExtractorImpersonate: "safari",
		MaxHeight:            1080,
		DegradedMaxHeight:    720,
		DegradedMaxFilesize:  "100M",
	},
	Instagram: {
		Platform:             Instagram,
		Browser:              MobileSafari,
		UserAgent:            safariUA,
		Headers:              map[string]string{"Referer": "https://www.instagram.com/"},
		ExtractorImpersonate: "safari",
		MaxHeight:            1080,
		DegradedMaxHeight:    720,
		DegradedMaxFilesize:  "100M",
	},
	Facebook: {
		Platform:             Facebook,
		Browser:              DesktopChrome,
		UserAgent:            chromeUA,
		Headers:              map[string]string{"Referer": "https://www.facebook.com/"},
		ExtractorImpersonate: "chrome",
		MaxHeight:            1080,
		DegradedMaxHeight:    480,
		DegradedMaxFilesize:  "80M",
	},
	Reddit: {
		Platform:             Reddit,
		Browser:              DesktopChrome,
		UserAgent:            chromeUA,
		Headers:              map[string]string{"Referer": "https://www.reddit.com/"},
		ExtractorImpersonate: "chrome",
		MaxHeight:            1080,
		DegradedMaxHeight:    480,
		DegradedMaxFilesize:  "80M",
	},
	Twitter: {
		Platform:             Twitter,
		Browser:              DesktopChrome,
		UserAgent:            chromeUA,
		Headers:              map[string]string{"Referer": "https://x.com/"},
		ExtractorImpersonate: "chrome",
		MaxHeight:            1080,
		DegradedMaxHeight:    720,
		DegradedMaxFilesize:  "100M",
	},
}

// Registry resolves URLs against the fixed platform table.
type Registry struct{}

// NewRegistry returns the registry for the built-in table.
func NewRegistry() *Registry {
	return &Registry{}
}

// Resolve returns the platform serving rawURL, or Unsupported. Hosts match a
// table domain exactly or as a subdomain, so vm.tiktok.com is TikTok while
// netflix.com is not X.
func (r *Registry) Resolve(rawURL string) Platform {
	host := hostOf(rawURL)
	if host == "" {
		return Unsupported
	}
	for _, e := range domains {
		if host == e.domain || strings.HasSuffix(host, "."+e.domain) {
			return e.platform
		}
	}
	return Unsupported
}

// Profile returns the access profile for p.
func (r *Registry) Profile(p Platform) (Profile, bool) {
	prof, ok := profiles[p]
	return prof, ok
}

func hostOf(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}
