package fetcher

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/maauso/reelforge/internal/apperr"
	"github.com/maauso/reelforge/internal/platform"
)

// Reason is the classified cause of a failed fetch attempt.
type Reason string

// Failure reasons.
const (
	ReasonUnavailable           Reason = "unavailable"
	ReasonPrivate               Reason = "private"
	ReasonAgeRestricted         Reason = "age_restricted"
	ReasonGeoBlocked            Reason = "geo_blocked"
	ReasonUnsupportedURL        Reason = "unsupported_url"
	ReasonLoginRequired         Reason = "login_required"
	ReasonAccessDenied          Reason = "access_denied"
	ReasonImpersonationRejected Reason = "impersonation_rejected"
	ReasonNotVideo              Reason = "not_video"
	ReasonTooSmall              Reason = "too_small"
	ReasonTooLarge              Reason = "too_large"
	ReasonNetwork               Reason = "network"
	ReasonUnknown               Reason = "unknown"
)

// specificity ranks reasons; the most specific failure is reported when
// every strategy fails.
var specificity = map[Reason]int{
	ReasonUnknown:               0,
	ReasonNetwork:               1,
	ReasonAccessDenied:          2,
	ReasonImpersonationRejected: 2,
	ReasonNotVideo:              3,
	ReasonTooSmall:              3,
	ReasonTooLarge:              3,
	ReasonUnavailable:           4,
	ReasonUnsupportedURL:        4,
	ReasonLoginRequired:         5,
	ReasonGeoBlocked:            6,
	ReasonAgeRestricted:         6,
	ReasonPrivate:               6,
}

var describe = map[Reason]string{
	ReasonUnavailable:           "the video is unavailable or was removed",
	ReasonPrivate:               "the video is private",
	ReasonAgeRestricted:         "the video is age-restricted",
	ReasonGeoBlocked:            "the video is not available in this region",
	ReasonUnsupportedURL:        "this link does not point to a downloadable video",
	ReasonLoginRequired:         "the platform requires a login to view this video",
	ReasonAccessDenied:          "the platform refused access",
	ReasonImpersonationRejected: "the platform rejected the browser profile",
	ReasonNotVideo:              "the link did not return a video",
	ReasonTooSmall:              "the downloaded file is too small to be a video",
	ReasonTooLarge:              "the video exceeds the download size limit",
	ReasonNetwork:               "the platform could not be reached",
	ReasonUnknown:               "the download failed",
}

// Error is a failed fetch attempt.
type Error struct {
	Platform platform.Platform
	Method   Method
	Reason   Reason
	URL      string
	// Detail is the tool or HTTP message the reason was derived from.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetcher: %s %s: %s", e.Platform, e.Method, e.Reason)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind maps the reason onto the shared error taxonomy.
func (e *Error) Kind() apperr.Kind {
	switch e.Reason {
	case ReasonUnsupportedURL:
		return apperr.KindUnsupportedPlatform
	case ReasonNetwork:
		return apperr.KindTransient
	default:
		return apperr.KindPlatformAccess
	}
}

// Is lets the apperr sentinels match by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*apperr.Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind() && t.Op == "" && t.Message == "" && t.Err == nil
}

// UserMessage renders the failure for end users.
func (e *Error) UserMessage() string {
	desc, ok := describe[e.Reason]
	if !ok {
		desc = describe[ReasonUnknown]
	}
	msg := fmt.Sprintf("Could not download from %s: %s", e.Platform, desc)
	if e.URL != "" {
		msg += " [" + e.URL + "]"
	}
	return msg
}

// accessRejected reports whether err is a rejection of the client itself
// rather than of the content.
func accessRejected(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Reason == ReasonAccessDenied || fe.Reason == ReasonImpersonationRejected
}

// mostSpecific returns the highest ranked error; later errors win ties.
func mostSpecific(errs []*Error) *Error {
	var best *Error
	for _, e := range errs {
		if best == nil || specificity[e.Reason] >= specificity[best.Reason] {
			best = e
		}
	}
	return best
}

type rule struct {
	reason  Reason
	pattern *regexp.Regexp
}

// rules are checked in order against extractor output.
var rules = []rule{
	{ReasonPrivate, regexp.MustCompile(`(?i)private (video|account|post)|this (video|post|account) is private|video is private`)},
	{ReasonAgeRestricted, regexp.MustCompile(`(?i)age[- ]restrict|confirm your age|inappropriate for some users|18\+`)},
	{ReasonGeoBlocked, regexp.MustCompile(`(?i)available in your (country|region)|geo[- ]?restrict|geo[- ]?block`)},
	{ReasonUnsupportedURL, regexp.MustCompile(`(?i)unsupported url`)},
	{ReasonLoginRequired, regexp.MustCompile(`(?i)login required|log ?in to|sign in to|requires? (a )?login|use --cookies|cookies.*(needed|required)|authentication`)},
	{ReasonImpersonationRejected, regexp.MustCompile(`(?i)impersonat|cloudflare|captcha|challenge`)},
	{ReasonAccessDenied, regexp.MustCompile(`(?i)http error 40[13]|forbidden|access denied|blocked|rate[- ]limit|too many requests|http error 429`)},
	{ReasonUnavailable, regexp.MustCompile(`(?i)video unavailable|no longer available|has been removed|does not exist|http error 404|http error 410|not found|no video (could be )?found|no video formats found|content is not available`)},
	{ReasonNetwork, regexp.MustCompile(`(?i)timed out|connection (reset|refused)|temporary failure in name resolution|network is unreachable|unable to download webpage|eof occurred`)},
}

// classifyText derives a reason from a tool's error output.
func classifyText(text string) Reason {
	for _, r := range rules {
		if r.pattern.MatchString(text) {
			return r.reason
		}
	}
	return ReasonUnknown
}

// classifyStatus derives a reason from an HTTP status code.
func classifyStatus(code int) Reason {
	switch {
	case code == 401 || code == 403:
		return ReasonImpersonationRejected
	case code == 404 || code == 410:
		return ReasonUnavailable
	case code == 429:
		return ReasonAccessDenied
	case code == 451:
		return ReasonGeoBlocked
	case code >= 500:
		return ReasonNetwork
	default:
		return ReasonUnknown
	}
}

// lastErrorLine returns the last "ERROR:" line of tool output, or its last
// non-empty line.
func lastErrorLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	last := ""
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		if l == "" {
			continue
		}
		if strings.HasPrefix(l, "ERROR:") {
			return l
		}
		if last == "" {
			last = l
		}
	}
	return last
}
