package ingest

import (
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ezlytics/ezlytics/internal/geoip"
)

const maxNormalizedPathLen = 2048

// Normalized is the canonicalized event context plus the clock
// reconciliation outcome.
type Normalized struct {
	Timestamp           int64
	UsedClientTimestamp bool
	ClockSkewMs         int64
	Context             map[string]any
}

// Normalize canonicalizes a validated payload. It is a pure function of the
// payload, the resolved geo, and the server clock.
func Normalize(a *Accepted, meta RequestMeta, geo geoip.Result, now time.Time) (*Normalized, *Reject) {
	p := a.Payload

	ts, usedClient, skew, rej := reconcileTimestamp(p, now)
	if rej != nil {
		return nil, rej
	}

	ua := ParseUserAgent(meta.UserAgent)

	ctx := map[string]any{
		"domain":   normalizeDomain(p.Domain),
		"path":     normalizePath(p.Path),
		"referrer": normalizeReferrer(p.Referrer),
		"device":   ua.Device,
		"browser":  ua.Browser,
		"os":       ua.OS,
		"bot":      a.Bot,
	}
	if geo.Country != "" {
		ctx["country"] = geo.Country
	}
	if geo.Region != "" {
		ctx["region"] = geo.Region
	}
	if geo.City != "" {
		ctx["city"] = geo.City
	}
	if geo.HasLatLon {
		ctx["lat"] = geo.Lat
		ctx["lon"] = geo.Lon
	}

	for k, v := range map[string]string{
		"utm_source":   p.UTMSource,
		"utm_medium":   p.UTMMedium,
		"utm_campaign": p.UTMCampaign,
		"utm_term":     p.UTMTerm,
		"utm_content":  p.UTMContent,
		"source":       p.Source,
		"via":          p.Via,
		"ref":          p.Ref,
	} {
		if t := normalizeTracking(v); t != "" {
			ctx[k] = t
		}
	}

	return &Normalized{
		Timestamp:           ts,
		UsedClientTimestamp: usedClient,
		ClockSkewMs:         skew,
		Context:             ctx,
	}, nil
}

// reconcileTimestamp applies the client-clock policy: reject beyond the
// backfill window, reject far-future, clamp small forward skews to the
// server clock.
func reconcileTimestamp(p *Payload, now time.Time) (ts int64, usedClient bool, skew int64, rej *Reject) {
	nowMs := now.UnixMilli()
	candidate, ok := p.ClientTimestamp()
	if !ok {
		return nowMs, false, 0, nil
	}
	skew = candidate - nowMs
	switch {
	case skew < -MaxBackfillMs:
		return 0, false, skew, reject(http.StatusBadRequest, "past",
			"timestamp is more than 24h in the past")
	case skew > MaxClientSkewMs:
		return 0, false, skew, reject(http.StatusBadRequest, "future",
			"timestamp is more than 5m in the future")
	case skew > 0:
		// Small forward skews collapse onto the server clock.
		return nowMs, false, skew, nil
	}
	return candidate, true, skew, nil
}

// normalizeDomain lowercases the hostname, tolerating scheme-less input.
func normalizeDomain(domain string) string {
	if domain == "" {
		return ""
	}
	d := domain
	if !strings.Contains(d, "://") {
		d = "https://" + d
	}
	u, err := url.Parse(d)
	if err != nil {
		return strings.ToLower(domain)
	}
	return strings.ToLower(u.Hostname())
}

// normalizePath keeps pathname plus query, clamped to 2048 chars.
func normalizePath(path string) string {
	if path == "" {
		return ""
	}
	u, err := url.Parse(path)
	if err != nil {
		return clamp(path, maxNormalizedPathLen)
	}
	out := u.EscapedPath()
	if out == "" {
		out = "/"
	}
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return clamp(out, maxNormalizedPathLen)
}

// normalizeReferrer reduces http(s) referrers to origin + pathname; other
// schemes pass through as-is.
func normalizeReferrer(ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return u.Scheme + "://" + u.Host + u.EscapedPath()
	}
	return u.String()
}

func normalizeTracking(v string) string {
	return clamp(strings.ToLower(strings.TrimSpace(v)), 255)
}

// clamp truncates s to at most n bytes without splitting a multi-byte rune.
func clamp(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
