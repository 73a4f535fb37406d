package rollup

import (
	"net/url"
	"strings"
)

// Dimension names for the dimensional cubes.
const (
	DimPage           = "page"
	DimReferrerDomain = "referrer_domain"
	DimUTMSource      = "utm_source"
	DimUTMCampaign    = "utm_campaign"
	DimCountry        = "country"
	DimRegion         = "region"
	DimCity           = "city"
	DimDevice         = "device"
	DimBrowser        = "browser"
	DimGoal           = "goal"
)

// Fallback values used when a dimension has no usable source value.
const (
	FallbackPage     = "/"
	FallbackReferrer = "direct"
	FallbackUTM      = "not set"
	FallbackUnknown  = "unknown"
)

// DimensionValue normalizes a raw value for the given dimension, substituting
// the dimension's fallback when the value is empty after trimming.
func DimensionValue(dimension, raw string) string {
	v := strings.TrimSpace(raw)
	switch dimension {
	case DimPage:
		if v == "" {
			return FallbackPage
		}
	case DimReferrerDomain:
		if v == "" {
			return FallbackReferrer
		}
	case DimUTMSource, DimUTMCampaign:
		if v == "" {
			return FallbackUTM
		}
	default:
		if v == "" {
			return FallbackUnknown
		}
	}
	return v
}

// ReferrerDomain extracts the hostname of a normalized referrer URL. Empty
// input or an unparseable referrer maps to the direct fallback at rollup
// time, not here.
func ReferrerDomain(referrer string) string {
	if referrer == "" {
		return ""
	}
	u, err := url.Parse(referrer)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
