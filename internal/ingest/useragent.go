package ingest

import "strings"

// UAInfo is the coarse device classification the rollup dimensions use.
type UAInfo struct {
	Device  string // mobile | desktop
	Browser string // chrome | edge | safari | firefox | opera | unknown
	OS      string // windows | macos | android | ios | linux | unknown
}

// ParseUserAgent classifies a User-Agent string. Browser detection order
// matters: Edge ships a Chrome token, Chrome ships a Safari token, so the
// checks go edge, chrome, safari, firefox, opera.
func ParseUserAgent(ua string) UAInfo {
	lower := strings.ToLower(ua)
	info := UAInfo{Device: "desktop", Browser: "unknown", OS: "unknown"}

	if strings.Contains(lower, "mobile") || strings.Contains(lower, "android") ||
		strings.Contains(lower, "iphone") || strings.Contains(lower, "ipad") {
		info.Device = "mobile"
	}

	switch {
	case strings.Contains(lower, "edg"):
		info.Browser = "edge"
	case strings.Contains(lower, "chrome") || strings.Contains(lower, "crios"):
		info.Browser = "chrome"
	case strings.Contains(lower, "safari"):
		info.Browser = "safari"
	case strings.Contains(lower, "firefox") || strings.Contains(lower, "fxios"):
		info.Browser = "firefox"
	case strings.Contains(lower, "opera") || strings.Contains(lower, "opr/"):
		info.Browser = "opera"
	}

	switch {
	case strings.Contains(lower, "windows"):
		info.OS = "windows"
	case strings.Contains(lower, "android"):
		info.OS = "android"
	case strings.Contains(lower, "iphone") || strings.Contains(lower, "ipad") ||
		strings.Contains(lower, "ios"):
		info.OS = "ios"
	case strings.Contains(lower, "mac os") || strings.Contains(lower, "macintosh"):
		info.OS = "macos"
	case strings.Contains(lower, "linux"):
		info.OS = "linux"
	}

	return info
}
