package ingest

import "strings"

// botSignatures are case-insensitive User-Agent substrings for crawlers,
// headless browsers, and common HTTP client libraries. A missing UA is not
// treated as a bot.
var botSignatures = []string{
	"bot", "crawler", "spider", "crawling",
	"googlebot", "bingbot", "yandexbot", "duckduckbot", "baiduspider",
	"slurp", "facebookexternalhit", "ia_archiver", "semrush", "ahrefs",
	"mj12bot", "dotbot", "petalbot", "applebot", "bytespider",
	"headlesschrome", "phantomjs", "puppeteer", "playwright", "selenium",
	"electron", "wkhtmltopdf", "prerender", "lighthouse", "pagespeed",
	"python-requests", "python-urllib", "aiohttp", "httpx", "scrapy",
	"go-http-client", "okhttp", "java/", "apache-httpclient", "libwww-perl",
	"curl/", "wget/", "axios", "node-fetch", "undici", "got (",
	"feedfetcher", "monitoring", "uptimerobot", "pingdom", "statuscake",
	"datadog", "newrelic",
}

// IsBotUserAgent reports whether the User-Agent matches a known automation
// signature.
func IsBotUserAgent(ua string) bool {
	if ua == "" {
		return false
	}
	lower := strings.ToLower(ua)
	for _, sig := range botSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
