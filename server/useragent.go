package main

import (
	"regexp"
	"strings"
)

// automationUAPattern matches user agents of known non-browser tooling.
var automationUAPattern = regexp.MustCompile(`(?i)(bot|crawl|spider|scrape|curl|wget|python|java|go-http|okhttp|httpx|aiohttp|libwww|phantom|headless|selenium|puppeteer|playwright)`)

// allowedUserAgent reports whether the UA looks like a real browser.
// Anything empty, matching an automation pattern, or not starting with
// the universal Mozilla/5.0 prefix is rejected.
func allowedUserAgent(ua string) bool {
	if ua == "" {
		return false
	}
	if automationUAPattern.MatchString(ua) {
		return false
	}
	return strings.HasPrefix(ua, "Mozilla/5.0")
}
