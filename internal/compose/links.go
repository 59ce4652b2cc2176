package compose

import (
	"regexp"
	"strings"
)

var hrefPattern = regexp.MustCompile(`href=["']?(https?://[^"'\s>]+)`)

// ExtractLinks pulls the anchor targets out of a draft body, deduplicated in
// first-seen order. Links pointing at the tracking server itself are skipped
// so a re-registered draft never reports its own beacon.
func ExtractLinks(body, serverURL string) []string {
	serverURL = strings.TrimRight(serverURL, "/")
	seen := map[string]struct{}{}
	var links []string
	for _, match := range hrefPattern.FindAllStringSubmatch(body, -1) {
		link := match[1]
		if serverURL != "" && strings.HasPrefix(link, serverURL) {
			continue
		}
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}
	return links
}
