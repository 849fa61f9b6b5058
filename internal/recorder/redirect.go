package recorder

import (
	"net/url"
	"strings"

	"github.com/joaohenggeler/wanderer-go/internal/proxybridge"
)

// WasRedirected implements §4.9.2's redirection heuristic: a capture is
// "redirected" unless the browser's current URL is still a snapshot URL
// whose timestamp, modifier, and target (host and path, compared
// case-insensitively and after percent-unquoting) all match what was
// requested, and the browser itself reported no redirects.
func WasRedirected(requestedTimestamp, requestedModifier, requestedURL, currentURL string, browserRedirectCount int) bool {
	u, err := url.Parse(currentURL)
	if err != nil {
		return true
	}

	timestamp, modifier, target, ok := proxybridge.ParseSnapshotPath(u.Path)
	if !ok {
		return true
	}

	if browserRedirectCount > 0 || modifier != requestedModifier || timestamp != requestedTimestamp {
		return true
	}

	return !sameTarget(requestedURL, target)
}

// sameTarget compares two target URLs the way §4.9.2 requires: host and
// path case-insensitively, after percent-unquoting both.
func sameTarget(a, b string) bool {
	ua, errA := url.Parse(unquotePath(a))
	ub, errB := url.Parse(unquotePath(b))
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return strings.EqualFold(ua.Hostname(), ub.Hostname()) && strings.EqualFold(ua.EscapedPath(), ub.EscapedPath())
}

func unquotePath(raw string) string {
	unescaped, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	return unescaped
}
