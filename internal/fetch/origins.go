package fetch

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Route is the retrieval plan chosen for a URL.
type Route int

const (
	// RouteDirect fetches directly with no fallback.
	RouteDirect Route = iota
	// RouteDirectThenProxy fetches directly and falls back to the proxy on failure.
	RouteDirectThenProxy
	// RouteProxy goes straight to the proxy.
	RouteProxy
)

func (r Route) String() string {
	switch r {
	case RouteDirect:
		return "direct"
	case RouteDirectThenProxy:
		return "direct_then_proxy"
	case RouteProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// originRules classifies hosts by glob. Direct patterns win over proxy
// patterns when both match.
type originRules struct {
	direct []string
	proxy  []string
}

func newOriginRules(direct, proxy []string) *originRules {
	return &originRules{
		direct: lowerAll(direct),
		proxy:  lowerAll(proxy),
	}
}

func (o *originRules) classify(host string) Route {
	host = strings.ToLower(host)
	if matchAny(o.direct, host) {
		return RouteDirectThenProxy
	}
	if matchAny(o.proxy, host) {
		return RouteProxy
	}
	return RouteDirect
}

func matchAny(patterns []string, host string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, host); ok {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// MatchHost reports whether host matches any of the glob patterns.
func MatchHost(patterns []string, host string) bool {
	return matchAny(lowerAll(patterns), strings.ToLower(host))
}
