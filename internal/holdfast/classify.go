package holdfast

import (
	"net/http"
	"net/url"
	"strings"
)

// Decision is how an intercepted request is handled.
type Decision int

const (
	// DecisionPassThrough forwards the request without caching or queueing.
	DecisionPassThrough Decision = iota
	// DecisionCacheFirst serves a cached copy if present and refreshes it in
	// the background, otherwise fetches and populates.
	DecisionCacheFirst
	// DecisionNetworkFirst fetches live and falls back to the cache.
	DecisionNetworkFirst
	// DecisionQueueOnFailure sends the mutation live and queues it for
	// replay if the network is unavailable.
	DecisionQueueOnFailure
)

func (d Decision) String() string {
	switch d {
	case DecisionPassThrough:
		return "pass-through"
	case DecisionCacheFirst:
		return "cache-first"
	case DecisionNetworkFirst:
		return "network-first"
	case DecisionQueueOnFailure:
		return "queue-on-failure"
	}
	return "unknown"
}

type RequestInfo struct {
	Method string
	// URL is either relative (same origin) or absolute.
	URL *url.URL
}

// Classify has no side effects.
func Classify(req RequestInfo, self *url.URL, rules []Rule) Decision {
	if !sameOrigin(req.URL, self) {
		return DecisionPassThrough
	}
	if !isRead(req.Method) {
		return DecisionQueueOnFailure
	}
	path := "/"
	if req.URL != nil && req.URL.Path != "" {
		path = req.URL.Path
	}
	if r := pickRule(rules, path); r != nil {
		return r.decision
	}
	return DecisionCacheFirst
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func pickRule(rules []Rule, path string) *Rule {
	for i := range rules {
		r := &rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

func sameOrigin(u, self *url.URL) bool {
	if u == nil || u.Host == "" {
		return true
	}
	if self == nil {
		return false
	}
	if !strings.EqualFold(u.Scheme, self.Scheme) {
		return false
	}
	return strings.EqualFold(hostPort(u), hostPort(self))
}

func hostPort(u *url.URL) string {
	host, port := u.Hostname(), u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return host + ":" + port
}
