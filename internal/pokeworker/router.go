package pokeworker

import (
	"net/http"
	"strings"
)

// Strategy selects how a request is answered.
type Strategy string

const (
	// StrategyCacheFirst answers from the cache and only goes to the network on a miss.
	StrategyCacheFirst Strategy = "cache-first"
	// StrategyNetworkFirst goes to the network and falls back to the cache when it fails.
	StrategyNetworkFirst Strategy = "network-first"
)

// Router picks the strategy for a request.
type Router interface {
	Route(r *http.Request) Strategy
}

type hostMatcher struct{ Host string }

func (m hostMatcher) Match(host string) bool {
	return host == m.Host || strings.HasSuffix(host, "."+m.Host)
}

// HostRouter sends requests for the listed hosts (and their subdomains)
// network-first and everything else cache-first.
type HostRouter struct {
	networkFirst []hostMatcher
}

// NewHostRouter builds a router from a host allowlist.
func NewHostRouter(networkFirstHosts []string) *HostRouter {
	r := &HostRouter{}
	for _, h := range networkFirstHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		r.networkFirst = append(r.networkFirst, hostMatcher{Host: h})
	}
	return r
}

func (r *HostRouter) Route(req *http.Request) Strategy {
	host := strings.ToLower(req.URL.Hostname())
	for _, m := range r.networkFirst {
		if m.Match(host) {
			return StrategyNetworkFirst
		}
	}
	return StrategyCacheFirst
}
