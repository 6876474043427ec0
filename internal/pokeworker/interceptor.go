package pokeworker

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Outcome describes where a response came from.
type Outcome string

const (
	OutcomeHit         Outcome = "hit"
	OutcomeMiss        Outcome = "miss"
	OutcomeNetwork     Outcome = "network"
	OutcomeFallback    Outcome = "fallback"
	OutcomeOfflineMiss Outcome = "offline-miss"
	OutcomeBypass      Outcome = "bypass"
	OutcomeBadGateway  Outcome = "bad-gateway"
)

// Interceptor answers intercepted requests from the cache or the network.
type Interceptor struct {
	cache    *Cache
	fetcher  Fetcher
	router   Router
	storeLog *rateLimitedLogger
}

// NewInterceptor returns an interceptor over one cache generation.
func NewInterceptor(cache *Cache, fetcher Fetcher, router Router) *Interceptor {
	return &Interceptor{
		cache:    cache,
		fetcher:  fetcher,
		router:   router,
		storeLog: newRateLimitedLogger(time.Minute),
	}
}

// Handle answers ev.Request. ev.Request.URL must be absolute. Cache writes
// are registered on ev and may still be pending when Handle returns.
func (i *Interceptor) Handle(ev *FetchEvent) (*http.Response, Outcome, error) {
	req := ev.Request
	if req.Method != http.MethodGet {
		resp, err := i.fetch(req)
		if err != nil {
			return nil, OutcomeBadGateway, err
		}
		return resp, OutcomeBypass, nil
	}

	switch i.router.Route(req) {
	case StrategyNetworkFirst:
		return i.networkFirst(ev)
	default:
		return i.cacheFirst(ev)
	}
}

func (i *Interceptor) cacheFirst(ev *FetchEvent) (*http.Response, Outcome, error) {
	req := ev.Request
	key := requestKey(req)
	logger := log.WithFields(log.Fields{"url": req.URL.String(), "strategy": StrategyCacheFirst})

	ent, ok, err := i.cache.Match(key)
	if err != nil {
		i.storeLog.Warn(log.Fields{"generation": i.cache.Name(), "error": err}, "cache lookup failed")
	}
	if ok {
		logger.Debug("served from cache")
		return ent.Response(req), OutcomeHit, nil
	}

	resp, err := i.fetch(req)
	if err != nil {
		logger.WithError(err).Error("fetch failed")
		return nil, OutcomeBadGateway, err
	}
	ent, err = readEntry(resp)
	if err != nil {
		logger.WithError(err).Error("fetch failed")
		return nil, OutcomeBadGateway, err
	}
	i.storeLater(ev, key, ent)
	return ent.Response(req), OutcomeMiss, nil
}

func (i *Interceptor) networkFirst(ev *FetchEvent) (*http.Response, Outcome, error) {
	req := ev.Request
	key := requestKey(req)
	logger := log.WithFields(log.Fields{"url": req.URL.String(), "strategy": StrategyNetworkFirst})

	resp, err := i.fetch(req)
	if err == nil {
		var ent Entry
		ent, err = readEntry(resp)
		if err == nil {
			i.storeLater(ev, key, ent)
			return ent.Response(req), OutcomeNetwork, nil
		}
	}
	logger.WithError(err).Debug("network unavailable, falling back to cache")

	ent, ok, lookupErr := i.cache.Match(key)
	if lookupErr != nil {
		i.storeLog.Warn(log.Fields{"generation": i.cache.Name(), "error": lookupErr}, "cache lookup failed")
	}
	if !ok {
		return nil, OutcomeOfflineMiss, errors.Wrapf(ErrEntryNotFound, "%s", req.URL)
	}
	return ent.Response(req), OutcomeFallback, nil
}

// storeLater registers the cache write on the event. Storage failures are
// logged and never reject the event.
func (i *Interceptor) storeLater(ev *FetchEvent, key string, ent Entry) {
	if !ent.ok() {
		return
	}
	ev.WaitUntil(func(context.Context) error {
		if err := i.cache.Put(key, ent); err != nil {
			fields := log.Fields{"generation": i.cache.Name(), "request": key, "error": err}
			if isQuotaError(err) {
				i.storeLog.Warn(fields, "cache quota exceeded, response not stored")
			} else {
				i.storeLog.Warn(fields, "cache write failed")
			}
		}
		return nil
	})
}

func (i *Interceptor) fetch(in *http.Request) (*http.Response, error) {
	out, err := http.NewRequestWithContext(in.Context(), in.Method, in.URL.String(), in.Body)
	if err != nil {
		return nil, errors.Wrap(err, "build network request")
	}
	copyHeaders(out.Header, in.Header)
	resp, err := i.fetcher.Do(out)
	if err != nil {
		return nil, errors.Wrapf(err, "network request %s", in.URL)
	}
	return resp, nil
}
