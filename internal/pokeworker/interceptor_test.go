package pokeworker

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	shellURL   = "http://localhost:3000/index.html"
	catalogURL = "https://pokeapi.co/api/v2/pokemon?limit=24"
)

type interceptorFixture struct {
	cache       *Cache
	network     *fakeNetwork
	interceptor *Interceptor
}

func newInterceptorFixture(t *testing.T) *interceptorFixture {
	t.Helper()
	st := newTestStorage(t)
	c, err := st.Open("v1")
	require.NoError(t, err)
	network := newFakeNetwork()
	return &interceptorFixture{
		cache:       c,
		network:     network,
		interceptor: NewInterceptor(c, network, NewHostRouter([]string{"pokeapi.co"})),
	}
}

// handle dispatches one fetch event and waits for it to settle.
func (f *interceptorFixture) handle(t *testing.T, method, u string) (*http.Response, Outcome, error) {
	t.Helper()
	req, err := http.NewRequest(method, u, nil)
	require.NoError(t, err)
	ev := &FetchEvent{ExtendableEvent: newExtendableEvent(context.Background()), Request: req}
	resp, outcome, err := f.interceptor.Handle(ev)
	require.NoError(t, ev.Wait())
	return resp, outcome, err
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestCacheFirstServesStoredEntryWithoutNetwork(t *testing.T) {
	assert := assert.New(t)
	f := newInterceptorFixture(t)
	require.NoError(t, f.cache.Put(RequestKey(http.MethodGet, shellURL), Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/html"}},
		Body:   []byte("<html>stored</html>"),
	}))

	resp, outcome, err := f.handle(t, http.MethodGet, shellURL)
	require.NoError(t, err)
	assert.Equal(OutcomeHit, outcome)
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("text/html", resp.Header.Get("Content-Type"))
	assert.Equal("<html>stored</html>", readBody(t, resp))
	assert.Equal(0, f.network.Calls(shellURL))
}

func TestCacheFirstPopulatesOnMiss(t *testing.T) {
	assert := assert.New(t)
	f := newInterceptorFixture(t)

	resp, outcome, err := f.handle(t, http.MethodGet, shellURL)
	require.NoError(t, err)
	assert.Equal(OutcomeMiss, outcome)
	assert.Equal("v1 "+shellURL, readBody(t, resp))
	assert.Equal(1, f.network.Calls(shellURL))

	resp, outcome, err = f.handle(t, http.MethodGet, shellURL)
	require.NoError(t, err)
	assert.Equal(OutcomeHit, outcome)
	assert.Equal("v1 "+shellURL, readBody(t, resp))
	assert.Equal(1, f.network.Calls(shellURL))
}

func TestCacheFirstNetworkFailurePropagates(t *testing.T) {
	assert := assert.New(t)
	f := newInterceptorFixture(t)
	f.network.SetOffline(true)

	resp, outcome, err := f.handle(t, http.MethodGet, shellURL)
	assert.Error(err)
	assert.Nil(resp)
	assert.Equal(OutcomeBadGateway, outcome)
	assert.NotEqual(ErrEntryNotFound, errors.Cause(err))
}

func TestCacheFirstDoesNotStoreErrors(t *testing.T) {
	assert := assert.New(t)
	f := newInterceptorFixture(t)
	f.network.SetStatus(shellURL, http.StatusInternalServerError)

	resp, outcome, err := f.handle(t, http.MethodGet, shellURL)
	require.NoError(t, err)
	assert.Equal(OutcomeMiss, outcome)
	assert.Equal(http.StatusInternalServerError, resp.StatusCode)

	_, ok, err := f.cache.Match(RequestKey(http.MethodGet, shellURL))
	assert.NoError(err)
	assert.False(ok)
}

func TestNetworkFirstRefreshesCache(t *testing.T) {
	assert := assert.New(t)
	f := newInterceptorFixture(t)
	key := RequestKey(http.MethodGet, catalogURL)
	require.NoError(t, f.cache.Put(key, Entry{Status: http.StatusOK, Body: []byte("stale")}))

	resp, outcome, err := f.handle(t, http.MethodGet, catalogURL)
	require.NoError(t, err)
	assert.Equal(OutcomeNetwork, outcome)
	assert.Equal("v1 "+catalogURL, readBody(t, resp))

	f.network.Bump()
	resp, _, err = f.handle(t, http.MethodGet, catalogURL)
	require.NoError(t, err)
	assert.Equal("v2 "+catalogURL, readBody(t, resp))

	ent, ok, err := f.cache.Match(key)
	require.NoError(t, err)
	assert.True(ok)
	assert.Equal("v2 "+catalogURL, string(ent.Body))
	assert.Equal(2, f.network.Calls(catalogURL))
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	assert := assert.New(t)
	f := newInterceptorFixture(t)
	key := RequestKey(http.MethodGet, catalogURL)
	stored := Entry{Status: http.StatusOK, Header: http.Header{"Etag": {"abc"}}, Body: []byte(`{"results":[]}`)}
	require.NoError(t, f.cache.Put(key, stored))
	f.network.SetOffline(true)

	resp, outcome, err := f.handle(t, http.MethodGet, catalogURL)
	require.NoError(t, err)
	assert.Equal(OutcomeFallback, outcome)
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("abc", resp.Header.Get("Etag"))
	assert.Equal(`{"results":[]}`, readBody(t, resp))

	ent, ok, err := f.cache.Match(key)
	require.NoError(t, err)
	assert.True(ok)
	assert.Equal(stored.Body, ent.Body)
}

func TestNetworkFirstPassesErrorsWithoutStoring(t *testing.T) {
	assert := assert.New(t)
	f := newInterceptorFixture(t)
	key := RequestKey(http.MethodGet, catalogURL)
	require.NoError(t, f.cache.Put(key, Entry{Status: http.StatusOK, Body: []byte("good")}))
	f.network.SetStatus(catalogURL, http.StatusNotFound)

	resp, outcome, err := f.handle(t, http.MethodGet, catalogURL)
	require.NoError(t, err)
	assert.Equal(OutcomeNetwork, outcome)
	assert.Equal(http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	f.network.SetOffline(true)
	resp, outcome, err = f.handle(t, http.MethodGet, catalogURL)
	require.NoError(t, err)
	assert.Equal(OutcomeFallback, outcome)
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("good", readBody(t, resp))
}

func TestNetworkFirstOfflineMiss(t *testing.T) {
	assert := assert.New(t)
	f := newInterceptorFixture(t)
	f.network.SetOffline(true)

	resp, outcome, err := f.handle(t, http.MethodGet, catalogURL)
	assert.Nil(resp)
	assert.Equal(OutcomeOfflineMiss, outcome)
	assert.Equal(ErrEntryNotFound, errors.Cause(err))
}

func TestNonGetBypassesCache(t *testing.T) {
	assert := assert.New(t)
	f := newInterceptorFixture(t)

	resp, outcome, err := f.handle(t, http.MethodPost, shellURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(OutcomeBypass, outcome)

	keys, err := f.cache.Keys()
	assert.NoError(err)
	assert.Empty(keys)
}

func TestResponsesAreIndependentCopies(t *testing.T) {
	assert := assert.New(t)
	ent := Entry{Status: http.StatusOK, Body: []byte("body")}

	a := ent.Response(nil)
	b := ent.Response(nil)
	assert.Equal("body", readBody(t, a))
	assert.Equal("body", readBody(t, b))
	assert.Equal(int64(4), b.ContentLength)
}

func TestHostRouter(t *testing.T) {
	assert := assert.New(t)
	r := NewHostRouter([]string{"pokeapi.co", " "})

	for u, want := range map[string]Strategy{
		"https://pokeapi.co/api/v2/pokemon/1":     StrategyNetworkFirst,
		"https://beta.pokeapi.co/graphql":         StrategyNetworkFirst,
		"https://notpokeapi.co/":                  StrategyCacheFirst,
		"http://localhost:3000/index.html":        StrategyCacheFirst,
		"https://raw.githubusercontent.com/1.png": StrategyCacheFirst,
	} {
		req, err := http.NewRequest(http.MethodGet, u, nil)
		require.NoError(t, err)
		assert.Equal(want, r.Route(req), u)
	}
}
