package pokeworker

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeNetwork answers every request in process and counts calls per URL.
type fakeNetwork struct {
	mu      sync.Mutex
	calls   map[string]int
	offline bool
	version int
	status  map[string]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{calls: map[string]int{}, status: map[string]int{}, version: 1}
}

func (n *fakeNetwork) Do(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls[req.URL.String()]++
	offline := n.offline
	version := n.version
	status, ok := n.status[req.URL.String()]
	n.mu.Unlock()

	if offline {
		return nil, errors.New("network unreachable")
	}
	if !ok {
		status = http.StatusOK
	}
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/plain")
	rec.WriteHeader(status)
	fmt.Fprintf(rec, "v%d %s", version, req.URL.String())
	return rec.Result(), nil
}

func (n *fakeNetwork) Calls(u string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[u]
}

func (n *fakeNetwork) SetOffline(v bool) {
	n.mu.Lock()
	n.offline = v
	n.mu.Unlock()
}

func (n *fakeNetwork) Bump() {
	n.mu.Lock()
	n.version++
	n.mu.Unlock()
}

func (n *fakeNetwork) SetStatus(u string, code int) {
	n.mu.Lock()
	n.status[u] = code
	n.mu.Unlock()
}

func newTestStorage(t *testing.T) *LevelStorage {
	t.Helper()
	st, err := NewMemStorage(0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}
