package pokeworker

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shownNotification struct {
	Title string
	Opts  NotificationOptions
}

type recordingNotifier struct {
	mu    sync.Mutex
	shown []shownNotification
	err   error
}

func (n *recordingNotifier) ShowNotification(_ context.Context, title string, opts NotificationOptions) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.shown = append(n.shown, shownNotification{Title: title, Opts: opts})
	return nil
}

func (n *recordingNotifier) Shown() []shownNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]shownNotification(nil), n.shown...)
}

func relayMessage(t *testing.T, r *Relay, data string) (RelayResult, error, error) {
	t.Helper()
	ev := &MessageEvent{ExtendableEvent: newExtendableEvent(context.Background()), Data: []byte(data)}
	res, err := r.Handle(ev)
	return res, err, ev.Wait()
}

func TestRelayRouting(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		title string
		tag   string
	}{
		{
			name:  "capture",
			data:  `{"type":"SHOW_CAPTURE_NOTIFICATION","pokemon":{"name":"pikachu","icon":"https://img/25.png","body":"You just captured pikachu!"}}`,
			title: "Pokémon captured!",
			tag:   "poke-capture",
		},
		{
			name:  "consult",
			data:  `{"type":"SHOW_CONSULT_NOTIFICATION","pokemon":{"name":"bulbasaur","icon":"https://img/1.png","body":"You consulted bulbasaur!"}}`,
			title: "Pokédex updated",
			tag:   "poke-consult",
		},
		{
			name:  "no type",
			data:  `{"pokemon":{"name":"bulbasaur","icon":"https://img/1.png","body":"hi"}}`,
			title: "Pokédex updated",
			tag:   "poke-consult",
		},
		{
			name:  "unknown type",
			data:  `{"type":"SOMETHING_ELSE","pokemon":{"name":"bulbasaur"}}`,
			title: "Pokédex updated",
			tag:   "poke-consult",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)
			n := &recordingNotifier{}
			res, err, settled := relayMessage(t, NewRelay(n, PermissionGranted), tc.data)
			require.NoError(t, err)
			require.NoError(t, settled)
			assert.Equal(RelayDisplayed, res)

			shown := n.Shown()
			require.Len(t, shown, 1)
			assert.Equal(tc.title, shown[0].Title)
			assert.Equal(tc.tag, shown[0].Opts.Tag)
			assert.Equal([]int{200, 100, 200}, shown[0].Opts.Vibrate)
		})
	}
}

func TestRelayCopiesSubject(t *testing.T) {
	assert := assert.New(t)
	n := &recordingNotifier{}
	_, err, settled := relayMessage(t, NewRelay(n, PermissionGranted),
		`{"type":"SHOW_CAPTURE_NOTIFICATION","pokemon":{"name":"eevee","icon":"https://img/133.png","body":"You just captured eevee!"}}`)
	require.NoError(t, err)
	require.NoError(t, settled)

	shown := n.Shown()
	require.Len(t, shown, 1)
	assert.Equal("You just captured eevee!", shown[0].Opts.Body)
	assert.Equal("https://img/133.png", shown[0].Opts.Icon)
}

func TestRelayIgnoresMessagesWithoutSubject(t *testing.T) {
	for _, data := range []string{
		`{"type":"SHOW_CAPTURE_NOTIFICATION"}`,
		`{"type":"SHOW_CONSULT_NOTIFICATION","pokemon":null}`,
		`{"pokemon":"pikachu"}`,
		`not json`,
		``,
	} {
		n := &recordingNotifier{}
		res, err, settled := relayMessage(t, NewRelay(n, PermissionGranted), data)
		assert.NoError(t, err, data)
		assert.NoError(t, settled, data)
		assert.Equal(t, RelayIgnored, res, data)
		assert.Empty(t, n.Shown(), data)
	}
}

func TestRelayUnavailable(t *testing.T) {
	assert := assert.New(t)
	msg := `{"pokemon":{"name":"mew"}}`

	n := &recordingNotifier{}
	res, err, _ := relayMessage(t, NewRelay(n, PermissionDenied), msg)
	assert.Equal(RelayUnavailable, res)
	assert.Equal(ErrNotificationsUnavailable, errors.Cause(err))
	assert.Empty(n.Shown())

	res, err, _ = relayMessage(t, NewRelay(nil, PermissionGranted), msg)
	assert.Equal(RelayUnavailable, res)
	assert.Equal(ErrNotificationsUnavailable, errors.Cause(err))
}

func TestRelayDisplayFailureRejectsEvent(t *testing.T) {
	n := &recordingNotifier{err: errors.New("display failed")}
	res, err, settled := relayMessage(t, NewRelay(n, PermissionGranted), `{"pokemon":{"name":"mew"}}`)
	assert.NoError(t, err)
	assert.Equal(t, RelayDisplayed, res)
	assert.EqualError(t, settled, "display failed")
}
