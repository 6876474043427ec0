package pokeworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoActiveWorker is returned by Client when no active worker answers.
var ErrNoActiveWorker = errors.New("no active worker")

// Item is the catalog item a foreground notification is about.
type Item struct {
	Name string
	// Artwork is preferred as icon; Sprite is used when it is empty.
	Artwork string
	Sprite  string
}

// NewMessage builds the message the foreground posts for item.
func NewMessage(item Item, kind IntentKind) Message {
	body := fmt.Sprintf("You consulted %s!", item.Name)
	if kind == KindCapture {
		body = fmt.Sprintf("You just captured %s!", item.Name)
	}
	icon := item.Artwork
	if icon == "" {
		icon = item.Sprite
	}
	return Message{
		Type:    kind.MessageType(),
		Pokemon: &Subject{Name: item.Name, Icon: icon, Body: body},
	}
}

// Client is the foreground side of the message channel.
type Client struct {
	BaseURL    string
	Permission Permission
	HTTP       Fetcher
}

func (c *Client) httpClient() Fetcher {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

// Notify asks the worker to show a notification about item. It checks the
// preconditions first and reports ErrNotificationsUnavailable or
// ErrNoActiveWorker instead of dropping the request silently.
func (c *Client) Notify(ctx context.Context, item Item, kind IntentKind) error {
	if c.Permission != PermissionGranted {
		return errors.Wrapf(ErrNotificationsUnavailable, "permission %q", c.Permission)
	}
	st, err := c.Status(ctx)
	if err != nil {
		return errors.Wrap(ErrNoActiveWorker, err.Error())
	}
	if st.State != StateActive {
		return errors.Wrapf(ErrNoActiveWorker, "worker is %s", st.State)
	}

	b, err := json.Marshal(NewMessage(item, kind))
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/_worker/messages"), bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "build message request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return errors.Wrap(ErrNoActiveWorker, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return ErrNotificationsUnavailable
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return errors.Errorf("worker answered %d", resp.StatusCode)
	}
	return nil
}

// Status fetches the worker status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/_worker/status"), nil)
	if err != nil {
		return Status{}, errors.Wrap(err, "build status request")
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Status{}, errors.Wrap(err, "worker status")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, errors.Errorf("worker status answered %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, errors.Wrap(err, "decode worker status")
	}
	return st, nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}
