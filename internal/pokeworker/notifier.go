package pokeworker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Notifier displays local notifications.
type Notifier interface {
	ShowNotification(ctx context.Context, title string, opts NotificationOptions) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct{}

func (LogNotifier) ShowNotification(_ context.Context, title string, opts NotificationOptions) error {
	log.WithFields(log.Fields{
		"tag":  opts.Tag,
		"body": opts.Body,
		"icon": opts.Icon,
	}).Info(title)
	return nil
}

// WebhookNotifier posts notifications as JSON to URL.
type WebhookNotifier struct {
	URL    string
	Client Fetcher
}

type webhookPayload struct {
	Title string `json:"title"`
	NotificationOptions
}

func (n *WebhookNotifier) ShowNotification(ctx context.Context, title string, opts NotificationOptions) error {
	b, err := json.Marshal(webhookPayload{Title: title, NotificationOptions: opts})
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "build notification request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post notification")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return errors.Errorf("notification webhook answered %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
