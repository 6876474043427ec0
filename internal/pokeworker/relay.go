package pokeworker

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNotificationsUnavailable is returned when notifications cannot be shown:
// permission is not granted or no notifier is configured.
var ErrNotificationsUnavailable = errors.New("notifications unavailable")

// Message types posted by the foreground.
const (
	MessageShowCapture = "SHOW_CAPTURE_NOTIFICATION"
	MessageShowConsult = "SHOW_CONSULT_NOTIFICATION"
)

// IntentKind discriminates notification intents.
type IntentKind string

const (
	KindConsult IntentKind = "consult"
	KindCapture IntentKind = "capture"
)

// Title returns the notification title for the kind.
func (k IntentKind) Title() string {
	if k == KindCapture {
		return "Pokémon captured!"
	}
	return "Pokédex updated"
}

// Tag returns the grouping tag. Each kind has its own tag so a notification
// of one kind never replaces a pending one of the other.
func (k IntentKind) Tag() string {
	if k == KindCapture {
		return "poke-capture"
	}
	return "poke-consult"
}

// MessageType returns the wire type for the kind.
func (k IntentKind) MessageType() string {
	if k == KindCapture {
		return MessageShowCapture
	}
	return MessageShowConsult
}

// Subject is the item a notification is about.
type Subject struct {
	Name string `json:"name"`
	Icon string `json:"icon"`
	Body string `json:"body"`
}

// Message is the wire shape posted over the message channel.
type Message struct {
	Type    string   `json:"type,omitempty"`
	Pokemon *Subject `json:"pokemon,omitempty"`
}

// Intent is a validated notification request.
type Intent struct {
	Kind    IntentKind
	Subject Subject
}

// ParseIntent decodes a message. It reports false for anything without a
// subject object, including malformed JSON.
func ParseIntent(data []byte) (Intent, bool) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil || m.Pokemon == nil {
		return Intent{}, false
	}
	kind := KindConsult
	if m.Type == MessageShowCapture {
		kind = KindCapture
	}
	return Intent{Kind: kind, Subject: *m.Pokemon}, true
}

// VibratePattern is used for every notification.
var VibratePattern = []int{200, 100, 200}

// NotificationOptions mirror the platform notification options.
type NotificationOptions struct {
	Body    string `json:"body"`
	Icon    string `json:"icon"`
	Vibrate []int  `json:"vibrate"`
	Tag     string `json:"tag"`
}

// Options derives the notification title and options from the intent.
func (in Intent) Options() (string, NotificationOptions) {
	return in.Kind.Title(), NotificationOptions{
		Body:    in.Subject.Body,
		Icon:    in.Subject.Icon,
		Vibrate: append([]int(nil), VibratePattern...),
		Tag:     in.Kind.Tag(),
	}
}

// Permission is the host's notification permission state.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// RelayResult reports what the relay did with a message.
type RelayResult string

const (
	// RelayIgnored means the message had no subject and was dropped.
	RelayIgnored RelayResult = "ignored"
	// RelayDisplayed means display was requested; the event settles when it completes.
	RelayDisplayed RelayResult = "displayed"
	// RelayUnavailable means notifications cannot be shown on this host.
	RelayUnavailable RelayResult = "unavailable"
)

// Relay turns notification intents into displayed notifications.
type Relay struct {
	notifier   Notifier
	permission Permission
}

func NewRelay(notifier Notifier, permission Permission) *Relay {
	return &Relay{notifier: notifier, permission: permission}
}

// Handle consumes one message. Messages without a subject are ignored
// without error.
func (r *Relay) Handle(ev *MessageEvent) (RelayResult, error) {
	intent, ok := ParseIntent(ev.Data)
	if !ok {
		log.Debug("ignoring message without a notification subject")
		return RelayIgnored, nil
	}
	if r.notifier == nil || r.permission != PermissionGranted {
		return RelayUnavailable, errors.Wrapf(ErrNotificationsUnavailable, "permission %q", r.permission)
	}

	title, opts := intent.Options()
	ev.WaitUntil(func(ctx context.Context) error {
		if err := r.notifier.ShowNotification(ctx, title, opts); err != nil {
			log.WithFields(log.Fields{"tag": opts.Tag, "error": err}).Error("failed to show notification")
			return err
		}
		return nil
	})
	return RelayDisplayed, nil
}
