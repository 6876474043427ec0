package pokeworker

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// ExtendableEvent tracks the asynchronous work a handler starts. The event
// is not settled until every function passed to WaitUntil has returned.
// WaitUntil must be called before the handler returns.
type ExtendableEvent struct {
	ctx context.Context
	g   *errgroup.Group
}

func newExtendableEvent(ctx context.Context) *ExtendableEvent {
	g, gctx := errgroup.WithContext(ctx)
	return &ExtendableEvent{ctx: gctx, g: g}
}

// WaitUntil extends the event's lifetime until fn returns. The first error
// rejects the event and cancels the context passed to the other functions.
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.g.Go(func() error { return fn(e.ctx) })
}

// Wait blocks until the event settles.
func (e *ExtendableEvent) Wait() error {
	return e.g.Wait()
}

// FetchEvent carries an intercepted request.
type FetchEvent struct {
	*ExtendableEvent
	Request *http.Request
}

// MessageEvent carries a message posted by the foreground.
type MessageEvent struct {
	*ExtendableEvent
	Data []byte
}
