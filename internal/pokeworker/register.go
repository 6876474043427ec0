package pokeworker

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RegisterOptions carry the registration callbacks.
type RegisterOptions struct {
	// Reinstall forces install and activation even when the persisted state
	// shows this generation already active.
	Reinstall bool
	// OnSuccess runs after the first worker is installed and active: all
	// content is cached for offline use.
	OnSuccess func(w *Worker)
	// OnUpdate runs when this worker replaced a previously active generation.
	OnUpdate func(w *Worker)
}

// Register brings w to the active state. A worker whose generation is already
// active in the store resumes without reinstalling. There are no clients to
// wait for, so an installed worker is activated right away.
func Register(ctx context.Context, w *Worker, opts RegisterOptions) error {
	previous, hadController, err := w.storage.ActiveGeneration()
	if err != nil {
		return err
	}
	logger := log.WithField("generation", w.generation)
	if hadController && previous == w.generation && !opts.Reinstall {
		logger.Info("resuming active worker")
		return nil
	}

	if err := w.Install(ctx); err != nil {
		return err
	}
	if err := w.Activate(ctx); err != nil {
		return err
	}

	if hadController && previous != w.generation {
		logger.WithField("previous", previous).Info("new content is available")
		if opts.OnUpdate != nil {
			opts.OnUpdate(w)
		}
		return nil
	}
	logger.Info("content is cached for offline use")
	if opts.OnSuccess != nil {
		opts.OnSuccess(w)
	}
	return nil
}

// Unregister drops every cache generation and every persisted worker record.
func Unregister(st *LevelStorage) error {
	names, err := st.Keys()
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := st.Delete(name); err != nil {
			return errors.Wrapf(err, "unregister: delete %s", name)
		}
	}
	return st.ClearRecords()
}
