package pokeworker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidState is returned when a lifecycle transition is out of order.
var ErrInvalidState = errors.New("invalid worker state")

// State is the worker lifecycle state.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// WorkerRecord is the lifecycle state of one generation's worker persisted in
// the store. Worker processes may be restarted between events, so nothing
// else is trusted.
type WorkerRecord struct {
	Generation string
	State      State
	UpdatedAt  int64
}

// Options configure a Worker.
type Options struct {
	// Generation is the current cache generation name.
	Generation string
	// Manifest is the ordered list of URLs precached at install.
	Manifest   []string
	Storage    *LevelStorage
	Fetcher    Fetcher
	Router     Router
	Notifier   Notifier
	Permission Permission
	// StatsEvery enables a periodic stats log line.
	StatsEvery time.Duration
}

// Worker sequences install and activation and dispatches fetch and message
// events to the interceptor and the relay.
type Worker struct {
	generation string
	manifest   []string
	storage    *LevelStorage
	fetcher    Fetcher
	router     Router
	relay      *Relay
	storeLog   *rateLimitedLogger
	stats      *statsCollector

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	pendingWg sync.WaitGroup
}

// NewWorker validates opts and returns a worker in the parsed state.
func NewWorker(opts Options) (*Worker, error) {
	if opts.Generation == "" {
		return nil, errors.New("no cache generation provided")
	}
	if opts.Storage == nil {
		return nil, errors.New("no cache storage provided")
	}
	if opts.Fetcher == nil {
		opts.Fetcher = &http.Client{}
	}
	if opts.Router == nil {
		opts.Router = NewHostRouter(nil)
	}

	w := &Worker{
		generation: opts.Generation,
		manifest:   opts.Manifest,
		storage:    opts.Storage,
		fetcher:    opts.Fetcher,
		router:     opts.Router,
		relay:      NewRelay(opts.Notifier, opts.Permission),
		storeLog:   newRateLimitedLogger(time.Minute),
		stats:      newStatsCollector(),
		stopCh:     make(chan struct{}),
	}

	if opts.StatsEvery > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.statsLoop(opts.StatsEvery)
		}()
	}
	return w, nil
}

// Generation returns the worker's cache generation name.
func (w *Worker) Generation() string {
	return w.generation
}

// State reads the persisted lifecycle state of this worker's generation. An
// active record whose generation has since been replaced reads as redundant.
func (w *Worker) State() (State, error) {
	rec, ok, err := w.storage.Record(w.generation)
	if err != nil {
		return "", err
	}
	if !ok {
		return StateParsed, nil
	}
	if rec.State == StateActive {
		active, _, err := w.storage.ActiveGeneration()
		if err != nil {
			return "", err
		}
		if active != w.generation {
			return StateRedundant, nil
		}
	}
	return rec.State, nil
}

func (w *Worker) setState(state State) error {
	return w.storage.SaveRecord(WorkerRecord{Generation: w.generation, State: state})
}

// Install opens the current generation and precaches the manifest. Any
// failed manifest fetch fails the install and leaves the worker redundant;
// it is not retried. The active worker of another generation keeps serving.
func (w *Worker) Install(ctx context.Context) error {
	logger := log.WithField("generation", w.generation)
	logger.Info("installing worker")
	if err := w.setState(StateInstalling); err != nil {
		return err
	}

	ev := newExtendableEvent(ctx)
	ev.WaitUntil(func(ctx context.Context) error {
		cache, err := w.storage.Open(w.generation)
		if err != nil {
			return err
		}
		logger.WithField("urls", len(w.manifest)).Info("precaching manifest")
		return cache.AddAll(ctx, w.fetcher, w.manifest)
	})
	if err := ev.Wait(); err != nil {
		logger.WithError(err).Error("precache failed")
		if serr := w.setState(StateRedundant); serr != nil {
			logger.WithError(serr).Error("failed to record install failure")
		}
		return errors.WithMessage(err, "precache failed")
	}

	if err := w.setState(StateInstalled); err != nil {
		return err
	}
	logger.Info("worker installed")
	return nil
}

// Activate deletes stale generations and marks the worker active. It does not
// return until deletion has been attempted for every stale generation.
// Deletion failures are logged and do not fail activation.
func (w *Worker) Activate(ctx context.Context) error {
	state, err := w.State()
	if err != nil {
		return err
	}
	if state != StateInstalled && state != StateActive {
		return errors.Wrapf(ErrInvalidState, "cannot activate from %q", state)
	}

	logger := log.WithField("generation", w.generation)
	logger.Info("activating worker")
	if err := w.setState(StateActivating); err != nil {
		return err
	}

	mgr := NewGenerationManager(w.storage, w.generation)
	ev := newExtendableEvent(ctx)
	ev.WaitUntil(func(context.Context) error {
		deleted, err := mgr.Cleanup()
		if err != nil {
			logger.WithError(err).Error("generation cleanup failed")
			return nil
		}
		if len(deleted) > 0 {
			logger.WithField("deleted", deleted).Info("deleted stale cache generations")
		}
		return nil
	})
	_ = ev.Wait()

	if err := w.setState(StateActive); err != nil {
		return err
	}
	logger.Info("worker active")
	return nil
}

// Fetch answers an intercepted request. r.URL must be absolute. While the
// worker is not active requests go straight to the network.
func (w *Worker) Fetch(r *http.Request) (*http.Response, Outcome, error) {
	resp, outcome, err := w.fetch(r)
	size := -1
	if resp != nil && resp.ContentLength >= 0 {
		size = int(resp.ContentLength)
	}
	w.stats.Observe(outcome, size)
	return resp, outcome, err
}

func (w *Worker) fetch(r *http.Request) (*http.Response, Outcome, error) {
	state, err := w.State()
	if err != nil {
		w.storeLog.Warn(log.Fields{"error": err}, "failed to read worker state")
	}
	if state != StateActive {
		resp, err := w.fetcher.Do(r)
		if err != nil {
			return nil, OutcomeBadGateway, errors.Wrapf(err, "network request %s", r.URL)
		}
		return resp, OutcomeBypass, nil
	}

	cache, err := w.storage.Open(w.generation)
	if err != nil {
		return nil, OutcomeBadGateway, err
	}
	ev := &FetchEvent{
		ExtendableEvent: newExtendableEvent(context.WithoutCancel(r.Context())),
		Request:         r,
	}
	resp, outcome, err := NewInterceptor(cache, w.fetcher, w.router).Handle(ev)
	w.extend(ev.ExtendableEvent, "fetch")
	return resp, outcome, err
}

// Message hands a foreground message to the notification relay.
func (w *Worker) Message(ctx context.Context, data []byte) (RelayResult, error) {
	ev := &MessageEvent{
		ExtendableEvent: newExtendableEvent(context.WithoutCancel(ctx)),
		Data:            data,
	}
	res, err := w.relay.Handle(ev)
	w.extend(ev.ExtendableEvent, "message")
	return res, err
}

// extend keeps the worker alive until ev settles.
func (w *Worker) extend(ev *ExtendableEvent, kind string) {
	w.pendingWg.Add(1)
	go func() {
		defer w.pendingWg.Done()
		if err := ev.Wait(); err != nil {
			log.WithFields(log.Fields{"event": kind, "error": err}).Warn("event settled with error")
		}
	}()
}

// Settle blocks until every pending event has settled.
func (w *Worker) Settle() {
	w.pendingWg.Wait()
}

// Close waits for pending events and stops background loops. The storage is
// owned by the caller and is left open.
func (w *Worker) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.pendingWg.Wait()
}

func (w *Worker) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			ss := w.stats.Snapshot()
			log.WithFields(ss.fields()).
				WithField("disk", formatBytes(uint64(w.storage.TotalSize()))).
				Info("cache stats")
		}
	}
}
