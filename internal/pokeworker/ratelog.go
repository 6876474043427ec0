package pokeworker

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// rateLimitedLogger drops lines logged within interval of the previous one.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval}
}

func (l *rateLimitedLogger) Warn(fields log.Fields, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return
	}
	l.lastAt = now
	e := log.WithFields(fields)
	if l.dropped > 0 {
		e = e.WithField("suppressed", l.dropped)
		l.dropped = 0
	}
	e.Warn(msg)
}
