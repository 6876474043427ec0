package pokeworker

import (
	"math"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// statsCollector counts fetch outcomes and response sizes.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	mu       sync.Mutex
	outcomes map[Outcome]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{outcomes: map[Outcome]uint64{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(outcome Outcome, respBytes int) {
	s.mu.Lock()
	s.outcomes[outcome]++
	s.mu.Unlock()

	if respBytes < 0 {
		return
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Outcomes       map[Outcome]uint64
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	s.mu.Lock()
	outcomes := make(map[Outcome]uint64, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}
	s.mu.Unlock()

	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{Outcomes: outcomes}
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Outcomes:       outcomes,
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   total / count,
	}
}

func (ss statsSnapshot) fields() log.Fields {
	f := log.Fields{
		"responses": ss.TotalResponses,
		"resp_min":  formatBytes(ss.MinRespBytes),
		"resp_avg":  formatBytes(ss.AvgRespBytes),
		"resp_max":  formatBytes(ss.MaxRespBytes),
	}
	for k, v := range ss.Outcomes {
		f[string(k)] = v
	}
	return f
}
