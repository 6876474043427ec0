package pokeworker

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// GenerationManager drops every cache generation except the current one.
type GenerationManager struct {
	storage Storage
	current string
}

func NewGenerationManager(storage Storage, current string) *GenerationManager {
	return &GenerationManager{storage: storage, current: current}
}

// Cleanup deletes every stale generation and returns the names it removed.
// A failed deletion is logged and does not fail the cleanup; only failing to
// enumerate generations is returned as an error.
func (m *GenerationManager) Cleanup() ([]string, error) {
	names, err := m.storage.Keys()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate cache generations")
	}

	var (
		mu      sync.Mutex
		deleted []string
	)
	var g errgroup.Group
	for _, name := range names {
		if name == m.current {
			continue
		}
		g.Go(func() error {
			logger := log.WithField("generation", name)
			logger.Info("deleting stale cache generation")
			ok, err := m.storage.Delete(name)
			if err != nil {
				logger.WithError(err).Error("failed to delete stale cache generation")
				return nil
			}
			if ok {
				mu.Lock()
				deleted = append(deleted, name)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(deleted)
	return deleted, nil
}
