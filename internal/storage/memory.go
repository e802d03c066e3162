package storage

import (
	"context"
	"sync"

	"diodos/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	episodes    map[string]model.EpisodeRecord
	order       []string // insertion order, newest last
	traces      map[string][]model.StepRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Init is idempotent: a second call on an initialized store keeps the
// persisted records.
func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.clearLocked()
	s.initialized = true
	return nil
}

func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	s.initialized = true
	return nil
}

func (s *MemoryStore) clearLocked() {
	s.episodes = make(map[string]model.EpisodeRecord)
	s.order = nil
	s.traces = make(map[string][]model.StepRecord)
}

func (s *MemoryStore) SaveEpisode(_ context.Context, record model.EpisodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.episodes[record.ID]; !exists {
		s.order = append(s.order, record.ID)
	}
	s.episodes[record.ID] = record
	return nil
}

func (s *MemoryStore) GetEpisode(_ context.Context, id string) (model.EpisodeRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.episodes[id]
	return record, ok, nil
}

func (s *MemoryStore) ListEpisodes(_ context.Context, limit int) ([]model.EpisodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// newest first
	out := make([]model.EpisodeRecord, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.episodes[s.order[i]])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveStepTrace(_ context.Context, episodeID string, steps []model.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]model.StepRecord, len(steps))
	copy(copied, steps)
	s.traces[episodeID] = copied
	return nil
}

func (s *MemoryStore) GetStepTrace(_ context.Context, episodeID string) ([]model.StepRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps, ok := s.traces[episodeID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.StepRecord, len(steps))
	copy(copied, steps)
	return copied, true, nil
}
