package memory

import (
	"context"
	"sync"

	"creatorbills/internal/sink"
)

// Store keeps delivered exports in memory. The web UI serves downloads from it.
type Store struct {
	mu    sync.Mutex
	limit int
	items []sink.Export
}

var (
	_ sink.Sink         = (*Store)(nil)
	_ sink.ExportReader = (*Store)(nil)
)

// New returns a Store retaining at most limit exports (minimum 1).
func New(limit int) *Store {
	if limit < 1 {
		limit = 1
	}
	return &Store{limit: limit}
}

func (s *Store) Name() string { return "memory" }

// Deliver stores the export, evicting the oldest when over the limit.
func (s *Store) Deliver(_ context.Context, e sink.Export) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CSV = append([]byte(nil), e.CSV...)
	s.items = append(s.items, e)
	if len(s.items) > s.limit {
		s.items = append([]sink.Export(nil), s.items[len(s.items)-s.limit:]...)
	}
	return nil
}

// Latest returns the most recently delivered export.
func (s *Store) Latest(_ context.Context) (sink.Export, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return sink.Export{}, false, nil
	}
	return s.items[len(s.items)-1], true, nil
}

// Get returns the export produced by the given session.
func (s *Store) Get(_ context.Context, sessionID string) (sink.Export, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].SessionID == sessionID {
			return s.items[i], true, nil
		}
	}
	return sink.Export{}, false, nil
}

// List returns up to limit retained exports, newest first. A non-positive
// limit returns all of them.
func (s *Store) List(_ context.Context, limit int) ([]sink.ExportInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.items) {
		limit = len(s.items)
	}
	out := make([]sink.ExportInfo, 0, limit)
	for i := len(s.items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.items[i].Info())
	}
	return out, nil
}
