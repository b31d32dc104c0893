package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"creatorbills/internal/sink"
)

// State is the lifecycle stage of an export session.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Progress is a snapshot of a session, suitable for polling.
type Progress struct {
	State      State   `json:"state"`
	Message    string  `json:"message"`
	Percent    float64 `json:"percent"`
	Year       int     `json:"year,omitempty"`
	Page       int     `json:"page,omitempty"`
	TotalPages int     `json:"total_pages,omitempty"`
}

// Session is one export run. It owns its progress state; nothing about a run
// is shared with other sessions.
type Session struct {
	id        string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	years    []int
	yearIdx  int
	progress Progress
	export   sink.Export
	err      error
}

func newSession(id string, startedAt time.Time, cancel context.CancelFunc) *Session {
	return &Session{
		id:        id,
		startedAt: startedAt,
		cancel:    cancel,
		done:      make(chan struct{}),
		progress:  Progress{State: StatePending, Message: "Waiting to start"},
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) StartedAt() time.Time { return s.startedAt }

// Progress returns the latest progress snapshot.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Done is closed when the session completes or fails.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel aborts a running session. A cancelled session ends as failed.
func (s *Session) Cancel() { s.cancel() }

// Wait blocks until the session finishes or ctx is done.
func (s *Session) Wait(ctx context.Context) (sink.Export, error) {
	select {
	case <-s.done:
		return s.Result()
	case <-ctx.Done():
		return sink.Export{}, ctx.Err()
	}
}

// Result returns the export of a completed session. It returns an error while
// the session is still running or when it failed.
func (s *Session) Result() (sink.Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.progress.State {
	case StateCompleted:
		return s.export, nil
	case StateFailed:
		return sink.Export{}, s.err
	default:
		return sink.Export{}, fmt.Errorf("session %s is %s", s.id, s.progress.State)
	}
}

func (s *Session) setMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.State = StateRunning
	s.progress.Message = msg
}

func (s *Session) setYears(years []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.years = years
}

func (s *Session) beginYear(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.yearIdx = idx
	year := s.years[idx]
	s.progress = Progress{
		State:   StateRunning,
		Message: fmt.Sprintf("Fetching %d", year),
		Percent: fetchPercent(idx, len(s.years), 0, 0),
		Year:    year,
	}
}

// onPage is handed to the fetcher as its progress callback.
func (s *Session) onPage(year, page, totalPages, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := fmt.Sprintf("Fetching %d: page %d", year, page)
	if totalPages > 0 {
		msg = fmt.Sprintf("Fetching %d: page %d of %d", year, page, totalPages)
	}
	s.progress = Progress{
		State:      StateRunning,
		Message:    msg,
		Percent:    fetchPercent(s.yearIdx, len(s.years), page, totalPages),
		Year:       year,
		Page:       page,
		TotalPages: totalPages,
	}
}

func (s *Session) complete(e sink.Export) {
	s.mu.Lock()
	s.export = e
	s.progress = Progress{State: StateCompleted, Message: "Export complete", Percent: 100}
	s.mu.Unlock()
	close(s.done)
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	p := s.progress
	s.progress = Progress{State: StateFailed, Message: "Export failed", Percent: p.Percent, Year: p.Year, Page: p.Page, TotalPages: p.TotalPages}
	s.mu.Unlock()
	close(s.done)
}

// fetchPercent weights each year equally and pages within a year by
// page/totalPages. Fetching covers the first 95%; the rest is reporting.
func fetchPercent(yearIdx, years, page, totalPages int) float64 {
	if years <= 0 {
		return 0
	}
	frac := 0.0
	if totalPages > 0 {
		frac = float64(page) / float64(totalPages)
		if frac > 1 {
			frac = 1
		}
	}
	return (float64(yearIdx) + frac) / float64(years) * 95
}
