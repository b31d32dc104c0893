package sink

import (
	"context"
	"time"

	"creatorbills/internal/core"
)

// Export is a finished report handed to every configured sink.
type Export struct {
	SessionID   string
	Filename    string
	GeneratedAt time.Time
	Report      core.Report
	Summary     core.Summary
	CSV         []byte
}

// ExportInfo describes a retained export without its report body.
type ExportInfo struct {
	SessionID   string    `json:"session_id"`
	Filename    string    `json:"filename"`
	GeneratedAt time.Time `json:"generated_at"`
	Years       []int     `json:"years"`
	Bills       int       `json:"bills"`
	Included    int       `json:"included"`
	Dropped     int       `json:"dropped"`
	Creators    int       `json:"creators"`
	Conflicts   int       `json:"conflicts"`
}

// Info returns the listing entry for e.
func (e Export) Info() ExportInfo {
	return ExportInfo{
		SessionID:   e.SessionID,
		Filename:    e.Filename,
		GeneratedAt: e.GeneratedAt,
		Years:       e.Summary.Years,
		Bills:       e.Summary.Bills,
		Included:    e.Summary.Included,
		Dropped:     e.Summary.Dropped,
		Creators:    e.Summary.Creators,
		Conflicts:   len(e.Summary.Conflicts),
	}
}

// Ports for outbound adapters.
type (
	// Sink receives completed exports. Sinks are only called for runs that
	// finished without error.
	Sink interface {
		Name() string
		Deliver(ctx context.Context, e Export) error
	}

	// ExportReader returns exports kept by a sink that retains them.
	ExportReader interface {
		// Latest returns the most recent export, if any.
		Latest(ctx context.Context) (Export, bool, error)
		// Get returns the export produced by a session.
		Get(ctx context.Context, sessionID string) (Export, bool, error)
		// List returns up to limit retained exports, newest first.
		List(ctx context.Context, limit int) ([]ExportInfo, error)
	}
)
