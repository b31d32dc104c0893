// Package storage archives completed exports in SQLite so earlier reports
// remain available after the process restarts.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"creatorbills/internal/core"
	"creatorbills/internal/sink"

	_ "modernc.org/sqlite"
)

// Fixed width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
}

var (
	_ sink.Sink         = (*SQLiteRepository)(nil)
	_ sink.ExportReader = (*SQLiteRepository)(nil)
)

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db, queries: New(db)}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Name() string { return "sqlite" }

// Deliver stores the export and its rows in one transaction.
func (r *SQLiteRepository) Deliver(ctx context.Context, e sink.Export) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := r.queries.WithTx(tx)
	err = q.CreateExport(ctx, ExportRow{
		SessionID:   e.SessionID,
		Filename:    e.Filename,
		GeneratedAt: e.GeneratedAt.UTC().Format(timeLayout),
		Years:       joinYears(e.Report.Years),
		Bills:       int64(e.Summary.Bills),
		Included:    int64(e.Summary.Included),
		Dropped:     int64(e.Summary.Dropped),
		Creators:    int64(e.Summary.Creators),
		Conflicts:   int64(len(e.Summary.Conflicts)),
		Csv:         e.CSV,
	})
	if err != nil {
		return fmt.Errorf("create export %s: %w", e.SessionID, err)
	}

	for i, row := range e.Report.Rows {
		pos := int64(i)
		if err := q.CreateReportRow(ctx, CreateReportRowParams{
			SessionID:  e.SessionID,
			Position:   pos,
			Creator:    row.Creator,
			Currency:   row.Currency,
			URL:        row.URL,
			TotalMinor: row.Total,
		}); err != nil {
			return fmt.Errorf("create row %d: %w", i, err)
		}
		for j, year := range e.Report.Years {
			if j >= len(row.ByYear) {
				break
			}
			if err := q.CreateRowYear(ctx, e.SessionID, pos, int64(year), row.ByYear[j]); err != nil {
				return fmt.Errorf("create row %d year %d: %w", i, year, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit export %s: %w", e.SessionID, err)
	}

	slog.InfoContext(ctx, "Export archived to SQLite",
		"session_id", e.SessionID,
		"rows", len(e.Report.Rows))
	return nil
}

// Latest returns the most recent archived export, rebuilt with its rows.
func (r *SQLiteRepository) Latest(ctx context.Context) (sink.Export, bool, error) {
	row, err := r.queries.GetLatestExport(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return sink.Export{}, false, nil
	}
	if err != nil {
		return sink.Export{}, false, fmt.Errorf("get latest export: %w", err)
	}
	e, err := r.load(ctx, row)
	if err != nil {
		return sink.Export{}, false, err
	}
	return e, true, nil
}

// Get returns the archived export for a session.
func (r *SQLiteRepository) Get(ctx context.Context, sessionID string) (sink.Export, bool, error) {
	row, err := r.queries.GetExport(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return sink.Export{}, false, nil
	}
	if err != nil {
		return sink.Export{}, false, fmt.Errorf("get export %s: %w", sessionID, err)
	}
	e, err := r.load(ctx, row)
	if err != nil {
		return sink.Export{}, false, err
	}
	return e, true, nil
}

// List returns up to limit archived exports, newest first.
func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]sink.ExportInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.queries.ListExports(ctx, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	out := make([]sink.ExportInfo, 0, len(rows))
	for _, row := range rows {
		info, err := toInfo(row)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (r *SQLiteRepository) load(ctx context.Context, row ExportRow) (sink.Export, error) {
	info, err := toInfo(row)
	if err != nil {
		return sink.Export{}, err
	}
	dbRows, err := r.queries.GetReportRows(ctx, row.SessionID)
	if err != nil {
		return sink.Export{}, fmt.Errorf("get rows for %s: %w", row.SessionID, err)
	}

	report := core.Report{Years: info.Years}
	index := make(map[int]int, len(info.Years))
	for i, y := range info.Years {
		index[y] = i
	}
	last := int64(-1)
	for _, dr := range dbRows {
		if dr.Position != last {
			report.Rows = append(report.Rows, core.ReportRow{
				Creator:  dr.Creator,
				Currency: dr.Currency,
				URL:      dr.URL,
				Total:    dr.TotalMinor,
				ByYear:   make([]int64, len(info.Years)),
			})
			last = dr.Position
		}
		if !dr.Year.Valid {
			continue
		}
		if i, ok := index[int(dr.Year.Int64)]; ok {
			report.Rows[len(report.Rows)-1].ByYear[i] = dr.AmountMinor.Int64
		}
	}

	return sink.Export{
		SessionID:   info.SessionID,
		Filename:    info.Filename,
		GeneratedAt: info.GeneratedAt,
		Report:      report,
		Summary: core.Summary{
			Years:    info.Years,
			Bills:    info.Bills,
			Included: info.Included,
			Dropped:  info.Dropped,
			Creators: info.Creators,
		},
		CSV: row.Csv,
	}, nil
}

func toInfo(row ExportRow) (sink.ExportInfo, error) {
	generated, err := time.Parse(timeLayout, row.GeneratedAt)
	if err != nil {
		return sink.ExportInfo{}, fmt.Errorf("parse generated_at %q: %w", row.GeneratedAt, err)
	}
	years, err := splitYears(row.Years)
	if err != nil {
		return sink.ExportInfo{}, err
	}
	return sink.ExportInfo{
		SessionID:   row.SessionID,
		Filename:    row.Filename,
		GeneratedAt: generated,
		Years:       years,
		Bills:       int(row.Bills),
		Included:    int(row.Included),
		Dropped:     int(row.Dropped),
		Creators:    int(row.Creators),
		Conflicts:   int(row.Conflicts),
	}, nil
}

func joinYears(years []int) string {
	parts := make([]string, len(years))
	for i, y := range years {
		parts[i] = strconv.Itoa(y)
	}
	return strings.Join(parts, ",")
}

func splitYears(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		y, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parse archived year %q: %w", p, err)
		}
		out = append(out, y)
	}
	return out, nil
}
