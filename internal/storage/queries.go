package storage

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type ExportRow struct {
	SessionID   string
	Filename    string
	GeneratedAt string
	Years       string
	Bills       int64
	Included    int64
	Dropped     int64
	Creators    int64
	Conflicts   int64
	Csv         []byte
}

const createExport = `
INSERT INTO exports (session_id, filename, generated_at, years, bills, included, dropped, creators, conflicts, csv)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func (q *Queries) CreateExport(ctx context.Context, arg ExportRow) error {
	_, err := q.db.ExecContext(ctx, createExport,
		arg.SessionID,
		arg.Filename,
		arg.GeneratedAt,
		arg.Years,
		arg.Bills,
		arg.Included,
		arg.Dropped,
		arg.Creators,
		arg.Conflicts,
		arg.Csv,
	)
	return err
}

type CreateReportRowParams struct {
	SessionID  string
	Position   int64
	Creator    string
	Currency   string
	URL        string
	TotalMinor int64
}

const createReportRow = `
INSERT INTO export_rows (session_id, position, creator, currency, url, total_minor)
VALUES (?, ?, ?, ?, ?, ?)
`

func (q *Queries) CreateReportRow(ctx context.Context, arg CreateReportRowParams) error {
	_, err := q.db.ExecContext(ctx, createReportRow,
		arg.SessionID, arg.Position, arg.Creator, arg.Currency, arg.URL, arg.TotalMinor)
	return err
}

const createRowYear = `
INSERT INTO export_row_years (session_id, position, year, amount_minor)
VALUES (?, ?, ?, ?)
`

func (q *Queries) CreateRowYear(ctx context.Context, sessionID string, position, year, amountMinor int64) error {
	_, err := q.db.ExecContext(ctx, createRowYear, sessionID, position, year, amountMinor)
	return err
}

const exportColumns = `session_id, filename, generated_at, years, bills, included, dropped, creators, conflicts, csv`

func scanExport(row interface{ Scan(...any) error }) (ExportRow, error) {
	var e ExportRow
	err := row.Scan(
		&e.SessionID,
		&e.Filename,
		&e.GeneratedAt,
		&e.Years,
		&e.Bills,
		&e.Included,
		&e.Dropped,
		&e.Creators,
		&e.Conflicts,
		&e.Csv,
	)
	return e, err
}

const getLatestExport = `SELECT ` + exportColumns + ` FROM exports ORDER BY generated_at DESC, rowid DESC LIMIT 1`

func (q *Queries) GetLatestExport(ctx context.Context) (ExportRow, error) {
	return scanExport(q.db.QueryRowContext(ctx, getLatestExport))
}

const getExport = `SELECT ` + exportColumns + ` FROM exports WHERE session_id = ?`

func (q *Queries) GetExport(ctx context.Context, sessionID string) (ExportRow, error) {
	return scanExport(q.db.QueryRowContext(ctx, getExport, sessionID))
}

const listExports = `SELECT ` + exportColumns + ` FROM exports ORDER BY generated_at DESC, rowid DESC LIMIT ?`

func (q *Queries) ListExports(ctx context.Context, limit int64) ([]ExportRow, error) {
	rows, err := q.db.QueryContext(ctx, listExports, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ExportRow
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

type ReportRowWithYear struct {
	Position    int64
	Creator     string
	Currency    string
	URL         string
	TotalMinor  int64
	Year        sql.NullInt64
	AmountMinor sql.NullInt64
}

const getReportRows = `
SELECT r.position, r.creator, r.currency, r.url, r.total_minor, y.year, y.amount_minor
FROM export_rows r
LEFT JOIN export_row_years y ON y.session_id = r.session_id AND y.position = r.position
WHERE r.session_id = ?
ORDER BY r.position, y.year DESC
`

func (q *Queries) GetReportRows(ctx context.Context, sessionID string) ([]ReportRowWithYear, error) {
	rows, err := q.db.QueryContext(ctx, getReportRows, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ReportRowWithYear
	for rows.Next() {
		var i ReportRowWithYear
		if err := rows.Scan(&i.Position, &i.Creator, &i.Currency, &i.URL, &i.TotalMinor, &i.Year, &i.AmountMinor); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
