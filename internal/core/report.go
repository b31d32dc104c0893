package core

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// DefaultFilePrefix names exported files when no prefix is configured.
const DefaultFilePrefix = "patreon_bills"

type (
	// ReportRow is one creator line of the report.
	ReportRow struct {
		Creator  string
		Currency string
		URL      string
		Total    int64
		ByYear   []int64 // aligned with Report.Years
	}

	// Report is the sorted per-creator table. Years are in descending order.
	Report struct {
		Years []int
		Rows  []ReportRow

		formatter *MoneyFormatter
	}
)

// BuildReport turns an aggregation into rows sorted by total spend, highest
// first. Only the requested years contribute to totals and columns.
func BuildReport(agg Aggregation, years []int, formatter *MoneyFormatter) Report {
	if formatter == nil {
		formatter = NewMoneyFormatter(DefaultLocale)
	}
	cols := descendingYears(years)

	rows := make([]ReportRow, 0, len(agg.Creators))
	for _, c := range agg.Creators {
		row := ReportRow{
			Creator:  c.Name,
			Currency: c.Currency,
			URL:      c.URL,
			Total:    c.Total(cols),
			ByYear:   make([]int64, len(cols)),
		}
		for i, y := range cols {
			row.ByYear[i] = c.ByYear[y]
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Total != rows[j].Total {
			return rows[i].Total > rows[j].Total
		}
		return rows[i].Creator < rows[j].Creator
	})

	return Report{Years: cols, Rows: rows, formatter: formatter}
}

// Header returns the column titles.
func (r Report) Header() []string {
	header := []string{"Creator", "Currency", "URL", "Total"}
	for _, y := range r.Years {
		header = append(header, strconv.Itoa(y))
	}
	return header
}

// Records returns the header followed by one formatted record per row.
func (r Report) Records() [][]string {
	f := r.formatter
	if f == nil {
		f = NewMoneyFormatter(DefaultLocale)
	}
	out := make([][]string, 0, len(r.Rows)+1)
	out = append(out, r.Header())
	for _, row := range r.Rows {
		rec := []string{row.Creator, row.Currency, row.URL, f.FormatAmount(row.Total, row.Currency)}
		for _, amt := range row.ByYear {
			rec = append(rec, f.FormatAmount(amt, row.Currency))
		}
		out = append(out, rec)
	}
	return out
}

// CSV renders the report as comma separated text. Fields containing the
// delimiter, quotes or newlines are quoted.
func (r Report) CSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(r.Records()); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Filename returns "<prefix>_<YYYY-MM-DD>.csv" for the given day.
func Filename(prefix string, day time.Time) string {
	if prefix == "" {
		prefix = DefaultFilePrefix
	}
	return fmt.Sprintf("%s_%s.csv", prefix, day.Format(time.DateOnly))
}

func descendingYears(years []int) []int {
	seen := make(map[int]struct{}, len(years))
	out := make([]int, 0, len(years))
	for _, y := range years {
		if _, ok := seen[y]; ok {
			continue
		}
		seen[y] = struct{}{}
		out = append(out, y)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}
