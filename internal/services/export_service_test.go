package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"creatorbills/internal/core"
	"creatorbills/internal/sink"
	"creatorbills/internal/sink/memory"

	"golang.org/x/text/language"
)

type fakeFetcher struct {
	mu      sync.Mutex
	years   []int
	results map[int]core.YearResult
	errs    map[int]error
	fetched []int
	// block, when set, holds FetchYear until closed or ctx is done.
	block chan struct{}
}

func (f *fakeFetcher) FetchYear(ctx context.Context, year int, progress core.ProgressFunc) (core.YearResult, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, year)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return core.YearResult{}, ctx.Err()
		}
	}
	if err := f.errs[year]; err != nil {
		return core.YearResult{}, err
	}
	if progress != nil {
		progress(year, 1, 1, len(f.results[year].Bills))
	}
	return f.results[year], nil
}

func (f *fakeFetcher) ListAvailableYears(context.Context) ([]int, error) {
	return f.years, nil
}

type failingSink struct{}

func (failingSink) Name() string { return "failing" }
func (failingSink) Deliver(context.Context, sink.Export) error {
	return errors.New("disk full")
}

func twoYearFetcher() *fakeFetcher {
	creators := map[string]core.Creator{
		"1": {ID: "1", Name: "Creator One", URL: "https://example.com/one"},
	}
	return &fakeFetcher{
		years: []int{2023, 2024},
		results: map[int]core.YearResult{
			2023: {Bills: []core.Bill{{ID: "b1", DueYear: 2023, Amount: 1000, Currency: "USD", CreatorID: "1"}}, Creators: creators},
			2024: {Bills: []core.Bill{{ID: "b2", DueYear: 2024, Amount: 2000, Currency: "USD", CreatorID: "1"}}, Creators: creators},
		},
	}
}

func fixedNow() time.Time { return time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC) }

func newTestService(f Fetcher, sinks ...sink.Sink) *ExportService {
	return NewExportService(f, sinks, ExportServiceConfig{Locale: language.AmericanEnglish, Now: fixedNow})
}

func TestRunAllYears(t *testing.T) {
	f := twoYearFetcher()
	store := memory.New(1)
	svc := newTestService(f, store)

	export, err := svc.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(f.fetched) != 2 || f.fetched[0] != 2024 || f.fetched[1] != 2023 {
		t.Fatalf("years should be fetched newest first, got %v", f.fetched)
	}
	if export.Filename != "patreon_bills_2025-03-01.csv" {
		t.Fatalf("filename = %q", export.Filename)
	}
	want := "Creator,Currency,URL,Total,2024,2023\nCreator One,USD,https://example.com/one,$30.00,$20.00,$10.00\n"
	if string(export.CSV) != want {
		t.Fatalf("csv = %q, want %q", export.CSV, want)
	}
	if export.SessionID == "" {
		t.Fatal("missing session id")
	}

	stored, ok, _ := store.Latest(context.Background())
	if !ok || stored.SessionID != export.SessionID {
		t.Fatalf("sink did not receive export: %+v", stored)
	}

	sess, ok := svc.Current()
	if !ok {
		t.Fatal("expected current session")
	}
	if p := sess.Progress(); p.State != StateCompleted || p.Percent != 100 {
		t.Fatalf("progress = %+v", p)
	}
}

func TestRunSingleYear(t *testing.T) {
	f := twoYearFetcher()
	svc := newTestService(f)

	export, err := svc.Run(context.Background(), Request{Year: 2023})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.fetched) != 1 || f.fetched[0] != 2023 {
		t.Fatalf("fetched = %v", f.fetched)
	}
	if got := export.Report.Header(); strings.Join(got, ",") != "Creator,Currency,URL,Total,2023" {
		t.Fatalf("header = %v", got)
	}
}

func TestRunNoYearsAvailable(t *testing.T) {
	store := memory.New(1)
	svc := newTestService(&fakeFetcher{}, store)

	_, err := svc.Run(context.Background(), Request{})
	if !errors.Is(err, core.ErrNoYearsAvailable) {
		t.Fatalf("expected ErrNoYearsAvailable, got %v", err)
	}
	if _, ok, _ := store.Latest(context.Background()); ok {
		t.Fatal("failed run must not deliver")
	}
}

func TestRunFetchErrorDeliversNothing(t *testing.T) {
	f := twoYearFetcher()
	f.errs = map[int]error{2023: &core.FetchError{Year: 2023, Offset: 100, StatusCode: 429}}
	store := memory.New(1)
	svc := newTestService(f, store)

	_, err := svc.Run(context.Background(), Request{})
	var fe *core.FetchError
	if !errors.As(err, &fe) || fe.Year != 2023 || fe.Offset != 100 {
		t.Fatalf("expected FetchError for 2023, got %v", err)
	}
	if _, ok, _ := store.Latest(context.Background()); ok {
		t.Fatal("failed run must not deliver")
	}
	sess, _ := svc.Current()
	if sess.Progress().State != StateFailed {
		t.Fatalf("state = %s", sess.Progress().State)
	}
}

func TestRunSinkFailure(t *testing.T) {
	svc := newTestService(twoYearFetcher(), memory.New(1), failingSink{})
	_, err := svc.Run(context.Background(), Request{})
	if err == nil || !strings.Contains(err.Error(), "deliver to failing") {
		t.Fatalf("expected sink error, got %v", err)
	}
}

func TestStartRejectsOverlappingRuns(t *testing.T) {
	f := twoYearFetcher()
	f.block = make(chan struct{})
	svc := newTestService(f)

	sess, err := svc.Start(context.Background(), Request{Year: 2024})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Start(context.Background(), Request{}); !errors.Is(err, core.ErrExportInProgress) {
		t.Fatalf("expected ErrExportInProgress, got %v", err)
	}

	close(f.block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sess.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if _, err := svc.Start(context.Background(), Request{Year: 2023}); err != nil {
		t.Fatalf("start after completion: %v", err)
	}
}

func TestStartOutlivesCallerContext(t *testing.T) {
	svc := newTestService(twoYearFetcher())
	ctx, cancel := context.WithCancel(context.Background())
	sess, err := svc.Start(ctx, Request{Year: 2024})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if _, err := sess.Wait(waitCtx); err != nil {
		t.Fatalf("session should finish after caller context is cancelled: %v", err)
	}
}

func TestShutdownCancelsRunningSession(t *testing.T) {
	f := twoYearFetcher()
	f.block = make(chan struct{})
	store := memory.New(1)
	svc := newTestService(f, store)

	sess, err := svc.Start(context.Background(), Request{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := sess.Result(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok, _ := store.Latest(context.Background()); ok {
		t.Fatal("cancelled run must not deliver")
	}
}

func TestAggregatesConflictsIntoSummary(t *testing.T) {
	creators := map[string]core.Creator{"1": {ID: "1", Name: "A"}}
	f := &fakeFetcher{
		years: []int{2024},
		results: map[int]core.YearResult{2024: {
			Bills: []core.Bill{
				{ID: "b1", DueYear: 2024, Amount: 500, Currency: "USD", CreatorID: "1"},
				{ID: "b2", DueYear: 2024, Amount: 700, Currency: "EUR", CreatorID: "1"},
				{ID: "b3", DueYear: 2024, Amount: 100, Currency: "USD", CreatorID: "missing"},
			},
			Creators: creators,
		}},
	}
	export, err := newTestService(f).Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(export.Summary.Conflicts) != 1 || export.Summary.Dropped != 1 || export.Summary.Included != 1 {
		t.Fatalf("summary = %+v", export.Summary)
	}
	if export.Report.Rows[0].Total != 500 {
		t.Fatalf("total = %d", export.Report.Rows[0].Total)
	}
}
