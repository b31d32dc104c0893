package services

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"creatorbills/internal/core"
	"creatorbills/internal/log"
	"creatorbills/internal/sink"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
)

// Fetcher retrieves billing history from the platform.
type Fetcher interface {
	FetchYear(ctx context.Context, year int, progress core.ProgressFunc) (core.YearResult, error)
	ListAvailableYears(ctx context.Context) ([]int, error)
}

// Request selects what an export covers. A zero Year exports every year
// with billing activity.
type Request struct {
	Year int
}

// ExportServiceConfig holds settings for export runs.
type ExportServiceConfig struct {
	Locale     language.Tag
	FilePrefix string
	Logger     *log.Logger
	// Now is used for the export date. Defaults to time.Now.
	Now func() time.Time
}

// ExportService runs exports one at a time and hands finished reports to
// every configured sink.
type ExportService struct {
	fetcher   Fetcher
	sinks     []sink.Sink
	formatter *core.MoneyFormatter
	prefix    string
	logger    *log.Logger
	now       func() time.Time

	mu      sync.Mutex
	current *Session
}

func NewExportService(fetcher Fetcher, sinks []sink.Sink, cfg ExportServiceConfig) *ExportService {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentExport)

	locale := cfg.Locale
	if locale == language.Und {
		locale = core.DefaultLocale
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	prefix := cfg.FilePrefix
	if prefix == "" {
		prefix = core.DefaultFilePrefix
	}

	return &ExportService{
		fetcher:   fetcher,
		sinks:     sinks,
		formatter: core.NewMoneyFormatter(locale).WithLogger(logger.WithComponent(log.ComponentReporter).Slog()),
		prefix:    prefix,
		logger:    logger,
		now:       now,
	}
}

// Start begins an export in the background. The run outlives ctx's deadline
// and cancellation but keeps its values; use Session.Cancel to stop it.
// Only one session runs at a time; a second call gets ErrExportInProgress.
func (s *ExportService) Start(ctx context.Context, req Request) (*Session, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess, err := s.begin(cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	go s.run(runCtx, sess, req)
	return sess, nil
}

// Run performs an export synchronously, returning the delivered export.
func (s *ExportService) Run(ctx context.Context, req Request) (sink.Export, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess, err := s.begin(cancel)
	if err != nil {
		return sink.Export{}, err
	}
	s.run(runCtx, sess, req)
	return sess.Result()
}

// Current returns the most recent session, running or finished.
func (s *ExportService) Current() (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != nil
}

// AvailableYears lists the years with billing activity, newest first.
func (s *ExportService) AvailableYears(ctx context.Context) ([]int, error) {
	return s.fetcher.ListAvailableYears(ctx)
}

// Shutdown cancels a running session and waits for it to stop.
func (s *ExportService) Shutdown(ctx context.Context) error {
	sess, ok := s.Current()
	if !ok {
		return nil
	}
	select {
	case <-sess.Done():
		return nil
	default:
	}
	s.logger.InfoContext(ctx, "Cancelling running export", log.FieldSessionID, sess.ID())
	sess.Cancel()
	select {
	case <-sess.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ExportService) begin(cancel context.CancelFunc) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		select {
		case <-s.current.Done():
		default:
			return nil, core.ErrExportInProgress
		}
	}
	sess := newSession(uuid.NewString(), s.now(), cancel)
	s.current = sess
	return sess, nil
}

func (s *ExportService) run(ctx context.Context, sess *Session, req Request) {
	logger := s.logger.With(log.FieldSessionID, sess.ID())
	started := time.Now()

	export, err := s.export(ctx, sess, req, logger)
	if err != nil {
		logger.ErrorContext(ctx, "Export failed", log.FieldError, err, "elapsed", time.Since(started))
		sess.fail(err)
		return
	}

	logger.InfoContext(ctx, "Export completed",
		log.FieldFilename, export.Filename,
		log.FieldYears, export.Summary.Years,
		"creators", export.Summary.Creators,
		"dropped", export.Summary.Dropped,
		"conflicts", len(export.Summary.Conflicts),
		"elapsed", time.Since(started))
	sess.complete(export)
}

func (s *ExportService) export(ctx context.Context, sess *Session, req Request, logger *log.Logger) (sink.Export, error) {
	years, err := s.resolveYears(ctx, sess, req)
	if err != nil {
		return sink.Export{}, err
	}
	sess.setYears(years)
	logger.InfoContext(ctx, "Export started", log.FieldYears, years)

	results := make(map[int]core.YearResult, len(years))
	for i, year := range years {
		sess.beginYear(i)
		res, err := s.fetcher.FetchYear(ctx, year, func(y, page, totalPages, records int) {
			sess.onPage(y, page, totalPages, records)
			logger.DebugContext(ctx, "Fetched page", log.NewFields().WithPage(y, page, totalPages, records).ToSlice()...)
		})
		if err != nil {
			return sink.Export{}, err
		}
		logger.InfoContext(ctx, "Fetched year", log.FieldYear, year, "bills", len(res.Bills), "creators", len(res.Creators))
		results[year] = res
	}

	sess.setMessage("Building report")
	agg := core.Aggregate(results)
	for _, c := range agg.Conflicts {
		logger.WarnContext(ctx, "Currency conflict, bill excluded from totals",
			log.FieldCreator, c.Creator,
			log.FieldCurrency, c.Currency,
			"conflicting_currency", c.Conflicting,
			log.FieldYear, c.Year,
			"bill_id", c.BillID,
			log.FieldAmountMinor, c.Amount)
	}
	if agg.Dropped > 0 {
		logger.WarnContext(ctx, "Bills without a known creator were skipped", "count", agg.Dropped)
	}

	report := core.BuildReport(agg, years, s.formatter)
	csv, err := report.CSV()
	if err != nil {
		return sink.Export{}, fmt.Errorf("render report: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return sink.Export{}, err
	}

	generated := s.now()
	export := sink.Export{
		SessionID:   sess.ID(),
		Filename:    core.Filename(s.prefix, generated),
		GeneratedAt: generated,
		Report:      report,
		Summary:     agg.Summary(years),
		CSV:         csv,
	}

	sess.setMessage("Saving export")
	if err := s.deliver(ctx, export, logger); err != nil {
		return sink.Export{}, err
	}
	return export, nil
}

func (s *ExportService) resolveYears(ctx context.Context, sess *Session, req Request) ([]int, error) {
	if req.Year != 0 {
		return []int{req.Year}, nil
	}
	sess.setMessage("Looking up years with billing activity")
	years, err := s.fetcher.ListAvailableYears(ctx)
	if err != nil {
		return nil, fmt.Errorf("list available years: %w", err)
	}
	if len(years) == 0 {
		return nil, core.ErrNoYearsAvailable
	}
	years = slices.Clone(years)
	slices.Sort(years)
	slices.Reverse(years)
	return slices.Compact(years), nil
}

func (s *ExportService) deliver(ctx context.Context, e sink.Export, logger *log.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sk := range s.sinks {
		g.Go(func() error {
			if err := sk.Deliver(gctx, e); err != nil {
				logger.ErrorContext(gctx, "Sink delivery failed", log.FieldSink, sk.Name(), log.FieldError, err)
				return fmt.Errorf("deliver to %s: %w", sk.Name(), err)
			}
			logger.DebugContext(gctx, "Delivered export", log.FieldSink, sk.Name())
			return nil
		})
	}
	return g.Wait()
}
