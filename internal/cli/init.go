// Package cli provides the initialization shared by the creatorbills
// subcommands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"creatorbills/internal/amqp"
	"creatorbills/internal/config"
	applog "creatorbills/internal/log"
	"creatorbills/internal/platform"
	"creatorbills/internal/sink"
	"creatorbills/internal/sink/google"
	"creatorbills/internal/storage"
)

// SetupLogger builds the application logger from LOG_LEVEL and LOG_FORMAT
// and installs it as the slog default.
func SetupLogger(cfg *config.Config) *applog.Logger {
	lc := applog.DefaultConfig()
	if cfg != nil {
		lc.Level = applog.ParseLevel(cfg.LogLevel)
		lc.Format = cfg.LogFormat
	}
	logger := applog.New(lc)
	applog.SetDefault(logger)
	return logger
}

// LoadEnvFile loads a .env file for local use. A missing file is fine.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// It exits the process on failure.
func LoadAndValidateConfig(logger *applog.Logger) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", applog.FieldError, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", applog.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// NewPlatformClient builds the billing API client from configuration.
func NewPlatformClient(cfg *config.Config, logger *applog.Logger) (*platform.Client, error) {
	if cfg.SessionID == "" {
		logger.Warn("PLATFORM_SESSION_ID is not set; the billing API will reject requests")
	}
	return platform.New(platform.Options{
		BaseURL:   cfg.BaseURL,
		SessionID: cfg.SessionID,
		UserAgent: cfg.UserAgent,
		PageSize:  cfg.PageSize,
		PageDelay: cfg.PageDelay,
		Timeout:   cfg.Timeout,
		Location:  cfg.Location(),
		Logger:    logger.WithComponent(applog.ComponentFetcher),
	})
}

// Sinks holds the optional sinks enabled by configuration.
type Sinks struct {
	List    []sink.Sink
	Archive *storage.SQLiteRepository
	closers []func() error
}

// Close releases every sink connection.
func (s *Sinks) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenSinks opens the SQLite archive, AMQP publisher and Google Sheets
// sink when configured. base sinks are always included first.
func OpenSinks(ctx context.Context, cfg *config.Config, logger *applog.Logger, base ...sink.Sink) (*Sinks, error) {
	s := &Sinks{List: append([]sink.Sink(nil), base...)}

	if cfg.SQLiteDBPath != "" {
		repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open sqlite archive: %w", err)
		}
		s.Archive = repo
		s.List = append(s.List, repo)
		s.closers = append(s.closers, repo.Close)
		logger.Info("SQLite archive enabled", "path", cfg.SQLiteDBPath)
	}

	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("connect amqp: %w", err)
		}
		s.List = append(s.List, client)
		s.closers = append(s.closers, client.Close)
		logger.Info("AMQP notifications enabled", "exchange", cfg.AMQPExchange, "routing_key", cfg.AMQPRoutingKey)
	}

	if cfg.GoogleSpreadsheetID != "" {
		client, err := google.New(ctx, google.Options{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			SheetName:       cfg.GoogleSheetName,
			CredentialsJSON: cfg.GoogleServiceAccountJSON,
			CredentialsFile: cfg.CredentialsFile(),
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open google sheets: %w", err)
		}
		s.List = append(s.List, client)
		logger.Info("Google Sheets sink enabled", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	}

	return s, nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(logger *applog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
