package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"creatorbills/internal/cli"
	"creatorbills/internal/config"
	"creatorbills/internal/core"
	apphttp "creatorbills/internal/http"
	applog "creatorbills/internal/log"
	"creatorbills/internal/services"
	"creatorbills/internal/sink"
	"creatorbills/internal/sink/file"
	"creatorbills/internal/sink/memory"
)

const usage = `usage: creatorbills <command> [flags]

commands:
  export   fetch billing history and write the CSV report
  serve    start the local web UI
`

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(nil)
	cfg := cli.LoadAndValidateConfig(logger)
	logger = cli.SetupLogger(cfg)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "export":
		err = runExport(cfg, logger, os.Args[2:])
	case "serve":
		err = runServe(cfg, logger, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("Command failed", "command", os.Args[1], applog.FieldError, err)
		os.Exit(1)
	}
}

func runExport(cfg *config.Config, logger *applog.Logger, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	yearFlag := fs.String("year", "all", `year to export, or "all"`)
	outDir := fs.String("out", cfg.OutputDir, "output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	year, err := parseYear(*yearFlag)
	if err != nil {
		return err
	}

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	client, err := cli.NewPlatformClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("platform client: %w", err)
	}

	writer := file.New(*outDir, logger)
	sinks, err := cli.OpenSinks(ctx, cfg, logger, writer)
	if err != nil {
		return err
	}
	defer sinks.Close()

	svc := services.NewExportService(client, sinks.List, services.ExportServiceConfig{
		Locale:     cfg.Language(),
		FilePrefix: cfg.FilePrefix,
		Logger:     logger,
	})

	export, err := svc.Run(ctx, services.Request{Year: year})
	if err != nil {
		if errors.Is(err, core.ErrNoYearsAvailable) {
			fmt.Fprintln(os.Stderr, "No billing history found for this account.")
		}
		return err
	}

	fmt.Fprintf(os.Stdout, "Wrote %s (%d creators, %d years)\n",
		writer.Path(export.Filename), export.Summary.Creators, len(export.Summary.Years))
	if n := len(export.Summary.Conflicts); n > 0 {
		fmt.Fprintf(os.Stdout, "Warning: %d bill(s) in a different currency than their creator's were left out of the totals.\n", n)
	}
	return nil
}

func runServe(cfg *config.Config, logger *applog.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.String("port", cfg.Port, "port to listen on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	client, err := cli.NewPlatformClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("platform client: %w", err)
	}

	downloads := memory.New(5)
	sinks, err := cli.OpenSinks(ctx, cfg, logger, downloads)
	if err != nil {
		return err
	}
	defer sinks.Close()

	var archive sink.ExportReader = downloads
	if sinks.Archive != nil {
		archive = sinks.Archive
	}

	svc := services.NewExportService(client, sinks.List, services.ExportServiceConfig{
		Locale:     cfg.Language(),
		FilePrefix: cfg.FilePrefix,
		Logger:     logger,
	})

	srv := apphttp.NewServer(":"+*port, svc, archive, logger)
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 30 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting creatorbills UI", "addr", "http://localhost:"+*port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Export did not stop in time", applog.FieldError, err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func parseYear(v string) (int, error) {
	if v == "" || v == "all" {
		return 0, nil
	}
	y, err := strconv.Atoi(v)
	if err != nil || y < 1000 || y > 9999 {
		return 0, fmt.Errorf("invalid -year %q: use \"all\" or a four digit year", v)
	}
	return y, nil
}
