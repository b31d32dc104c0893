// Package file writes rendered exports to the local filesystem.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	applog "creatorbills/internal/log"
	"creatorbills/internal/sink"
)

// Writer saves each export as <dir>/<filename>.
type Writer struct {
	dir    string
	logger *applog.Logger
}

var _ sink.Sink = (*Writer)(nil)

// New returns a Writer for dir. The directory is created on first use.
// A nil logger discards output.
func New(dir string, logger *applog.Logger) *Writer {
	if dir == "" {
		dir = "."
	}
	if logger == nil {
		logger = applog.Discard()
	}
	return &Writer{dir: dir, logger: logger.WithComponent(applog.ComponentSink).With(applog.FieldSink, "file")}
}

func (w *Writer) Name() string { return "file" }

// Path returns where an export with the given filename is written.
func (w *Writer) Path(filename string) string {
	return filepath.Join(w.dir, filename)
}

// Deliver writes the CSV through a temporary file and renames it into place,
// so a reader never sees a partially written export.
func (w *Writer) Deliver(ctx context.Context, e sink.Export) error {
	if e.Filename == "" || filepath.Base(e.Filename) != e.Filename {
		return fmt.Errorf("invalid export filename %q", e.Filename)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(w.dir, ".creatorbills-*.csv")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	_, writeErr := tmp.Write(e.CSV)
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		return fmt.Errorf("write %s: %w", tmpName, err)
	}

	dest := w.Path(e.Filename)
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("rename to %s: %w", dest, err)
	}

	w.logger.InfoContext(ctx, "Export written", applog.FieldPath, dest, "bytes", len(e.CSV))
	return nil
}
