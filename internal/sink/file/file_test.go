package file

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	applog "creatorbills/internal/log"
	"creatorbills/internal/sink"
)

func TestDeliverWritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	w := New(dir, nil)

	e := sink.Export{Filename: "patreon_bills_2026-01-02.csv", CSV: []byte("Creator,Currency\nA,USD\n")}
	if err := w.Deliver(context.Background(), e); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, e.Filename))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(e.CSV) {
		t.Fatalf("content = %q", got)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the export in %s, found %d entries", dir, len(entries))
	}
}

func TestDeliverRejectsPathFilenames(t *testing.T) {
	w := New(t.TempDir(), nil)
	for _, name := range []string{"", "../escape.csv", "sub/dir.csv"} {
		if err := w.Deliver(context.Background(), sink.Export{Filename: name}); err == nil {
			t.Fatalf("expected error for filename %q", name)
		}
	}
}

func TestDeliverHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := t.TempDir()
	if err := New(dir, nil).Deliver(ctx, sink.Export{Filename: "x.csv"}); err == nil {
		t.Fatal("expected context error")
	}
	if _, err := os.Stat(filepath.Join(dir, "x.csv")); !os.IsNotExist(err) {
		t.Fatalf("file should not exist, stat err=%v", err)
	}
}

func TestDeliverLogsThroughInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := applog.New(applog.Config{Level: slog.LevelInfo, Format: applog.FormatJSON, Output: &buf})
	w := New(t.TempDir(), logger)

	if err := w.Deliver(context.Background(), sink.Export{Filename: "a.csv", CSV: []byte("x\n")}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"msg":"Export written"`, `"component":"sink"`, `"sink":"file"`, `"bytes":2`} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Fatalf("log output missing %s: %s", want, out)
		}
	}
}
