package logging_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ctbb/internal/logging"
)

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")

	logger, closeFn, err := logging.NewCloser(logging.Options{
		Format:           "console",
		Level:            "info",
		OutputPaths:      []string{logPath},
		ErrorOutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("NewCloser returned error: %v", err)
	}
	logger.Info("message without caller", logging.Device("dev1"))
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
	if !strings.Contains(string(content), "[dev1] message without caller") {
		t.Fatalf("expected device prefix, got %q", content)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")

	logger, closeFn, err := logging.NewCloser(logging.Options{
		Format:      "console",
		Level:       "debug",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("NewCloser returned error: %v", err)
	}
	defer closeFn()

	logger.Debug("message with caller")
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "logger_test.go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestJSONLoggerWritesMineableTimestamps(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "run.log")

	logger, closeFn, err := logging.NewCloser(logging.Options{
		Format:      "json",
		Level:       "info",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("NewCloser returned error: %v", err)
	}
	ctx := logging.WithStage(logging.WithRunID(context.Background(), "run-1"), "recon")
	logging.WithContext(ctx, logger).Info("stage started", logging.Event("stage_start"))
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected one log line")
	}
	var rec map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["run_id"] != "run-1" || rec["stage"] != "recon" || rec["event_type"] != "stage_start" {
		t.Fatalf("unexpected record: %#v", rec)
	}
	ts, ok := rec["ts"].(string)
	if !ok {
		t.Fatalf("missing ts: %#v", rec)
	}
	parsed, err := logging.ParseTime(ts)
	if err != nil {
		t.Fatalf("ParseTime(%q): %v", ts, err)
	}
	if time.Since(parsed) > time.Minute {
		t.Fatalf("unexpected timestamp %v", parsed)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestTeeLoggerWritesToAllHandlers(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	a, closeA, err := logging.NewCloser(logging.Options{Format: "console", OutputPaths: []string{first}})
	if err != nil {
		t.Fatalf("first logger: %v", err)
	}
	b, closeB, err := logging.NewCloser(logging.Options{Format: "json", OutputPaths: []string{second}})
	if err != nil {
		t.Fatalf("second logger: %v", err)
	}
	logging.TeeLogger(a, b, nil).With(logging.Job("x")).Info("hello")
	_ = closeA()
	_ = closeB()

	for _, path := range []string{first, second} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if !strings.Contains(string(data), "hello") {
			t.Fatalf("expected %s to contain message, got %q", path, data)
		}
	}
}

func TestCleanupOldLogsRespectsExclusions(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "ctbbd-old.log")
	current := filepath.Join(dir, "ctbbd-current.log")
	for _, p := range []string{old, current} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		stale := time.Now().AddDate(0, 0, -10)
		if err := os.Chtimes(p, stale, stale); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed := logging.CleanupOldLogs(logging.NewNop(), 5, logging.RetentionTarget{
		Dir:     dir,
		Pattern: "ctbbd-*.log",
		Exclude: []string{current},
	})
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected old log removed, stat err=%v", err)
	}
	if _, err := os.Stat(current); err != nil {
		t.Fatalf("expected current log kept: %v", err)
	}
}

func TestWarnWithContextFillsMissingFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "warn.log")
	logger, closeFn, err := logging.NewCloser(logging.Options{
		Format:      "json",
		Level:       "info",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("NewCloser returned error: %v", err)
	}
	logging.WarnWithContext(logger, "lock release failed", "lock_release_failed",
		logging.Lock("case-abc-d50"),
		logging.Dose(50),
		logging.String(logging.FieldImpact, "lock stays held"),
	)
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(content, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["lock"] != "case-abc-d50" || rec["dose"] != float64(50) {
		t.Fatalf("pipeline fields missing: %#v", rec)
	}
	if rec["event_type"] != "lock_release_failed" || rec["error_hint"] == nil {
		t.Fatalf("defaults not injected: %#v", rec)
	}
	if rec["impact"] != "lock stays held" {
		t.Fatalf("caller impact overwritten: %#v", rec)
	}
}
