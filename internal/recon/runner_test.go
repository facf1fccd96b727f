package recon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ctbb/internal/logging"
	"ctbb/internal/testsupport"
)

func TestCommandMatchesReconInvocation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	runner := NewExecRunner(cfg, logging.NewNop())
	got := strings.Join(runner.Command(2, "/lib/recon/100/x/x.prm"), " ")
	want := "ctbb_recon -v --timing --device=2 /lib/recon/100/x/x.prm"
	if got != want {
		t.Fatalf("command = %q, want %q", got, want)
	}
}

func TestRunCapturesOutputFiles(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	prm := filepath.Join(t.TempDir(), "case_d100_kB_st1.0.prm")
	if err := os.WriteFile(prm, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := NewExecRunner(cfg, logging.NewNop()).Run(context.Background(), 1, prm); err != nil {
		t.Fatalf("Run: %v", err)
	}
	stdout, err := os.ReadFile(prm + ".stdout")
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if !strings.Contains(string(stdout), "--device=1") {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	if _, err := os.Stat(prm + ".stderr"); err != nil {
		t.Fatalf("expected stderr capture: %v", err)
	}
	if _, err := os.Stat(strings.TrimSuffix(prm, ".prm") + ".img"); err != nil {
		t.Fatalf("expected stub image: %v", err)
	}
}

func TestRunReportsExitCode(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithReconExitCode(2))
	prm := filepath.Join(t.TempDir(), "x.prm")
	if err := os.WriteFile(prm, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := NewExecRunner(cfg, logging.NewNop()).Run(context.Background(), 0, prm)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Fatalf("expected exit status 2, got %v", err)
	}
}

func TestRunMissingBinary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Recon.Binary = filepath.Join(t.TempDir(), "absent")
	prm := filepath.Join(t.TempDir(), "x.prm")

	err := NewExecRunner(cfg, logging.NewNop()).Run(context.Background(), 0, prm)
	var exitErr *ExitError
	if err == nil || errors.As(err, &exitErr) {
		t.Fatalf("expected start failure, got %v", err)
	}
}
