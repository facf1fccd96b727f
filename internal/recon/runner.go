// Package recon invokes the external reconstruction program.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"ctbb/internal/config"
	"ctbb/internal/logging"
)

var commandContext = exec.CommandContext

// ExitError reports a reconstruction that ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return "reconstruction exited with status " + strconv.Itoa(e.Code)
}

// Runner launches one reconstruction on a device.
type Runner interface {
	Run(ctx context.Context, device int, paramFile string) error
}

// ExecRunner runs <binary> <args...> --device=<n> <paramFile>, capturing
// stdout and stderr to <paramFile>.stdout and <paramFile>.stderr.
type ExecRunner struct {
	Binary string
	Args   []string
	Logger *slog.Logger
}

// NewExecRunner builds a runner from the recon settings.
func NewExecRunner(cfg *config.Config, logger *slog.Logger) *ExecRunner {
	return &ExecRunner{
		Binary: cfg.Recon.Binary,
		Args:   append([]string(nil), cfg.Recon.Args...),
		Logger: logging.NewComponentLogger(logger, "recon"),
	}
}

// Command returns the argument vector for a run.
func (r *ExecRunner) Command(device int, paramFile string) []string {
	argv := make([]string, 0, len(r.Args)+3)
	argv = append(argv, r.Binary)
	argv = append(argv, r.Args...)
	argv = append(argv, "--device="+strconv.Itoa(device), paramFile)
	return argv
}

func (r *ExecRunner) Run(ctx context.Context, device int, paramFile string) error {
	logger := r.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	stdout, err := os.Create(paramFile + ".stdout")
	if err != nil {
		return fmt.Errorf("create stdout capture: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(paramFile + ".stderr")
	if err != nil {
		return fmt.Errorf("create stderr capture: %w", err)
	}
	defer stderr.Close()

	argv := r.Command(device, paramFile)
	cmd := commandContext(ctx, argv[0], argv[1:]...) //nolint:gosec
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logging.WithContext(ctx, logger).Info("dispatching reconstruction",
		logging.String("command", strings.Join(argv, " ")),
	)
	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logging.WithContext(ctx, logger).Debug("reconstruction exited",
				logging.Int("exit_code", exitErr.ExitCode()),
				logging.Duration("elapsed", elapsed),
			)
			return &ExitError{Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("run %s: %w", r.Binary, err)
	}
	logging.WithContext(ctx, logger).Debug("reconstruction exited",
		logging.Int("exit_code", 0),
		logging.Duration("elapsed", elapsed),
	)
	return nil
}
