package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"ctbb/internal/config"
	"ctbb/internal/devices"
	"ctbb/internal/lockdir"
	"ctbb/internal/logging"
	"ctbb/internal/queue"
	"ctbb/internal/worker"
)

// Dispatch pairs a popped descriptor with a free device.
type Dispatch struct {
	Descriptor queue.Descriptor
	Device     devices.Device
}

// Spawner starts workers. Spawn returns once the device is claimed for the
// job; lockdir.ErrBusy means the device was taken in between and the
// descriptor must go back to the queue.
type Spawner interface {
	Spawn(ctx context.Context, d Dispatch) error
	// Active reports workers still running, when the spawner can know.
	Active() int
	// Wait blocks until every tracked worker has finished.
	Wait()
}

// GoroutineSpawner runs each worker on its own goroutine inside the daemon.
// Workers do not observe daemon cancellation; a dispatched job runs to the
// end.
type GoroutineSpawner struct {
	Deps   worker.Dependencies
	Logger *slog.Logger

	wg     sync.WaitGroup
	active atomic.Int32
}

func (g *GoroutineSpawner) Spawn(ctx context.Context, d Dispatch) error {
	w, err := worker.New(d.Descriptor, d.Device, g.Deps)
	if err != nil {
		return err
	}
	runCtx := context.WithoutCancel(ctx)
	g.active.Add(1)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.active.Add(-1)
		logger := g.Logger
		if logger == nil {
			logger = logging.NewNop()
		}
		// Run releases the device while unwinding.
		defer func() {
			if r := recover(); r != nil {
				logging.ErrorWithContext(logger, "worker panicked outside its stages", "worker_panic",
					logging.RunID(w.RunID()),
					logging.Device(d.Device.LockName()),
					logging.Job(d.Descriptor.String()),
					logging.Any("panic", r),
					logging.String("stack", string(debug.Stack())),
					logging.String(logging.FieldErrorHint, "check the run log and the ledgers for this job"),
					logging.String(logging.FieldImpact, "job outcome may be missing from the ledger"),
				)
			}
		}()
		res := w.Run(runCtx)
		logger.Info("worker finished",
			logging.RunID(res.RunID),
			logging.Device(d.Device.LockName()),
			logging.Job(d.Descriptor.String()),
			logging.Status(res.Kind.String()),
			logging.Duration("elapsed", res.Duration),
		)
	}()
	return nil
}

func (g *GoroutineSpawner) Active() int { return int(g.active.Load()) }

func (g *GoroutineSpawner) Wait() { g.wg.Wait() }

// ProcessSpawner launches `<executable> worker run <descriptor> <devN>
// <library>` in its own session with output discarded. The child takes the
// device lock itself; Spawn waits until the lock shows HELD so the next pass
// does not see the device as free.
type ProcessSpawner struct {
	Executable  string
	LibraryRoot string
	ConfigPath  string
	Handoff     time.Duration
	Logger      *slog.Logger
}

const defaultHandoff = 30 * time.Second

func (p *ProcessSpawner) Command(d Dispatch) []string {
	argv := []string{p.Executable, "worker", "run"}
	if p.ConfigPath != "" {
		argv = append(argv, "--config", p.ConfigPath)
	}
	return append(argv, d.Descriptor.String(), d.Device.LockName(), p.LibraryRoot)
}

func (p *ProcessSpawner) Spawn(ctx context.Context, d Dispatch) error {
	state, err := d.Device.Lock.Probe()
	if err != nil {
		return err
	}
	if state == lockdir.Held {
		return lockdir.ErrBusy
	}

	argv := p.Command(d)
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker process: %w", err)
	}
	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	handoff := p.Handoff
	if handoff <= 0 {
		handoff = defaultHandoff
	}
	deadline := time.NewTimer(handoff)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if state, err := d.Device.Lock.Probe(); err == nil && state == lockdir.Held {
			return nil
		}
		select {
		case <-exited:
			// A zero exit means the child ran the whole job between probes.
			if waitErr != nil {
				return fmt.Errorf("worker process exited before claiming %s: %w", d.Device.LockName(), waitErr)
			}
			return nil
		case <-deadline.C:
			p.logger().Warn("worker process has not claimed its device",
				logging.Device(d.Device.LockName()),
				logging.Int("pid", cmd.Process.Pid),
				logging.Event("worker_handoff_slow"),
				logging.String(logging.FieldErrorHint, "check the worker process and its run log"),
				logging.String(logging.FieldImpact, "device may be dispatched twice; the second worker waits"),
			)
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *ProcessSpawner) logger() *slog.Logger {
	if p.Logger == nil {
		return logging.NewNop()
	}
	return p.Logger
}

// Active is always zero: detached workers are tracked only through their
// device locks.
func (p *ProcessSpawner) Active() int { return 0 }

// Wait returns immediately; detached workers outlive the daemon.
func (p *ProcessSpawner) Wait() {}

// NewSpawner builds the spawner selected by scheduler.worker_mode.
func NewSpawner(cfg *config.Config, configPath string, deps worker.Dependencies, logger *slog.Logger) (Spawner, error) {
	if cfg.Scheduler.WorkerMode != config.WorkerModeProcess {
		return &GoroutineSpawner{Deps: deps, Logger: logger}, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve worker executable: %w", err)
	}
	return &ProcessSpawner{
		Executable:  exe,
		LibraryRoot: cfg.LibraryRoot,
		ConfigPath:  configPath,
		Logger:      logger,
	}, nil
}
