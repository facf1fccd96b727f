package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"ctbb/internal/devices"
	"ctbb/internal/fileutil"
	"ctbb/internal/ledger"
	"ctbb/internal/library"
	"ctbb/internal/lockdir"
	"ctbb/internal/logging"
	"ctbb/internal/metrics"
	"ctbb/internal/queue"
	"ctbb/internal/recon"
)

// Dependencies are the collaborators shared by every worker of a daemon.
type Dependencies struct {
	Library *library.Library
	Ledger  *ledger.Ledger
	Runner  recon.Runner
	Metrics metrics.Recorder
	// Logger is the daemon logger; run logs are teed into it.
	Logger *slog.Logger
}

// Result summarizes one finished run.
type Result struct {
	RunID    string
	Kind     Kind
	Err      error
	Study    string
	Duration time.Duration
}

// Worker owns one device for the lifetime of one job run.
type Worker struct {
	deps   Dependencies
	desc   queue.Descriptor
	device devices.Device
	runID  string

	logger    *slog.Logger
	caseID    string
	study     library.StudyDir
	studyOK   bool
	paramFile string
	current   string
	ran       bool
	released  bool
}

// New takes the device lock without blocking. lockdir.ErrBusy means another
// holder got there first and the job should be requeued.
func New(desc queue.Descriptor, device devices.Device, deps Dependencies) (*Worker, error) {
	if err := device.Lock.TryAcquire(); err != nil {
		return nil, err
	}
	return newWorker(desc, device, deps), nil
}

// NewBlocking waits for the device lock; it backs the standalone worker
// command.
func NewBlocking(ctx context.Context, desc queue.Descriptor, device devices.Device, deps Dependencies) (*Worker, error) {
	if err := device.Lock.Acquire(ctx); err != nil {
		return nil, err
	}
	return newWorker(desc, device, deps), nil
}

func newWorker(desc queue.Descriptor, device devices.Device, deps Dependencies) *Worker {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	return &Worker{
		deps:   deps,
		desc:   desc,
		device: device,
		runID:  uuid.NewString(),
	}
}

// RunID identifies the run in logs and the run log file name.
func (w *Worker) RunID() string { return w.runID }

// Descriptor returns the job being run.
func (w *Worker) Descriptor() queue.Descriptor { return w.desc }

// Device returns the device the worker holds.
func (w *Worker) Device() devices.Device { return w.device }

// Run executes the stages and Finalize, then releases the device. It must be
// called at most once.
func (w *Worker) Run(ctx context.Context) Result {
	defer w.releaseDevice()
	if w.ran {
		return Result{RunID: w.runID, Kind: UnexpectedError, Err: errors.New("worker already ran")}
	}
	w.ran = true
	start := time.Now()

	ctx = logging.WithRunID(ctx, w.runID)
	ctx = logging.WithDevice(ctx, w.device.LockName())
	runLogPath, closeRunLog := w.openRunLog()

	logger := logging.WithContext(ctx, w.logger)
	logger.Info("job started",
		logging.Event("job_start"),
		logging.Job(w.desc.String()),
		logging.String("source", w.desc.SourcePath),
		logging.Dose(w.desc.Dose),
		logging.String("kernel", w.desc.Kernel),
		logging.String("slice_thickness", w.desc.SliceThickness),
	)

	failure := w.execute(ctx)
	kind := KindOf(failure)
	ledgerErr := w.finalize(ctx, kind)

	result := Result{RunID: w.runID, Kind: kind, Err: failure, Study: w.study.Path, Duration: time.Since(start)}
	if failure == nil && ledgerErr != nil {
		result.Err = ledgerErr
	}
	w.deps.Metrics.IncJobOutcome(kind.String())

	logger.Info("job finished",
		logging.Event("job_complete"),
		logging.Status(kind.String()),
		logging.CaseID(w.caseID),
		logging.Duration("elapsed", result.Duration),
		logging.String("study", w.study.Path),
	)

	if err := closeRunLog(); err != nil {
		w.deps.Logger.Warn("close run log failed", logging.Error(err), logging.RunID(w.runID))
	}
	w.archiveRunLog(runLogPath)
	return result
}

// execute runs every stage before Finalize and returns the first failure.
func (w *Worker) execute(ctx context.Context) (failure error) {
	defer func() {
		if r := recover(); r != nil {
			failure = stageFailure(UnexpectedError, w.current, fmt.Errorf("panic: %v", r))
			logging.ErrorWithContext(logging.WithContext(ctx, w.logger), "worker panicked", "worker_panic",
				logging.Stage(w.current),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldErrorHint, "inspect the stack trace in the run log"),
				logging.String(logging.FieldImpact, "job recorded as UnexpectedError"),
			)
		}
	}()

	if err := w.runStage(ctx, StageFetchRaw, w.fetchRaw); err != nil {
		failure = err
	}
	if err := w.runStage(ctx, StageInitializeStudy, w.initializeStudy); err != nil && failure == nil {
		failure = err
	}
	if failure != nil {
		return failure
	}

	if w.desc.Dose == w.deps.Library.Config().Recon.ReferenceDose {
		w.skipStage(ctx, StageSimulateDose, "reference dose requested")
	} else if err := w.runStage(ctx, StageSimulateDose, w.simulateDose); err != nil {
		return err
	}
	if err := w.runStage(ctx, StageAssembleParameters, w.assembleParameters); err != nil {
		return err
	}
	return w.runStage(ctx, StageReconstruct, w.reconstruct)
}

func (w *Worker) runStage(ctx context.Context, name string, fn func(context.Context) error) error {
	w.current = name
	stageCtx := logging.WithStage(ctx, name)
	logger := logging.WithContext(stageCtx, w.logger)
	logger.Info("stage started", logging.Event("stage_start"))

	start := time.Now()
	err := fn(stageCtx)
	elapsed := time.Since(start)
	w.deps.Metrics.ObserveStageDuration(name, elapsed)
	if err != nil {
		w.deps.Metrics.IncStageResult(name, metrics.ResultFailed)
		logger.Error("stage failed",
			logging.Event("stage_failure"),
			logging.Status(KindOf(err).String()),
			logging.Duration("elapsed", elapsed),
			logging.Error(err),
		)
		return err
	}
	w.deps.Metrics.IncStageResult(name, metrics.ResultSuccess)
	logger.Info("stage completed",
		logging.Event("stage_complete"),
		logging.Duration("elapsed", elapsed),
	)
	return nil
}

func (w *Worker) skipStage(ctx context.Context, name, reason string) {
	w.deps.Metrics.IncStageResult(name, metrics.ResultSkipped)
	logging.WithContext(logging.WithStage(ctx, name), w.logger).Info("stage skipped",
		logging.Event("stage_skipped"),
		logging.String("reason", reason),
	)
}

// finalize relocates artifacts and appends the ledger line. Ledger writes
// ignore cancellation of ctx so a dispatched job always leaves an outcome.
func (w *Worker) finalize(ctx context.Context, kind Kind) (err error) {
	w.current = StageFinalize
	stageCtx := logging.WithStage(ctx, StageFinalize)
	logger := logging.WithContext(stageCtx, w.logger)
	logger.Info("stage started", logging.Event("stage_start"))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("finalize panic: %v", r)
			logging.ErrorWithContext(logger, "finalize panicked", "worker_panic",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldErrorHint, "check ledger and study directory by hand"),
				logging.String(logging.FieldImpact, "outcome may be missing from the ledger"),
			)
		}
	}()

	w.ensureStudy()
	if w.studyOK {
		if _, err := fileutil.MoveMatching(w.study.Path, w.study.LogDir, "*.std*", "*.log"); err != nil {
			logging.WarnWithContext(logger, "relocating logs failed", "artifact_move_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check permissions on the study directory"),
				logging.String(logging.FieldImpact, "some logs remain at the study root"),
			)
		}
		if _, err := fileutil.MoveMatching(w.study.Path, w.study.ImgDir, "*.img", "*.prm"); err != nil {
			logging.WarnWithContext(logger, "relocating images failed", "artifact_move_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check free space and permissions on the study directory"),
				logging.String(logging.FieldImpact, "some images remain at the study root"),
			)
		}
	}

	ledgerCtx := context.WithoutCancel(ctx)
	if kind == Success {
		err = w.deps.Ledger.RecordSuccess(ledgerCtx, w.desc.String())
	} else {
		err = w.deps.Ledger.RecordFailure(ledgerCtx, w.desc.String(), kind.String())
	}
	elapsed := time.Since(start)
	w.deps.Metrics.ObserveStageDuration(StageFinalize, elapsed)
	if err != nil {
		w.deps.Metrics.IncStageResult(StageFinalize, metrics.ResultFailed)
		logging.ErrorWithContext(logger, "recording outcome failed", "ledger_write_failed",
			logging.Error(err),
			logging.Status(kind.String()),
			logging.String(logging.FieldErrorHint, "check the done/error lock markers under .proc/mutex"),
			logging.String(logging.FieldImpact, "job outcome missing from the ledger"),
		)
		return err
	}
	w.deps.Metrics.IncStageResult(StageFinalize, metrics.ResultSuccess)
	logger.Info("stage completed",
		logging.Event("stage_complete"),
		logging.Status(kind.String()),
		logging.Duration("elapsed", elapsed),
	)
	return nil
}

// ensureStudy resolves and creates the study directory when the stage that
// normally does so never ran.
func (w *Worker) ensureStudy() {
	if w.studyOK {
		return
	}
	if w.caseID == "" {
		w.caseID = library.FallbackCaseID(w.desc.SourcePath)
	}
	if w.study.Path == "" {
		w.study = w.deps.Library.Study(w.caseID, w.desc.Dose, w.desc.Kernel, w.desc.SliceThickness)
	}
	w.studyOK = w.deps.Library.InitializeStudy(w.study) == nil
}

func (w *Worker) openRunLog() (string, func() error) {
	w.logger = w.deps.Logger
	path := filepath.Join(w.deps.Library.RunLogDir(), w.runID+".log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logging.WarnWithContext(w.deps.Logger, "run log unavailable", "run_log_unavailable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions on the library log directory"),
			logging.String(logging.FieldImpact, "run metrics will not include this job"),
		)
		return "", func() error { return nil }
	}
	runLogger, closeFn, err := logging.NewCloser(logging.Options{
		Format:      "json",
		Level:       "debug",
		OutputPaths: []string{path},
	})
	if err != nil {
		logging.WarnWithContext(w.deps.Logger, "run log unavailable", "run_log_unavailable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions on the library log directory"),
			logging.String(logging.FieldImpact, "run metrics will not include this job"),
		)
		return "", func() error { return nil }
	}
	w.logger = logging.TeeLogger(w.deps.Logger, runLogger)
	return path, closeFn
}

func (w *Worker) archiveRunLog(path string) {
	if path == "" || !w.studyOK {
		return
	}
	dst := filepath.Join(w.study.LogDir, filepath.Base(path))
	if err := fileutil.CopyFile(path, dst); err != nil {
		w.deps.Logger.Warn("copy run log into study failed",
			logging.Error(err),
			logging.RunID(w.runID),
			logging.Event("run_log_copy_failed"),
		)
	}
}

func (w *Worker) releaseDevice() {
	if w.released {
		return
	}
	w.released = true
	if err := w.device.Lock.Release(); err != nil {
		event := "device_release_failed"
		if errors.Is(err, lockdir.ErrNotHeld) {
			event = "device_not_held"
		}
		logging.WarnWithContext(w.deps.Logger, "device lock release failed", event,
			logging.Error(err),
			logging.Device(w.device.LockName()),
			logging.RunID(w.runID),
			logging.String(logging.FieldErrorHint, "the marker was removed by someone else"),
			logging.String(logging.FieldImpact, "none; the device is already free"),
		)
	}
}
