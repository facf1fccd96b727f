package library

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"ctbb/internal/config"
	"ctbb/internal/fileutil"
	"ctbb/internal/lockdir"
	"ctbb/internal/logging"
)

// Fixed subdirectory and file names under a library root.
const (
	RawDirName       = "raw"
	ReconDirName     = "recon"
	LogDirName       = "log"
	RunLogDirName    = "runs"
	MutexDirName     = "mutex"
	QueueFileName    = "queue"
	DoneFileName     = "done"
	ErrorFileName    = "error"
	ReconListName    = "recon_list"
	StudyLogDirName  = "log"
	StudyImgDirName  = "img"
	doseOutputMaxLen = 2048
)

// ErrRawDataMissing reports that a job's source file could not be read.
var ErrRawDataMissing = errors.New("raw data missing")

// Library resolves paths and derived data for one pipeline library root.
type Library struct {
	cfg    *config.Config
	logger *slog.Logger

	locksOnce sync.Once
	locks     *lockdir.Dir
	locksErr  error
}

// New binds a library to its loaded configuration.
func New(cfg *config.Config, logger *slog.Logger) *Library {
	return &Library{cfg: cfg, logger: logging.NewComponentLogger(logger, "library")}
}

// Root returns the library root.
func (l *Library) Root() string { return l.cfg.LibraryRoot }

// Config returns the configuration the library was opened with.
func (l *Library) Config() *config.Config { return l.cfg }

func (l *Library) RawDir() string     { return filepath.Join(l.Root(), RawDirName) }
func (l *Library) ReconDir() string   { return filepath.Join(l.Root(), ReconDirName) }
func (l *Library) LogDir() string     { return filepath.Join(l.Root(), LogDirName) }
func (l *Library) RunLogDir() string  { return filepath.Join(l.LogDir(), RunLogDirName) }
func (l *Library) ProcDir() string    { return l.cfg.ProcDir() }
func (l *Library) MutexDir() string   { return filepath.Join(l.ProcDir(), MutexDirName) }
func (l *Library) QueuePath() string  { return filepath.Join(l.ProcDir(), QueueFileName) }
func (l *Library) DonePath() string   { return filepath.Join(l.ProcDir(), DoneFileName) }
func (l *Library) ErrorPath() string  { return filepath.Join(l.ProcDir(), ErrorFileName) }
func (l *Library) ReconList() string  { return filepath.Join(l.ProcDir(), ReconListName) }

// RawDataDir is the directory holding raw data simulated at dose.
func (l *Library) RawDataDir(dose int) string {
	return filepath.Join(l.RawDir(), strconv.Itoa(dose))
}

// EnsureLayout creates the library directory tree. Existing directories are
// left untouched.
func (l *Library) EnsureLayout() error {
	dirs := []string{
		l.RawDir(),
		l.RawDataDir(l.cfg.Recon.ReferenceDose),
		l.ReconDir(),
		l.LogDir(),
		l.RunLogDir(),
		l.ProcDir(),
		l.MutexDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// CaseID returns the content hash identifying the case stored at path.
func CaseID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := md5.New() //nolint:gosec
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// FallbackCaseID names a study when the source could not be hashed.
func FallbackCaseID(source string) string {
	base := filepath.Base(strings.TrimSpace(source))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 || base == "." || base == string(filepath.Separator) {
		return "unknown"
	}
	return b.String()
}

// BaseParameterPath is the template parameter file for a source:
// raw/<basename><suffix>.
func (l *Library) BaseParameterPath(source string) string {
	return filepath.Join(l.RawDir(), filepath.Base(source)+l.cfg.Recon.BaseParameterSuffix)
}

// LocateRawData makes sure the reference-dose copy of source is present in
// the library and returns its case identifier. A base parameter file sitting
// next to the source is imported when the library has none yet.
func (l *Library) LocateRawData(ctx context.Context, source string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	caseID, err := CaseID(source)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrRawDataMissing, source, err)
	}

	refDir := l.RawDataDir(l.cfg.Recon.ReferenceDose)
	if err := os.MkdirAll(refDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", refDir, err)
	}
	target := filepath.Join(refDir, caseID)
	unlock, err := l.lockCaseData(ctx, caseID, l.cfg.Recon.ReferenceDose)
	if err != nil {
		return "", err
	}
	defer unlock()

	if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
		l.logger.Info("importing raw data",
			logging.CaseID(caseID),
			logging.String("source", source),
		)
		if err := fileutil.CopyFileVerified(source, target); err != nil {
			return "", fmt.Errorf("import raw data: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("stat %s: %w", target, err)
	}

	base := l.BaseParameterPath(source)
	sibling := source + l.cfg.Recon.BaseParameterSuffix
	if _, err := os.Stat(base); errors.Is(err, fs.ErrNotExist) {
		if _, err := os.Stat(sibling); err == nil {
			if err := fileutil.CopyFileVerified(sibling, base); err != nil {
				return "", fmt.Errorf("import base parameters: %w", err)
			}
		}
	}
	return caseID, nil
}

// LocateReducedDose makes sure raw data simulated at dose exists for caseID,
// invoking the dose-reduction binary when it does not. The binary is called
// as: <binary> <reference input> <dose> <output>. It writes to a hidden
// partial file that is renamed into place once the binary succeeds.
func (l *Library) LocateReducedDose(ctx context.Context, caseID string, dose int) error {
	unlock, err := l.lockCaseData(ctx, caseID, dose)
	if err != nil {
		return err
	}
	defer unlock()

	outDir := l.RawDataDir(dose)
	output := filepath.Join(outDir, caseID)
	if _, err := os.Stat(output); err == nil {
		l.logger.Debug("reduced dose data already present",
			logging.CaseID(caseID),
			logging.Dose(dose),
		)
		return nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", outDir, err)
	}
	partial := filepath.Join(outDir, "."+caseID+".partial")
	_ = os.Remove(partial)

	input := filepath.Join(l.RawDataDir(l.cfg.Recon.ReferenceDose), caseID)
	binary := l.cfg.Dose.Binary
	args := []string{input, strconv.Itoa(dose), partial}

	l.logger.Info("simulating reduced dose",
		logging.CaseID(caseID),
		logging.Dose(dose),
		logging.String("command", binary+" "+strings.Join(args, " ")),
	)
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	out, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("%s: %w: %s", binary, err, tail(out, doseOutputMaxLen))
	}
	if _, err := os.Stat(partial); err != nil {
		return fmt.Errorf("%s produced no output at %s", binary, partial)
	}
	if err := os.Rename(partial, output); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("publish reduced dose data: %w", err)
	}
	return nil
}

// lockCaseData serializes producers of one case's data at one dose across
// workers and processes. The returned func releases the lock.
func (l *Library) lockCaseData(ctx context.Context, caseID string, dose int) (func(), error) {
	l.locksOnce.Do(func() {
		l.locks, l.locksErr = lockdir.Open(l.MutexDir(), lockdir.Options{
			RetryInterval: l.cfg.LockRetryInterval(),
			ReclaimStale:  l.cfg.Locks.ReclaimStale,
			Logger:        l.logger,
		})
	})
	if l.locksErr != nil {
		return nil, l.locksErr
	}
	lock, err := l.locks.Lock(lockdir.CaseDataName(caseID, dose))
	if err != nil {
		return nil, err
	}
	if err := lock.Acquire(ctx); err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Release(); err != nil {
			l.logger.Warn("case data lock release failed",
				logging.Lock(lock.Name()),
				logging.Error(err),
			)
		}
	}, nil
}

func tail(out []byte, limit int) string {
	text := strings.TrimSpace(string(out))
	if len(text) > limit {
		text = "..." + text[len(text)-limit:]
	}
	return text
}
