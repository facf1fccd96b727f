package lockdir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"ctbb/internal/logging"
)

var (
	// ErrBusy reports that a non-blocking acquire found the lock held.
	ErrBusy = errors.New("lock busy")
	// ErrNotHeld reports a release of a lock whose marker was already absent.
	ErrNotHeld = errors.New("lock not held")
)

const (
	defaultRetryInterval = 250 * time.Millisecond
	guardPrefix          = "."
	guardSuffix          = ".guard"
)

// State is the observable state of a named lock.
type State int

const (
	Free State = iota
	Held
)

func (s State) String() string {
	if s == Held {
		return "HELD"
	}
	return "FREE"
}

// Options tunes lock behavior for every lock opened from a Dir.
type Options struct {
	// RetryInterval is the poll cadence of blocking acquisition.
	RetryInterval time.Duration
	// ReclaimStale lets acquirers remove markers whose owner process no
	// longer exists on this host.
	ReclaimStale bool
	Logger       *slog.Logger
}

// Dir is a directory of lock markers. Each lock is a single file whose
// presence means HELD.
type Dir struct {
	path   string
	opts   Options
	logger *slog.Logger
	host   string
}

// Open prepares the lock directory, creating it when missing.
func Open(path string, opts Options) (*Dir, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("lock directory path is required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	host, _ := os.Hostname()
	return &Dir{
		path:   path,
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "lockdir"),
		host:   host,
	}, nil
}

// Path returns the lock directory.
func (d *Dir) Path() string {
	return d.path
}

// Lock returns the handle for name. Handles are cheap and hold no state;
// several handles for the same name observe the same marker.
func (d *Dir) Lock(name string) (*Lock, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return &Lock{dir: d, name: name, path: filepath.Join(d.path, name)}, nil
}

// MustLock is Lock for names known at compile time.
func (d *Dir) MustLock(name string) *Lock {
	l, err := d.Lock(name)
	if err != nil {
		panic(err)
	}
	return l
}

// Status describes one marker found in the directory.
type Status struct {
	Name  string
	Owner Owner
	// Known is false when the marker content could not be parsed.
	Known bool
	Stale bool
}

// List reports every marker currently present, sorted by name.
func (d *Dir) List() ([]Status, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("read lock directory: %w", err)
	}
	var out []Status
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, guardPrefix) {
			continue
		}
		st := Status{Name: name}
		if owner, err := readOwner(filepath.Join(d.path, name)); err == nil {
			st.Owner = owner
			st.Known = true
			st.Stale = d.isStale(owner)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func validateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("lock name is required")
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("lock name %q must not contain path separators", name)
	case strings.HasPrefix(name, guardPrefix):
		return fmt.Errorf("lock name %q must not start with %q", name, guardPrefix)
	}
	return nil
}

// Lock is an advisory mutex keyed by name inside a Dir.
type Lock struct {
	dir  *Dir
	name string
	path string
}

// Name returns the lock key.
func (l *Lock) Name() string {
	return l.name
}

// TryAcquire creates the marker or fails with ErrBusy. Creation is a single
// O_CREATE|O_EXCL open, so two acquirers can never both succeed.
func (l *Lock) TryAcquire() error {
	err := l.create()
	if !errors.Is(err, fs.ErrExist) {
		return err
	}
	if !l.dir.opts.ReclaimStale {
		return ErrBusy
	}
	return l.reclaim()
}

// Acquire blocks until the marker is created or ctx ends.
func (l *Lock) Acquire(ctx context.Context) error {
	for {
		err := l.TryAcquire()
		if !errors.Is(err, ErrBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire %s: %w", l.name, ctx.Err())
		case <-time.After(l.dir.opts.RetryInterval):
		}
	}
}

// Release removes the marker. ErrNotHeld is returned when it was already
// gone; cleanup paths treat that as a warning.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotHeld
		}
		return fmt.Errorf("release %s: %w", l.name, err)
	}
	return nil
}

// Probe reports the current state without taking the lock. A stale marker
// reads as Free when reclamation is enabled, since TryAcquire would succeed.
func (l *Lock) Probe() (State, error) {
	owner, err := readOwner(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Free, nil
	case errors.Is(err, errMalformedMarker):
		return Held, nil
	case err != nil:
		return Held, fmt.Errorf("probe %s: %w", l.name, err)
	}
	if l.dir.opts.ReclaimStale && l.dir.isStale(owner) {
		return Free, nil
	}
	return Held, nil
}

// Owner returns the owner recorded in the marker.
func (l *Lock) Owner() (Owner, error) {
	return readOwner(l.path)
}

func (l *Lock) create() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return fmt.Errorf("create marker %s: %w", l.name, err)
	}
	owner := newOwner(l.dir.host)
	if _, err := f.WriteString(owner.encode()); err != nil {
		f.Close()
		_ = os.Remove(l.path)
		return fmt.Errorf("write marker %s: %w", l.name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return fmt.Errorf("close marker %s: %w", l.name, err)
	}
	return nil
}

// reclaim removes a marker whose owner is dead and retries creation. The
// guard flock serializes reclaimers so a marker is never removed after a
// live acquirer replaced it.
func (l *Lock) reclaim() error {
	guard := flock.New(filepath.Join(l.dir.path, guardPrefix+l.name+guardSuffix))
	if err := guard.Lock(); err != nil {
		return fmt.Errorf("lock guard %s: %w", l.name, err)
	}
	defer func() {
		_ = guard.Unlock()
	}()

	owner, err := readOwner(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return l.createOrBusy()
	case err != nil:
		return ErrBusy
	}
	if !l.dir.isStale(owner) {
		return ErrBusy
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale marker %s: %w", l.name, err)
	}
	logging.WarnWithContext(l.dir.logger, "reclaimed stale lock marker", "lock_reclaimed",
		logging.Lock(l.name),
		logging.Int("owner_pid", owner.PID),
		logging.String("owner_host", owner.Host),
		logging.String("acquired_at", owner.AcquiredAt.Format(time.RFC3339)),
		logging.String(logging.FieldErrorHint, "a previous holder exited without releasing"),
		logging.String(logging.FieldImpact, "lock reassigned to current process"),
	)
	return l.createOrBusy()
}

func (l *Lock) createOrBusy() error {
	err := l.create()
	if errors.Is(err, fs.ErrExist) {
		return ErrBusy
	}
	return err
}

func (d *Dir) isStale(owner Owner) bool {
	if owner.PID <= 0 || owner.Host == "" || owner.Host != d.host {
		return false
	}
	return !processAlive(owner.PID)
}
