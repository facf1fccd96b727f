// Package ledger appends job outcomes to the library's done and error files.
//
// Both files are append-only and each is guarded by its own named lock. A
// done line is the job descriptor exactly as it was queued; an error line is
// the descriptor followed by ":" and the failure kind.
package ledger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"ctbb/internal/lockdir"
)

// Entry is one ledger line.
type Entry struct {
	Descriptor string `json:"descriptor"`
	// Kind is empty for done entries.
	Kind string `json:"kind,omitempty"`
}

// Ledger records outcomes for one library.
type Ledger struct {
	donePath  string
	errorPath string
	doneLock  *lockdir.Lock
	errorLock *lockdir.Lock
}

// New binds the done and error files to their locks in locks.
func New(donePath, errorPath string, locks *lockdir.Dir) *Ledger {
	return &Ledger{
		donePath:  donePath,
		errorPath: errorPath,
		doneLock:  locks.MustLock(lockdir.NameDone),
		errorLock: locks.MustLock(lockdir.NameError),
	}
}

// RecordSuccess appends descriptor to the done ledger.
func (l *Ledger) RecordSuccess(ctx context.Context, descriptor string) error {
	return appendLine(ctx, l.doneLock, l.donePath, strings.TrimSpace(descriptor))
}

// RecordFailure appends descriptor:kind to the error ledger.
func (l *Ledger) RecordFailure(ctx context.Context, descriptor, kind string) error {
	return appendLine(ctx, l.errorLock, l.errorPath, strings.TrimSpace(descriptor)+":"+kind)
}

// Done reads the done ledger.
func (l *Ledger) Done() ([]Entry, error) {
	return readEntries(l.donePath, false)
}

// Errors reads the error ledger.
func (l *Ledger) Errors() ([]Entry, error) {
	return readEntries(l.errorPath, true)
}

// ParseErrorLine splits an error ledger line at its last colon.
func ParseErrorLine(line string) Entry {
	line = strings.TrimSpace(line)
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return Entry{Descriptor: line}
	}
	return Entry{Descriptor: line[:idx], Kind: line[idx+1:]}
}

func appendLine(ctx context.Context, lock *lockdir.Lock, path, line string) error {
	if err := lock.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire %s lock: %w", lock.Name(), err)
	}
	defer func() {
		_ = lock.Release()
	}()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s ledger: %w", lock.Name(), err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("append %s ledger: %w", lock.Name(), err)
	}
	return f.Close()
}

func readEntries(path string, withKind bool) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if withKind {
			entries = append(entries, ParseErrorLine(line))
			continue
		}
		entries = append(entries, Entry{Descriptor: line})
	}
	return entries, scanner.Err()
}
