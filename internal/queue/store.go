package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"ctbb/internal/fileutil"
	"ctbb/internal/logging"
)

// Store is the scheduler's view of the queue file. It is not safe for
// concurrent use, and every method must be called while the caller holds the
// queue named lock.
type Store struct {
	path   string
	items  []Descriptor
	logger *slog.Logger
}

// NewStore binds a store to the queue file at path. The file need not exist.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logging.NewComponentLogger(logger, "queue")}
}

// Path returns the queue file.
func (s *Store) Path() string {
	return s.path
}

// Refresh replaces the in-memory queue with the file contents. A missing file
// reads as an empty queue. Malformed lines are skipped and logged.
func (s *Store) Refresh() error {
	items, skipped, err := ReadFile(s.path)
	if err != nil {
		return err
	}
	if skipped > 0 {
		logging.WarnWithContext(s.logger, "skipped malformed queue lines", "queue_malformed",
			logging.Int("skipped", skipped),
			logging.String("path", s.path),
			logging.String(logging.FieldErrorHint, "expected source_path,dose,kernel,slice_thickness"),
			logging.String(logging.FieldImpact, "malformed lines are dropped at the next rewrite"),
		)
	}
	s.items = items
	return nil
}

// PopFront removes the head descriptor and rewrites the file from the
// remaining items before returning. On a failed rewrite the item stays queued
// in memory and the error is returned.
func (s *Store) PopFront() (Descriptor, bool, error) {
	if len(s.items) == 0 {
		return Descriptor{}, false, nil
	}
	head := s.items[0]
	remaining := s.items[1:]
	if err := fileutil.WriteFileAtomic(s.path, render(remaining), 0o644); err != nil {
		return Descriptor{}, false, fmt.Errorf("rewrite queue: %w", err)
	}
	s.items = remaining
	return head, true, nil
}

// PushFront returns a descriptor to the head of the queue, used when a
// dispatch could not start.
func (s *Store) PushFront(desc Descriptor) error {
	items := make([]Descriptor, 0, len(s.items)+1)
	items = append(items, desc)
	items = append(items, s.items...)
	if err := fileutil.WriteFileAtomic(s.path, render(items), 0o644); err != nil {
		return fmt.Errorf("rewrite queue: %w", err)
	}
	s.items = items
	return nil
}

// Len returns the in-memory queue length.
func (s *Store) Len() int {
	return len(s.items)
}

// Items returns a copy of the in-memory queue.
func (s *Store) Items() []Descriptor {
	return append([]Descriptor(nil), s.items...)
}

// ReadFile parses a queue file without a Store. A missing file yields no
// items and no error.
func ReadFile(path string) ([]Descriptor, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()
	items, skipped, err := Parse(f)
	if err != nil {
		return nil, skipped, fmt.Errorf("read queue: %w", err)
	}
	return items, skipped, nil
}
