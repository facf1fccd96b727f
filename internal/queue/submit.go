package queue

import (
	"context"
	"fmt"
	"os"
	"strings"

	"ctbb/internal/fileutil"
	"ctbb/internal/lockdir"
)

// Priority selects where submitted descriptors land in the queue.
type Priority string

const (
	// PriorityNormal appends to the tail.
	PriorityNormal Priority = "normal"
	// PriorityHigh prepends to the head, preserving submission order.
	PriorityHigh Priority = "high"
)

// ParsePriority accepts "normal" or "high"; empty means normal.
func ParsePriority(value string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(value))) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	}
	return "", fmt.Errorf("unknown priority %q (want normal or high)", value)
}

// Submit adds descriptors to the queue file at path while holding the queue
// lock, blocking until the lock is available or ctx ends.
func Submit(ctx context.Context, lock *lockdir.Lock, path string, descs []Descriptor, priority Priority) error {
	if len(descs) == 0 {
		return nil
	}
	if err := lock.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire queue lock: %w", err)
	}
	defer func() {
		_ = lock.Release()
	}()

	if priority == PriorityHigh {
		existing, _, err := ReadFile(path)
		if err != nil {
			return err
		}
		items := append(append([]Descriptor(nil), descs...), existing...)
		if err := fileutil.WriteFileAtomic(path, render(items), 0o644); err != nil {
			return fmt.Errorf("rewrite queue: %w", err)
		}
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	payload := render(descs)
	if missingNewline(f) {
		payload = append([]byte{'\n'}, payload...)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("append queue: %w", err)
	}
	return f.Close()
}

// missingNewline reports whether a non-empty file lacks a trailing newline,
// which would glue the first appended line to the last existing one.
func missingNewline(f *os.File) bool {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return false
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false
	}
	return last[0] != '\n'
}
