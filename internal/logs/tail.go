package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"
)

const maxLineBytes = 1024 * 1024

// Last returns up to n trailing lines of path and the offset just past them.
// A missing file yields no lines at offset 0.
func Last(path string, n int) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat log: %w", err)
	}
	if info.IsDir() {
		return nil, 0, fmt.Errorf("log path %q is a directory", path)
	}
	if n <= 0 {
		return nil, info.Size(), nil
	}

	ring := make([]string, n)
	count := 0
	offset, err := scanLines(f, func(line string) {
		ring[count%n] = line
		count++
	})
	if err != nil {
		return nil, 0, err
	}
	if count <= n {
		return ring[:count], offset, nil
	}
	start := count % n
	return append(append([]string{}, ring[start:]...), ring[:start]...), offset, nil
}

// Follow calls emit for every line appended to path after offset until ctx
// ends. When the file shrinks or is replaced (the daemon moved ctbbd.log to a
// new run), reading restarts from the beginning of the new file.
func Follow(ctx context.Context, path string, offset int64, poll time.Duration, emit func(string)) error {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var lastID os.FileInfo
	for {
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			offset, lastID = 0, nil
		case err != nil:
			return fmt.Errorf("stat log: %w", err)
		default:
			if (lastID != nil && !os.SameFile(lastID, info)) || info.Size() < offset {
				offset = 0
			}
			lastID = info
			if info.Size() > offset {
				if offset, err = readFrom(path, offset, emit); err != nil {
					return err
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func readFrom(path string, offset int64, emit func(string)) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return offset, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("seek log: %w", err)
	}
	read, err := scanLines(f, emit)
	return offset + read, err
}

// scanLines emits complete lines only and reports the bytes they consumed,
// so a line still being written is picked up whole on the next read.
func scanLines(r io.Reader, emit func(string)) (int64, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var consumed int64
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF {
			return consumed, nil
		}
		if err != nil {
			return consumed, fmt.Errorf("read log: %w", err)
		}
		consumed += int64(len(line))
		line = line[:len(line)-1]
		if len(line) > maxLineBytes {
			line = line[:maxLineBytes]
		}
		emit(line)
	}
}
