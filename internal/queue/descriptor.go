package queue

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformed reports a queue line that does not parse as a descriptor.
var ErrMalformed = errors.New("malformed job descriptor")

const fieldCount = 4

// Descriptor is one queued reconstruction job.
type Descriptor struct {
	SourcePath     string
	Dose           int
	Kernel         string
	SliceThickness string
	// Raw is the line as read from the queue, written back verbatim to the
	// queue and ledgers. Empty for descriptors built in code.
	Raw string
}

// ParseDescriptor parses source_path,dose,kernel,slice_thickness.
func ParseDescriptor(line string) (Descriptor, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Descriptor{}, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	parts := strings.Split(trimmed, ",")
	if len(parts) != fieldCount {
		return Descriptor{}, fmt.Errorf("%w: %q has %d fields, want %d", ErrMalformed, trimmed, len(parts), fieldCount)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
		if parts[i] == "" {
			return Descriptor{}, fmt.Errorf("%w: %q has an empty field", ErrMalformed, trimmed)
		}
	}
	dose, err := strconv.Atoi(parts[1])
	if err != nil || dose <= 0 {
		return Descriptor{}, fmt.Errorf("%w: %q has invalid dose %q", ErrMalformed, trimmed, parts[1])
	}
	return Descriptor{
		SourcePath:     parts[0],
		Dose:           dose,
		Kernel:         parts[2],
		SliceThickness: parts[3],
		Raw:            trimmed,
	}, nil
}

// String renders the descriptor in queue line form.
func (d Descriptor) String() string {
	if d.Raw != "" {
		return d.Raw
	}
	return fmt.Sprintf("%s,%d,%s,%s", d.SourcePath, d.Dose, d.Kernel, d.SliceThickness)
}

// Parse reads descriptors from r. Empty and malformed lines are skipped; the
// number of malformed lines is returned.
func Parse(r io.Reader) ([]Descriptor, int, error) {
	var items []Descriptor
	skipped := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		desc, err := ParseDescriptor(line)
		if err != nil {
			skipped++
			continue
		}
		items = append(items, desc)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, err
	}
	return items, skipped, nil
}

func render(items []Descriptor) []byte {
	var b strings.Builder
	for _, item := range items {
		b.WriteString(item.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
