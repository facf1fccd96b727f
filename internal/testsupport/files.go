package testsupport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('A' + i%26)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteRawCase writes a raw source file named name under dir together with
// its sibling base parameter template and returns the source path. Different
// sizes yield different case identifiers.
func WriteRawCase(t testing.TB, dir, name string, size int64) string {
	t.Helper()

	source := filepath.Join(dir, name)
	WriteFile(t, source, size)
	template := "Nrows:\t64\nNchannels:\t736\n"
	if err := os.WriteFile(source+".prmb", []byte(template), 0o644); err != nil {
		t.Fatalf("write base parameters: %v", err)
	}
	return source
}

// WriteLines writes lines, each newline-terminated, to path.
func WriteLines(t testing.TB, path string, lines ...string) {
	t.Helper()

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// ReadLines returns the non-empty lines of path, or nil when it is absent.
func ReadLines(t testing.TB, path string) []string {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read %s: %v", path, err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
