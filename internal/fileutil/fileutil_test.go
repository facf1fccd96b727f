package fileutil

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCopyFileVerified(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "case.raw")
	dst := filepath.Join(dir, "copy.raw")
	writeFile(t, src, "projection data")

	if err := CopyFileVerified(src, dst); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "projection data" {
		t.Fatalf("content mismatch: got %q", got)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected only source and copy, found %d entries", len(entries))
	}
}

func TestCopyFileVerifiedKeepsExistingDestinationOnFailure(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "copy.raw")
	writeFile(t, dst, "previous")

	if err := CopyFileVerified(filepath.Join(dir, "nope"), dst); err == nil {
		t.Fatal("expected error for missing source")
	}
	if got, _ := os.ReadFile(dst); string(got) != "previous" {
		t.Fatalf("destination changed: %q", got)
	}
}

func TestCopyFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	if err := CopyFile(filepath.Join(dir, "nope"), filepath.Join(dir, "dst")); err == nil {
		t.Fatal("expected error for missing source")
	}
	if err := CopyFileVerified(filepath.Join(dir, "nope"), filepath.Join(dir, "dst")); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.prm")
	dst := filepath.Join(dir, "img", "a.prm")
	writeFile(t, src, "RawDataDir:\t/x\n")
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := MoveFile(src, dst); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected source removed, stat err=%v", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "RawDataDir:\t/x\n" {
		t.Fatalf("unexpected destination content %q", got)
	}
}

func TestMoveMatchingRoutesByPattern(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"x.prm.stdout", "x.prm.stderr", "run.log", "x.img", "x.prm", "notes.txt"} {
		writeFile(t, filepath.Join(dir, name), name)
	}
	if err := os.Mkdir(filepath.Join(dir, "dir.log"), 0o755); err != nil {
		t.Fatal(err)
	}

	logDir := filepath.Join(dir, "log")
	moved, err := MoveMatching(dir, logDir, "*.std*", "*.log")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(logDir, "run.log"),
		filepath.Join(logDir, "x.prm.stderr"),
		filepath.Join(logDir, "x.prm.stdout"),
	}
	if !reflect.DeepEqual(moved, want) {
		t.Fatalf("moved = %v, want %v", moved, want)
	}

	imgDir := filepath.Join(dir, "img")
	moved, err = MoveMatching(dir, imgDir, "*.img", "*.prm")
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 2 {
		t.Fatalf("expected 2 image artifacts moved, got %v", moved)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("unmatched file should stay: %v", err)
	}
}

func TestMoveMatchingNoMatchesCreatesNothing(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "img")
	moved, err := MoveMatching(dir, dest, "*.img")
	if err != nil || len(moved) != 0 {
		t.Fatalf("moved=%v err=%v", moved, err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("expected no destination dir, stat err=%v", err)
	}
}

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue")
	writeFile(t, path, "old\n")

	if err := WriteFileAtomic(path, []byte("new\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new\n" {
		t.Fatalf("unexpected content %q", got)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected temp file cleaned up, found %d entries", len(entries))
	}
}
