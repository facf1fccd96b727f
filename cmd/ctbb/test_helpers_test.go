package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"ctbb/internal/config"
	"ctbb/internal/testsupport"
)

type cliTestEnv struct {
	cfg     *config.Config
	library string
	rawDir  string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()
	opts = append([]testsupport.ConfigOption{testsupport.WithStubbedBinaries(), testsupport.WithDevices(2)}, opts...)
	cfg := testsupport.NewConfig(t, opts...)
	testsupport.WriteConfigFile(t, cfg)
	return &cliTestEnv{
		cfg:     cfg,
		library: cfg.LibraryRoot,
		rawDir:  filepath.Join(testsupport.BaseDir(cfg), "cases"),
	}
}

// rawCase writes a raw file with base parameters and returns a descriptor
// for it. Cases need distinct sizes to get distinct case ids.
func (e *cliTestEnv) rawCase(t *testing.T, name string, size int64, dose int, kernel string) string {
	t.Helper()
	source := testsupport.WriteRawCase(t, e.rawDir, name, size)
	return strings.Join([]string{source, strconv.Itoa(dose), kernel, "1.0"}, ",")
}

func runCLI(t *testing.T, args []string) (string, string, error) {
	t.Helper()
	return runCLIWithInput(t, args, "")
}

func runCLIWithInput(t *testing.T, args []string, stdin string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// syncBuffer is written by a running command while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
