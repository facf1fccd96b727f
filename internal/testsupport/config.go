package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"ctbb/internal/config"
	"ctbb/internal/library"
	"ctbb/internal/logging"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t         testing.TB
	baseDir   string
	cfg       *config.Config
	stubs     bool
	reconExit int
	doseExit  int
}

// NewConfig produces a library config rooted in a unique temp directory with
// a static device set and a fast poll interval. The library layout is created.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.LibraryRoot = filepath.Join(base, "library")
	cfgVal.Scheduler.DeviceSource = config.DeviceSourceStatic
	cfgVal.Scheduler.DeviceCount = 1
	cfgVal.Scheduler.PollIntervalSeconds = 1
	cfgVal.Locks.RetryIntervalMS = 10
	cfgVal.Metrics.Textfile = filepath.Join(cfgVal.LibraryRoot, config.ProcDirName, "metrics.prom")

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	if builder.stubs {
		builder.writeStubs()
	}

	if err := library.New(builder.cfg, logging.NewNop()).EnsureLayout(); err != nil {
		t.Fatalf("ensure library layout: %v", err)
	}
	return builder.cfg
}

// NewLibrary wraps NewConfig in a library handle.
func NewLibrary(t testing.TB, opts ...ConfigOption) *library.Library {
	t.Helper()
	return library.New(NewConfig(t, opts...), logging.NewNop())
}

// WithDevices sets the static device count.
func WithDevices(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Scheduler.DeviceCount = n
	}
}

// WithStubbedBinaries writes stub reconstruction and dose-reduction
// executables and points the config at them. The recon stub creates the
// image next to the parameter file it is given; the dose stub creates its
// output argument.
func WithStubbedBinaries() ConfigOption {
	return func(b *configBuilder) {
		b.stubs = true
	}
}

// WithReconExitCode makes the recon stub exit with code after writing its
// outputs. It implies WithStubbedBinaries.
func WithReconExitCode(code int) ConfigOption {
	return func(b *configBuilder) {
		b.stubs = true
		b.reconExit = code
	}
}

// WithDoseExitCode makes the dose stub fail with code without producing
// output. It implies WithStubbedBinaries.
func WithDoseExitCode(code int) ConfigOption {
	return func(b *configBuilder) {
		b.stubs = true
		b.doseExit = code
	}
}

func (b *configBuilder) writeStubs() {
	binDir := filepath.Join(b.baseDir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		b.t.Fatalf("mkdir bin dir: %v", err)
	}

	recon := fmt.Sprintf(`#!/bin/sh
for last; do :; done
echo "recon $*"
echo "timing 1.0s" >&2
: > "${last%%.prm}.img"
exit %d
`, b.reconExit)
	dose := "#!/bin/sh\n: > \"$3\"\nexit 0\n"
	if b.doseExit != 0 {
		dose = fmt.Sprintf("#!/bin/sh\necho \"dose simulation failed\" >&2\nexit %d\n", b.doseExit)
	}

	reconPath := filepath.Join(binDir, "ctbb_recon")
	dosePath := filepath.Join(binDir, "ctbb_simulate_dose")
	for path, script := range map[string]string{reconPath: recon, dosePath: dose} {
		if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
			b.t.Fatalf("write stub %s: %v", path, err)
		}
	}
	b.cfg.Recon.Binary = reconPath
	b.cfg.Dose.Binary = dosePath
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.LibraryRoot)
}

// WriteConfigFile persists cfg to the library's ctbb.toml so commands that
// load configuration from the library root see the same settings.
func WriteConfigFile(t testing.TB, cfg *config.Config) string {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(cfg.ProcDir(), config.ConfigFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir proc dir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
