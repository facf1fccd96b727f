package launch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"ctbb/internal/config"
	"ctbb/internal/fileutil"
	"ctbb/internal/library"
	"ctbb/internal/lockdir"
	"ctbb/internal/logging"
	"ctbb/internal/queue"
)

// Config is a batch launch description: which cases to reconstruct at which
// doses, slice thicknesses, and kernels, in which library.
type Config struct {
	Library          string   `yaml:"library"`
	CaseList         string   `yaml:"case_list"`
	Doses            []int    `yaml:"doses"`
	SliceThicknesses []string `yaml:"slice_thicknesses"`
	Kernels          []string `yaml:"kernels"`
	Priority         string   `yaml:"priority"`
}

// LoadConfig reads a YAML launch file. Relative library and case_list paths
// resolve against the file's directory.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	base := filepath.Dir(path)
	if cfg.Library, err = resolve(base, cfg.Library); err != nil {
		return nil, fmt.Errorf("library: %w", err)
	}
	if cfg.CaseList, err = resolve(base, cfg.CaseList); err != nil {
		return nil, fmt.Errorf("case_list: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func resolve(base, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	if !filepath.IsAbs(value) && !strings.HasPrefix(value, "~") {
		value = filepath.Join(base, value)
	}
	return config.ExpandPath(value)
}

// Validate checks that every axis of the job grid is populated.
func (c *Config) Validate() error {
	var errs []error
	if c.Library == "" {
		errs = append(errs, errors.New("library is required"))
	}
	if c.CaseList == "" {
		errs = append(errs, errors.New("case_list is required"))
	}
	if len(c.Doses) == 0 {
		errs = append(errs, errors.New("doses must list at least one dose"))
	}
	for _, dose := range c.Doses {
		if dose <= 0 {
			errs = append(errs, fmt.Errorf("dose %d must be positive", dose))
		}
	}
	if len(c.SliceThicknesses) == 0 {
		errs = append(errs, errors.New("slice_thicknesses must list at least one value"))
	}
	if len(c.Kernels) == 0 {
		errs = append(errs, errors.New("kernels must list at least one kernel"))
	}
	for _, v := range append(append([]string{}, c.SliceThicknesses...), c.Kernels...) {
		if strings.TrimSpace(v) == "" || strings.Contains(v, ",") {
			errs = append(errs, fmt.Errorf("invalid kernel or slice thickness %q", v))
		}
	}
	if _, err := queue.ParsePriority(c.Priority); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ReadCaseList returns the raw data paths listed in path, one per line.
// Blank lines and lines starting with # are ignored.
func ReadCaseList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseCaseList(f)
}

// ParseCaseList is ReadCaseList over a reader.
func ParseCaseList(r io.Reader) ([]string, error) {
	var cases []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cases = append(cases, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read case list: %w", err)
	}
	return cases, nil
}

// Expand produces one descriptor per case, dose, slice thickness, and kernel,
// in that nesting order.
func Expand(cases []string, cfg *Config) []queue.Descriptor {
	out := make([]queue.Descriptor, 0, len(cases)*len(cfg.Doses)*len(cfg.SliceThicknesses)*len(cfg.Kernels))
	for _, c := range cases {
		for _, dose := range cfg.Doses {
			for _, st := range cfg.SliceThicknesses {
				for _, kernel := range cfg.Kernels {
					out = append(out, queue.Descriptor{
						SourcePath:     c,
						Dose:           dose,
						Kernel:         strings.TrimSpace(kernel),
						SliceThickness: strings.TrimSpace(st),
					})
				}
			}
		}
	}
	return out
}

// ImportBaseParameters copies each case's sibling base parameter file into
// raw/ and returns how many were copied. Cases without one are logged and
// left for the worker to report.
func ImportBaseParameters(lib *library.Library, cases []string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	suffix := lib.Config().Recon.BaseParameterSuffix
	copied := 0
	for _, c := range cases {
		src := c + suffix
		if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
			logging.WarnWithContext(logger, "base parameter file missing", "base_parameters_missing",
				logging.String("case", c),
				logging.String("expected", src),
				logging.String(logging.FieldErrorHint, "place the "+suffix+" file next to the raw data"),
				logging.String(logging.FieldImpact, "jobs for this case will fail with ParameterAssemblyError"),
			)
			continue
		} else if err != nil {
			return copied, err
		}
		if err := fileutil.CopyFileVerified(src, lib.BaseParameterPath(c)); err != nil {
			return copied, fmt.Errorf("import %s: %w", src, err)
		}
		copied++
	}
	return copied, nil
}

// Summary describes a completed submission.
type Summary struct {
	Cases      int
	Jobs       int
	Parameters int
	Priority   queue.Priority
}

// Submit reads the case list, imports base parameters, and appends the
// expanded jobs to the library queue under the queue lock.
func Submit(ctx context.Context, lib *library.Library, cfg *Config, logger *slog.Logger) (Summary, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	priority, err := queue.ParsePriority(cfg.Priority)
	if err != nil {
		return Summary{}, err
	}
	cases, err := ReadCaseList(cfg.CaseList)
	if err != nil {
		return Summary{}, fmt.Errorf("case list: %w", err)
	}
	if err := lib.EnsureLayout(); err != nil {
		return Summary{}, err
	}
	params, err := ImportBaseParameters(lib, cases, logger)
	if err != nil {
		return Summary{}, err
	}

	locks, err := lockdir.Open(lib.MutexDir(), lockdir.Options{
		RetryInterval: lib.Config().LockRetryInterval(),
		ReclaimStale:  lib.Config().Locks.ReclaimStale,
		Logger:        logger,
	})
	if err != nil {
		return Summary{}, err
	}
	jobs := Expand(cases, cfg)
	if err := queue.Submit(ctx, locks.MustLock(lockdir.NameQueue), lib.QueuePath(), jobs, priority); err != nil {
		return Summary{}, err
	}
	logger.Info("jobs submitted",
		logging.Event("jobs_submitted"),
		logging.Int("cases", len(cases)),
		logging.Int("jobs", len(jobs)),
		logging.String("priority", string(priority)),
	)
	return Summary{Cases: len(cases), Jobs: len(jobs), Parameters: params, Priority: priority}, nil
}
