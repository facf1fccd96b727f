package deps

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sys/unix"

	"ctbb/internal/config"
	"ctbb/internal/library"
)

// Requirement defines an external program or directory the pipeline relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// Failed reports whether the status should fail a health check.
func (s Status) Failed() bool {
	return !s.Available && !s.Optional
}

// Requirements lists the binaries a library's configuration invokes.
// nvidia-smi is required only when it is the sole device source.
func Requirements(cfg *config.Config) []Requirement {
	source := cfg.Scheduler.DeviceSource
	return []Requirement{
		{Name: "Reconstruction", Command: cfg.Recon.Binary, Description: "Reconstructs one study per device"},
		{Name: "Dose simulator", Command: cfg.Dose.Binary, Description: "Synthesizes reduced-dose raw data", Optional: true},
		{
			Name:        "nvidia-smi",
			Command:     "nvidia-smi",
			Description: "Enumerates GPUs",
			Optional:    source != config.DeviceSourceNvidiaSMI,
		},
	}
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		resolved, err := exec.LookPath(cmd)
		if err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Command = resolved
		status.Available = true
		results = append(results, status)
	}
	return results
}

// CheckDirectories reports whether each directory exists and is writable by
// this process.
func CheckDirectories(dirs map[string]string) []Status {
	names := make([]string, 0, len(dirs))
	for name := range dirs {
		names = append(names, name)
	}
	slices.Sort(names)

	results := make([]Status, 0, len(names))
	for _, name := range names {
		dir := dirs[name]
		status := Status{Name: name, Command: dir, Description: "directory"}
		info, err := os.Stat(dir)
		switch {
		case err != nil:
			status.Detail = fmt.Sprintf("stat %s: %v", filepath.Base(dir), err)
		case !info.IsDir():
			status.Detail = "not a directory"
		case unix.Access(dir, unix.W_OK) != nil:
			status.Detail = "not writable"
		default:
			status.Available = true
		}
		results = append(results, status)
	}
	return results
}

// Check runs every binary and layout check for a library.
func Check(lib *library.Library) []Status {
	results := CheckBinaries(Requirements(lib.Config()))
	return append(results, CheckDirectories(map[string]string{
		"raw":   lib.RawDir(),
		"recon": lib.ReconDir(),
		"log":   lib.LogDir(),
		"mutex": lib.MutexDir(),
	})...)
}
