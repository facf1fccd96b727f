package launch

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// DaemonCommand is the argv that starts a daemon for libraryRoot.
func DaemonCommand(executable, libraryRoot, configPath string) []string {
	argv := []string{executable, "daemon"}
	if configPath != "" {
		argv = append(argv, "--config", configPath)
	}
	return append(argv, "--quiet", libraryRoot)
}

// Detach starts argv in its own session with stdio discarded and returns its
// PID without waiting. A daemon that finds another one running exits at once.
func Detach(argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("empty command")
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devnull.Close()

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", argv[0], err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release process: %w", err)
	}
	return pid, nil
}
