package daemonrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ctbb/internal/config"
	"ctbb/internal/library"
	"ctbb/internal/lockdir"
	"ctbb/internal/logging"
	"ctbb/internal/scheduler"
	"ctbb/internal/testsupport"
	"ctbb/internal/worker"
)

func TestRunDrainsQueueAndExits(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries(), testsupport.WithDevices(2))
	lib := library.New(cfg, logging.NewNop())
	dir := t.TempDir()
	first := testsupport.WriteRawCase(t, dir, "a.raw", 64) + ",100,B,1.0"
	second := testsupport.WriteRawCase(t, dir, "b.raw", 65) + ",50,D,2.0"
	testsupport.WriteLines(t, lib.QueuePath(), first, second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, cfg, Options{Quiet: true}))

	require.ElementsMatch(t, []string{first, second}, testsupport.ReadLines(t, lib.DonePath()))
	require.Empty(t, testsupport.ReadLines(t, lib.QueuePath()))
	require.Len(t, testsupport.ReadLines(t, lib.ReconList()), 2)
	require.FileExists(t, cfg.Metrics.Textfile)
	require.NoFileExists(t, filepath.Join(lib.ProcDir(), PIDFileName))

	target, err := os.Readlink(filepath.Join(lib.LogDir(), CurrentLogName))
	require.NoError(t, err)
	require.FileExists(t, target)

	locks, err := lockdir.Open(lib.MutexDir(), lockdir.Options{})
	require.NoError(t, err)
	statuses, err := locks.List()
	require.NoError(t, err)
	require.Empty(t, statuses, "every lock is released on exit")
}

func TestRunDefersToRunningDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	lib := library.New(cfg, logging.NewNop())
	locks, err := lockdir.Open(lib.MutexDir(), lockdir.Options{})
	require.NoError(t, err)
	require.NoError(t, locks.MustLock(lockdir.NameDaemon).TryAcquire())
	testsupport.WriteLines(t, lib.QueuePath(), "/d/a.raw,100,B,1.0")

	err = Run(context.Background(), cfg, Options{Quiet: true})
	require.ErrorIs(t, err, scheduler.ErrAlreadyRunning)
	require.Equal(t, []string{"/d/a.raw,100,B,1.0"}, testsupport.ReadLines(t, lib.QueuePath()))
}

func TestRunFailsWithoutDevices(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Scheduler.DeviceSource = config.DeviceSourceNvidiaSMI
	t.Setenv("PATH", "")

	require.Error(t, Run(context.Background(), cfg, Options{Quiet: true}))

	locks, err := lockdir.Open(filepath.Join(cfg.ProcDir(), library.MutexDirName), lockdir.Options{})
	require.NoError(t, err)
	state, err := locks.MustLock(lockdir.NameDaemon).Probe()
	require.NoError(t, err)
	require.Equal(t, lockdir.Free, state)
}

func TestRunWorkerRecordsOutcome(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries(), testsupport.WithReconExitCode(3))
	lib := library.New(cfg, logging.NewNop())
	line := testsupport.WriteRawCase(t, t.TempDir(), "a.raw", 64) + ",100,B,1.0"

	res, err := RunWorker(context.Background(), cfg, line, "dev0", nil)
	require.NoError(t, err)
	require.Equal(t, worker.ReconstructionError, res.Kind)
	require.Equal(t, []string{line + ":ReconstructionError"}, testsupport.ReadLines(t, lib.ErrorPath()))
}

func TestRunWorkerRejectsBadArguments(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	_, err := RunWorker(context.Background(), cfg, "not-a-descriptor", "dev0", nil)
	require.Error(t, err)
	_, err = RunWorker(context.Background(), cfg, "/d/a.raw,100,B,1.0", "gpu0", nil)
	require.Error(t, err)
}

func TestRunWorkerWaitsForDevice(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	lib := library.New(cfg, logging.NewNop())
	locks, err := lockdir.Open(lib.MutexDir(), lockdir.Options{})
	require.NoError(t, err)
	require.NoError(t, locks.MustLock("dev0").TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = RunWorker(ctx, cfg, "/d/a.raw,100,B,1.0", "dev0", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, testsupport.ReadLines(t, lib.ErrorPath()))
}
