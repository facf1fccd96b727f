package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ctbb/internal/lockdir"
	"ctbb/internal/logging"
	"ctbb/internal/metrics"
	"ctbb/internal/queue"
	"ctbb/internal/testsupport"
)

// writeWorkerStub stands in for the ctbb binary. It is invoked as
// `<stub> worker run <descriptor> <devN> <library>`.
func writeWorkerStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctbb")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func (h *harness) processSpawner(exe string, handoff time.Duration) *ProcessSpawner {
	return &ProcessSpawner{
		Executable:  exe,
		LibraryRoot: h.lib.Root(),
		Handoff:     handoff,
		Logger:      logging.NewNop(),
	}
}

func (h *harness) dispatch(t *testing.T, ordinal int, line string) Dispatch {
	t.Helper()
	dev, ok := h.registry.Device(ordinal)
	require.True(t, ok)
	desc, err := queue.ParseDescriptor(line)
	require.NoError(t, err)
	return Dispatch{Descriptor: desc, Device: dev}
}

func (h *harness) requireEventuallyFree(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		require.Eventually(t, func() bool {
			state, err := h.locks.MustLock(name).Probe()
			return err == nil && state == lockdir.Free
		}, 10*time.Second, 20*time.Millisecond, name)
	}
}

func TestProcessSpawnerReturnsOnceChildClaimsDevice(t *testing.T) {
	h := newHarness(t, 1)
	mutex := h.lib.MutexDir()
	exe := writeWorkerStub(t, fmt.Sprintf(`echo stub > "%s/$4"; sleep 2; rm -f "%s/$4"`, mutex, mutex))
	d := h.dispatch(t, 0, "/d/1.raw,100,B,1.0")

	start := time.Now()
	require.NoError(t, h.processSpawner(exe, 10*time.Second).Spawn(context.Background(), d))
	require.Less(t, time.Since(start), 2*time.Second)

	state, err := d.Device.Lock.Probe()
	require.NoError(t, err)
	require.Equal(t, lockdir.Held, state)
	h.requireEventuallyFree(t, "dev0")
}

func TestProcessSpawnerReportsChildFailingBeforeClaim(t *testing.T) {
	h := newHarness(t, 1)
	exe := writeWorkerStub(t, "exit 1")

	err := h.processSpawner(exe, 10*time.Second).Spawn(context.Background(), h.dispatch(t, 0, "/d/1.raw,100,B,1.0"))
	require.ErrorContains(t, err, "exited before claiming dev0")
}

func TestProcessSpawnerAcceptsChildFinishingBetweenProbes(t *testing.T) {
	h := newHarness(t, 1)
	exe := writeWorkerStub(t, "exit 0")

	require.NoError(t, h.processSpawner(exe, 10*time.Second).Spawn(context.Background(), h.dispatch(t, 0, "/d/1.raw,100,B,1.0")))
}

func TestProcessSpawnerGivesUpWaitingAfterHandoff(t *testing.T) {
	h := newHarness(t, 1)
	exe := writeWorkerStub(t, "sleep 3")

	start := time.Now()
	require.NoError(t, h.processSpawner(exe, 100*time.Millisecond).Spawn(context.Background(), h.dispatch(t, 0, "/d/1.raw,100,B,1.0")))
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestIterateRecordsProcessWorkerThatNeverStarted(t *testing.T) {
	h := newHarness(t, 1)
	testsupport.WriteLines(t, h.lib.QueuePath(), "/d/1.raw,100,B,1.0")
	exe := writeWorkerStub(t, "exit 1")

	stats, err := h.scheduler(t, h.processSpawner(exe, 10*time.Second)).Iterate(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Dispatched)
	require.Zero(t, stats.Remaining)
	require.Empty(t, testsupport.ReadLines(t, h.lib.QueuePath()))
	require.Equal(t, []string{"/d/1.raw,100,B,1.0:UnexpectedError"}, testsupport.ReadLines(t, h.lib.ErrorPath()))
	h.requireEventuallyFree(t, "dev0")
}

func TestIterateRequeuesWhenProcessWorkerFindsDeviceTaken(t *testing.T) {
	h := newHarness(t, 2)
	testsupport.WriteLines(t, h.lib.QueuePath(), "/d/1.raw,100,B,1.0", "/d/2.raw,100,B,1.0")
	mutex := h.lib.MutexDir()
	// The first child also grabs dev1, as a foreign worker would between the
	// free-device probe and the second spawn.
	exe := writeWorkerStub(t, fmt.Sprintf(
		`echo stub > "%[1]s/dev1"; echo stub > "%[1]s/$4"; sleep 1; rm -f "%[1]s/$4" "%[1]s/dev1"`, mutex))

	stats, err := h.scheduler(t, h.processSpawner(exe, 10*time.Second)).Iterate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Free)
	require.Equal(t, 1, stats.Dispatched)
	require.Equal(t, 1, stats.Requeued)
	require.Equal(t, []string{"/d/2.raw,100,B,1.0"}, testsupport.ReadLines(t, h.lib.QueuePath()))
	require.Empty(t, testsupport.ReadLines(t, h.lib.ErrorPath()))
	h.requireEventuallyFree(t, "dev0", "dev1")
}

type panickingRecorder struct {
	metrics.NoopRecorder
}

func (panickingRecorder) IncJobOutcome(string) { panic("recorder exploded") }

func TestGoroutineSpawnerSurvivesPanicOutsideStages(t *testing.T) {
	h := newHarness(t, 1)
	spawner := h.goroutineSpawner()
	spawner.Deps.Metrics = panickingRecorder{}
	d := h.dispatch(t, 0, filepath.Join(t.TempDir(), "gone.raw")+",100,B,1.0")

	require.NoError(t, spawner.Spawn(context.Background(), d))
	spawner.Wait()

	require.Zero(t, spawner.Active())
	state, err := d.Device.Lock.Probe()
	require.NoError(t, err)
	require.Equal(t, lockdir.Free, state)
	require.Equal(t, []string{d.Descriptor.String() + ":NoRawData"}, testsupport.ReadLines(t, h.lib.ErrorPath()))
}
