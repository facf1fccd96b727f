package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ctbb/internal/devices"
	"ctbb/internal/ledger"
	"ctbb/internal/library"
	"ctbb/internal/lockdir"
	"ctbb/internal/logging"
	"ctbb/internal/queue"
	"ctbb/internal/recon"
	"ctbb/internal/testsupport"
	"ctbb/internal/worker"
)

type recordingSpawner struct {
	mu         sync.Mutex
	dispatched []Dispatch
	errFor     map[string]error
}

func (r *recordingSpawner) Spawn(_ context.Context, d Dispatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errFor[d.Device.LockName()]; err != nil {
		return err
	}
	if err := d.Device.Lock.TryAcquire(); err != nil {
		return err
	}
	r.dispatched = append(r.dispatched, d)
	return nil
}

func (r *recordingSpawner) Active() int { return 0 }
func (r *recordingSpawner) Wait()       {}

type harness struct {
	lib      *library.Library
	locks    *lockdir.Dir
	registry *devices.Registry
	ledger   *ledger.Ledger
}

func newHarness(t *testing.T, deviceCount int, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	lib := testsupport.NewLibrary(t, opts...)
	locks, err := lockdir.Open(lib.MutexDir(), lockdir.Options{RetryInterval: 5 * time.Millisecond, Logger: logging.NewNop()})
	require.NoError(t, err)
	reg, err := devices.Enumerate(context.Background(), devices.Static{Count: deviceCount}, locks, logging.NewNop())
	require.NoError(t, err)
	return &harness{lib: lib, locks: locks, registry: reg, ledger: ledger.New(lib.DonePath(), lib.ErrorPath(), locks)}
}

func (h *harness) scheduler(t *testing.T, spawner Spawner) *Scheduler {
	t.Helper()
	s, err := New(Options{
		Library:      h.lib,
		Locks:        h.locks,
		Registry:     h.registry,
		Ledger:       h.ledger,
		Spawner:      spawner,
		Logger:       logging.NewNop(),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func (h *harness) goroutineSpawner() *GoroutineSpawner {
	cfg := h.lib.Config()
	return &GoroutineSpawner{
		Deps: worker.Dependencies{
			Library: h.lib,
			Ledger:  h.ledger,
			Runner:  recon.NewExecRunner(cfg, logging.NewNop()),
			Logger:  logging.NewNop(),
		},
		Logger: logging.NewNop(),
	}
}

func TestIterateDispatchesOnePerFreeDevice(t *testing.T) {
	h := newHarness(t, 2)
	testsupport.WriteLines(t, h.lib.QueuePath(), "/d/1.raw,100,B,1.0", "/d/2.raw,100,B,1.0", "/d/3.raw,50,B,1.0")
	spawner := &recordingSpawner{}

	stats, err := h.scheduler(t, spawner).Iterate(context.Background())
	require.NoError(t, err)
	require.Equal(t, Stats{Free: 2, Dispatched: 2, Remaining: 1}, stats)
	require.Equal(t, []string{"/d/3.raw,50,B,1.0"}, testsupport.ReadLines(t, h.lib.QueuePath()))

	require.Len(t, spawner.dispatched, 2)
	require.Equal(t, "/d/1.raw,100,B,1.0", spawner.dispatched[0].Descriptor.String())
	require.Equal(t, "dev0", spawner.dispatched[0].Device.LockName())
	require.Equal(t, "/d/2.raw,100,B,1.0", spawner.dispatched[1].Descriptor.String())
	require.Equal(t, "dev1", spawner.dispatched[1].Device.LockName())

	state, err := h.locks.MustLock(lockdir.NameQueue).Probe()
	require.NoError(t, err)
	require.Equal(t, lockdir.Free, state)
}

func TestIterateSkipsHeldDevicesAndEmptyQueue(t *testing.T) {
	h := newHarness(t, 3)
	require.NoError(t, h.locks.MustLock("dev0").TryAcquire())
	testsupport.WriteLines(t, h.lib.QueuePath(), "/d/1.raw,100,B,1.0")
	spawner := &recordingSpawner{}

	stats, err := h.scheduler(t, spawner).Iterate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Free)
	require.Equal(t, 1, stats.Dispatched)
	require.Equal(t, "dev1", spawner.dispatched[0].Device.LockName())
	require.Empty(t, testsupport.ReadLines(t, h.lib.QueuePath()))
}

func TestIterateRequeuesWhenDeviceTaken(t *testing.T) {
	h := newHarness(t, 1)
	testsupport.WriteLines(t, h.lib.QueuePath(), "/d/1.raw,100,B,1.0", "/d/2.raw,100,B,1.0")
	spawner := &recordingSpawner{errFor: map[string]error{"dev0": lockdir.ErrBusy}}

	stats, err := h.scheduler(t, spawner).Iterate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Requeued)
	require.Equal(t, 2, stats.Remaining)
	require.Equal(t, []string{"/d/1.raw,100,B,1.0", "/d/2.raw,100,B,1.0"}, testsupport.ReadLines(t, h.lib.QueuePath()))
}

func TestIterateRecordsSpawnFailure(t *testing.T) {
	h := newHarness(t, 1)
	testsupport.WriteLines(t, h.lib.QueuePath(), "/d/1.raw,100,B,1.0")
	spawner := &recordingSpawner{errFor: map[string]error{"dev0": errors.New("exec format error")}}

	stats, err := h.scheduler(t, spawner).Iterate(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Dispatched)
	require.Zero(t, stats.Remaining)
	require.Equal(t, []string{"/d/1.raw,100,B,1.0:UnexpectedError"}, testsupport.ReadLines(t, h.lib.ErrorPath()))
}

func TestIterateWaitsForQueueLock(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.locks.MustLock(lockdir.NameQueue).TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.scheduler(t, &recordingSpawner{}).Iterate(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunCompletesSingleJob(t *testing.T) {
	h := newHarness(t, 1, testsupport.WithStubbedBinaries())
	source := testsupport.WriteRawCase(t, t.TempDir(), "a.raw", 100)
	line := source + ",100,B,1.0"
	testsupport.WriteLines(t, h.lib.QueuePath(), line)

	require.NoError(t, h.scheduler(t, h.goroutineSpawner()).Run(context.Background()))

	require.Equal(t, []string{line}, testsupport.ReadLines(t, h.lib.DonePath()))
	require.Empty(t, testsupport.ReadLines(t, h.lib.QueuePath()))
	state, err := h.locks.MustLock("dev0").Probe()
	require.NoError(t, err)
	require.Equal(t, lockdir.Free, state)

	studies := testsupport.ReadLines(t, h.lib.ReconList())
	require.Len(t, studies, 1)
	require.True(t, strings.HasSuffix(studies[0], "_kB_st1.0"))
}

func TestRunDrainsMoreJobsThanDevices(t *testing.T) {
	h := newHarness(t, 2, testsupport.WithReconExitCode(2))
	dir := t.TempDir()
	var lines []string
	for i, name := range []string{"a.raw", "b.raw", "c.raw"} {
		lines = append(lines, testsupport.WriteRawCase(t, dir, name, int64(10+i))+",100,B,1.0")
	}
	testsupport.WriteLines(t, h.lib.QueuePath(), lines...)

	require.NoError(t, h.scheduler(t, h.goroutineSpawner()).Run(context.Background()))

	failed, err := h.ledger.Errors()
	require.NoError(t, err)
	require.Len(t, failed, 3)
	for _, entry := range failed {
		require.Equal(t, "ReconstructionError", entry.Kind)
	}
	require.Empty(t, testsupport.ReadLines(t, h.lib.QueuePath()))
}

func TestRunStopsDispatchingWhenCancelled(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.locks.MustLock("dev0").TryAcquire())
	testsupport.WriteLines(t, h.lib.QueuePath(), "/d/1.raw,100,B,1.0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.scheduler(t, &recordingSpawner{}).Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.Equal(t, []string{"/d/1.raw,100,B,1.0"}, testsupport.ReadLines(t, h.lib.QueuePath()))
}

func TestClaimIsSingleton(t *testing.T) {
	h := newHarness(t, 1)
	release, err := Claim(h.locks)
	require.NoError(t, err)

	_, err = Claim(h.locks)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, release())
	release, err = Claim(h.locks)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestNewRequiresDevices(t *testing.T) {
	h := newHarness(t, 1)
	_, err := New(Options{Library: h.lib, Locks: h.locks, Ledger: h.ledger, Spawner: &recordingSpawner{}})
	require.ErrorIs(t, err, devices.ErrNoDevices)
}

func TestProcessSpawnerCommand(t *testing.T) {
	h := newHarness(t, 1)
	dev, _ := h.registry.Device(0)
	desc, err := queue.ParseDescriptor("/d/1.raw,100,B,1.0")
	require.NoError(t, err)

	p := &ProcessSpawner{Executable: "/usr/bin/ctbb", LibraryRoot: "/lib", ConfigPath: "/etc/ctbb.toml"}
	require.Equal(t,
		[]string{"/usr/bin/ctbb", "worker", "run", "--config", "/etc/ctbb.toml", "/d/1.raw,100,B,1.0", "dev0", "/lib"},
		p.Command(Dispatch{Descriptor: desc, Device: dev}),
	)

	require.NoError(t, dev.Lock.TryAcquire())
	require.ErrorIs(t, p.Spawn(context.Background(), Dispatch{Descriptor: desc, Device: dev}), lockdir.ErrBusy)
}
