package library_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ctbb/internal/library"
	"ctbb/internal/lockdir"
	"ctbb/internal/logging"
	"ctbb/internal/testsupport"
)

func TestEnsureLayoutCreatesTree(t *testing.T) {
	lib := testsupport.NewLibrary(t)
	for _, dir := range []string{lib.RawDir(), lib.RawDataDir(100), lib.ReconDir(), lib.RunLogDir(), lib.MutexDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		require.True(t, info.IsDir(), dir)
	}
	require.Equal(t, filepath.Join(lib.Root(), ".proc", "queue"), lib.QueuePath())
}

func TestLocateRawDataImportsSourceAndTemplate(t *testing.T) {
	lib := testsupport.NewLibrary(t)
	source := testsupport.WriteRawCase(t, t.TempDir(), "a.raw", 128)

	caseID, err := lib.LocateRawData(context.Background(), source)
	require.NoError(t, err)
	expected, err := library.CaseID(source)
	require.NoError(t, err)
	require.Equal(t, expected, caseID)
	require.Len(t, caseID, 32)

	require.FileExists(t, filepath.Join(lib.RawDataDir(100), caseID))
	require.FileExists(t, lib.BaseParameterPath(source))

	again, err := lib.LocateRawData(context.Background(), source)
	require.NoError(t, err)
	require.Equal(t, caseID, again)
}

func TestLocateRawDataMissingSource(t *testing.T) {
	lib := testsupport.NewLibrary(t)
	_, err := lib.LocateRawData(context.Background(), filepath.Join(t.TempDir(), "missing.raw"))
	require.Error(t, err)
	require.True(t, errors.Is(err, library.ErrRawDataMissing))
}

func TestLocateReducedDoseRunsSimulator(t *testing.T) {
	lib := testsupport.NewLibrary(t, testsupport.WithStubbedBinaries())
	source := testsupport.WriteRawCase(t, t.TempDir(), "a.raw", 64)
	caseID, err := lib.LocateRawData(context.Background(), source)
	require.NoError(t, err)

	require.NoError(t, lib.LocateReducedDose(context.Background(), caseID, 25))
	require.FileExists(t, filepath.Join(lib.RawDataDir(25), caseID))
}

func TestLocateReducedDoseFailure(t *testing.T) {
	lib := testsupport.NewLibrary(t, testsupport.WithDoseExitCode(3))
	source := testsupport.WriteRawCase(t, t.TempDir(), "a.raw", 64)
	caseID, err := lib.LocateRawData(context.Background(), source)
	require.NoError(t, err)

	err = lib.LocateReducedDose(context.Background(), caseID, 25)
	require.Error(t, err)
	require.Contains(t, err.Error(), "dose simulation failed")
	require.NoFileExists(t, filepath.Join(lib.RawDataDir(25), caseID))
	entries, err := os.ReadDir(lib.RawDataDir(25))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestLocateReducedDoseSerializesConcurrentCallers(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	calls := filepath.Join(t.TempDir(), "calls")
	slow := filepath.Join(t.TempDir(), "slow_dose")
	script := "#!/bin/sh\necho run >> \"" + calls + "\"\nprintf HALF > \"$3\"\nsleep 1\nprintf FULL >> \"$3\"\n"
	require.NoError(t, os.WriteFile(slow, []byte(script), 0o755))
	cfg.Dose.Binary = slow

	source := testsupport.WriteRawCase(t, t.TempDir(), "a.raw", 64)
	caseID, err := library.New(cfg, logging.NewNop()).LocateRawData(context.Background(), source)
	require.NoError(t, err)
	output := filepath.Join(library.New(cfg, logging.NewNop()).RawDataDir(50), caseID)

	// Two workers on different devices, each with its own library handle.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	seen := make([]string, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i == 1 {
				time.Sleep(300 * time.Millisecond)
			}
			errs[i] = library.New(cfg, logging.NewNop()).LocateReducedDose(context.Background(), caseID, 50)
			data, _ := os.ReadFile(output)
			seen[i] = string(data)
		}()
	}
	wg.Wait()

	for i := range 2 {
		require.NoError(t, errs[i])
		require.Equal(t, "HALFFULL", seen[i], "caller %d", i)
	}
	ran, err := os.ReadFile(calls)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(ran), "run"))

	locks, err := lockdir.Open(library.New(cfg, logging.NewNop()).MutexDir(), lockdir.Options{})
	require.NoError(t, err)
	held, err := locks.List()
	require.NoError(t, err)
	require.Empty(t, held)
}

func TestLocateRawDataConcurrentImportsAgree(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	source := testsupport.WriteRawCase(t, t.TempDir(), "big.raw", 4<<20)
	want, err := os.ReadFile(source)
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]string, 4)
	errs := make([]error, 4)
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lib := library.New(cfg, logging.NewNop())
			ids[i], errs[i] = lib.LocateRawData(context.Background(), source)
			if errs[i] != nil {
				return
			}
			data, err := os.ReadFile(filepath.Join(lib.RawDataDir(100), ids[i]))
			if err != nil {
				errs[i] = err
				return
			}
			if len(data) != len(want) {
				errs[i] = errors.New("imported raw data is truncated")
			}
		}()
	}
	wg.Wait()
	for i := range 4 {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	entries, err := os.ReadDir(library.New(cfg, logging.NewNop()).RawDataDir(100))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestStudyNamesRoundTrip(t *testing.T) {
	name := library.StudyName("0cc175b9c0f1b6a831c399e269772661", "B", "1.0")
	require.Equal(t, "0cc175b9c0f1b6a831c399e269772661_kB_st1.0", name)

	caseID, kernel, st, ok := library.ParseStudyName(name)
	require.True(t, ok)
	require.Equal(t, "0cc175b9c0f1b6a831c399e269772661", caseID)
	require.Equal(t, "B", kernel)
	require.Equal(t, "1.0", st)

	_, _, _, ok = library.ParseStudyName("not-a-study")
	require.False(t, ok)

	require.Equal(t, "abc_d25_kB_st0.6", library.ArtifactStem("abc", 25, "B", "0.6"))
}

func TestFallbackCaseIDSanitizes(t *testing.T) {
	require.Equal(t, "scan-01.raw", library.FallbackCaseID("/data/scan 01.raw"))
	require.Equal(t, "unknown", library.FallbackCaseID(""))
}

func TestRefreshReconListListsStudiesWithImages(t *testing.T) {
	lib := testsupport.NewLibrary(t)
	withImage := lib.Study("aaa", 100, "B", "1.0")
	empty := lib.Study("bbb", 50, "D", "2.0")
	require.NoError(t, lib.InitializeStudy(withImage))
	require.NoError(t, lib.InitializeStudy(empty))
	testsupport.WriteFile(t, filepath.Join(withImage.ImgDir, "aaa_d100_kB_st1.0.img"), 16)
	require.NoError(t, os.MkdirAll(filepath.Join(lib.ReconDir(), "junk"), 0o755))

	count, err := lib.RefreshReconList()
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, []string{withImage.Path}, testsupport.ReadLines(t, lib.ReconList()))

	studies, err := lib.Studies()
	require.NoError(t, err)
	require.Len(t, studies, 2)
	require.Equal(t, 50, studies[0].Dose)
	require.Equal(t, "bbb", studies[0].CaseID)
	require.Equal(t, 1, studies[1].Images)
}
