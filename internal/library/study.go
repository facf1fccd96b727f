package library

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"ctbb/internal/fileutil"
)

// StudyDir is the output directory of one (case, dose, kernel, slice
// thickness) combination.
type StudyDir struct {
	Path   string
	LogDir string
	ImgDir string
}

// StudyName formats the study directory base name.
func StudyName(caseID, kernel, sliceThickness string) string {
	return fmt.Sprintf("%s_k%s_st%s", caseID, kernel, sliceThickness)
}

// ParseStudyName splits a study directory base name into its parts.
func ParseStudyName(name string) (caseID, kernel, sliceThickness string, ok bool) {
	stIdx := strings.LastIndex(name, "_st")
	if stIdx < 0 {
		return "", "", "", false
	}
	head := name[:stIdx]
	sliceThickness = name[stIdx+len("_st"):]
	kIdx := strings.LastIndex(head, "_k")
	if kIdx <= 0 {
		return "", "", "", false
	}
	caseID = head[:kIdx]
	kernel = head[kIdx+len("_k"):]
	if kernel == "" || sliceThickness == "" {
		return "", "", "", false
	}
	return caseID, kernel, sliceThickness, true
}

// ArtifactStem is the shared base name of the parameter and image files of
// one study: <case>_d<dose>_k<kernel>_st<st>.
func ArtifactStem(caseID string, dose int, kernel, sliceThickness string) string {
	return fmt.Sprintf("%s_d%d_k%s_st%s", caseID, dose, kernel, sliceThickness)
}

// Study returns the study directory for a job. Nothing is created.
func (l *Library) Study(caseID string, dose int, kernel, sliceThickness string) StudyDir {
	path := filepath.Join(l.ReconDir(), strconv.Itoa(dose), StudyName(caseID, kernel, sliceThickness))
	return StudyDir{
		Path:   path,
		LogDir: filepath.Join(path, StudyLogDirName),
		ImgDir: filepath.Join(path, StudyImgDirName),
	}
}

// InitializeStudy creates the study directory and its log and image
// subdirectories.
func (l *Library) InitializeStudy(study StudyDir) error {
	for _, dir := range []string{study.Path, study.LogDir, study.ImgDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create study directory: %w", err)
		}
	}
	return nil
}

// StudyInfo describes a study directory found under recon/.
type StudyInfo struct {
	Dose           int
	CaseID         string
	Kernel         string
	SliceThickness string
	Path           string
	Images         int
}

// Studies scans recon/<dose>/<study> and reports every well-formed study
// directory, sorted by dose then name.
func (l *Library) Studies() ([]StudyInfo, error) {
	doseEntries, err := os.ReadDir(l.ReconDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recon directory: %w", err)
	}
	var studies []StudyInfo
	for _, doseEntry := range doseEntries {
		if !doseEntry.IsDir() {
			continue
		}
		dose, err := strconv.Atoi(doseEntry.Name())
		if err != nil {
			continue
		}
		doseDir := filepath.Join(l.ReconDir(), doseEntry.Name())
		entries, err := os.ReadDir(doseDir)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", doseDir, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			caseID, kernel, st, ok := ParseStudyName(entry.Name())
			if !ok {
				continue
			}
			path := filepath.Join(doseDir, entry.Name())
			images, _ := filepath.Glob(filepath.Join(path, StudyImgDirName, "*.img"))
			studies = append(studies, StudyInfo{
				Dose:           dose,
				CaseID:         caseID,
				Kernel:         kernel,
				SliceThickness: st,
				Path:           path,
				Images:         len(images),
			})
		}
	}
	sort.Slice(studies, func(i, j int) bool {
		if studies[i].Dose != studies[j].Dose {
			return studies[i].Dose < studies[j].Dose
		}
		return studies[i].Path < studies[j].Path
	})
	return studies, nil
}

// RefreshReconList rewrites .proc/recon_list with one line per study that
// holds at least one reconstructed image. It returns the number of lines.
func (l *Library) RefreshReconList() (int, error) {
	studies, err := l.Studies()
	if err != nil {
		return 0, err
	}
	var b strings.Builder
	count := 0
	for _, study := range studies {
		if study.Images == 0 {
			continue
		}
		b.WriteString(study.Path)
		b.WriteByte('\n')
		count++
	}
	if err := fileutil.WriteFileAtomic(l.ReconList(), []byte(b.String()), 0o644); err != nil {
		return 0, fmt.Errorf("write recon list: %w", err)
	}
	return count, nil
}
