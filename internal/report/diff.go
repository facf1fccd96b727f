package report

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"ctbb/internal/library"
	"ctbb/internal/queue"
)

// Missing is a desired reconstruction with no image in the library.
type Missing struct {
	Descriptor queue.Descriptor
	// Image is the expected image path; empty when the case could not be
	// identified.
	Image  string
	Reason string
}

// ExpectedImage is where a completed job leaves its image.
func ExpectedImage(lib *library.Library, caseID string, desc queue.Descriptor) string {
	study := lib.Study(caseID, desc.Dose, desc.Kernel, desc.SliceThickness)
	stem := library.ArtifactStem(caseID, desc.Dose, desc.Kernel, desc.SliceThickness)
	return filepath.Join(study.ImgDir, stem+".img")
}

// Diff returns the desired jobs whose image is absent, in input order. Each
// source file is hashed once.
func Diff(lib *library.Library, desired []queue.Descriptor) ([]Missing, error) {
	ids := map[string]string{}
	idErrs := map[string]error{}
	var missing []Missing
	for _, desc := range desired {
		caseID, seen := ids[desc.SourcePath]
		if !seen {
			if err, failed := idErrs[desc.SourcePath]; failed {
				missing = append(missing, Missing{Descriptor: desc, Reason: err.Error()})
				continue
			}
			id, err := library.CaseID(desc.SourcePath)
			if err != nil {
				idErrs[desc.SourcePath] = fmt.Errorf("raw data unreadable: %w", err)
				missing = append(missing, Missing{Descriptor: desc, Reason: idErrs[desc.SourcePath].Error()})
				continue
			}
			ids[desc.SourcePath] = id
			caseID = id
		}

		image := ExpectedImage(lib, caseID, desc)
		_, err := os.Stat(image)
		switch {
		case err == nil:
			continue
		case errors.Is(err, fs.ErrNotExist):
			missing = append(missing, Missing{Descriptor: desc, Image: image, Reason: "image not found"})
		default:
			return missing, fmt.Errorf("stat %s: %w", image, err)
		}
	}
	return missing, nil
}

// Descriptors returns the descriptors of missing jobs, ready to resubmit.
func Descriptors(missing []Missing) []queue.Descriptor {
	out := make([]queue.Descriptor, 0, len(missing))
	for _, m := range missing {
		out = append(out, m.Descriptor)
	}
	return out
}
