package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"ctbb/internal/fileutil"
	"ctbb/internal/library"
	"ctbb/internal/logging"
)

// Stage names as they appear in logs and metrics.
const (
	StageFetchRaw           = "fetch_raw"
	StageInitializeStudy    = "initialize_study"
	StageSimulateDose       = "simulate_dose"
	StageAssembleParameters = "assemble_parameters"
	StageReconstruct        = "reconstruct"
	StageFinalize           = "finalize"
)

// Stages lists every stage in execution order.
var Stages = []string{
	StageFetchRaw,
	StageInitializeStudy,
	StageSimulateDose,
	StageAssembleParameters,
	StageReconstruct,
	StageFinalize,
}

func (w *Worker) fetchRaw(ctx context.Context) error {
	caseID, err := w.deps.Library.LocateRawData(ctx, w.desc.SourcePath)
	if err != nil {
		w.caseID = library.FallbackCaseID(w.desc.SourcePath)
		return stageFailure(NoRawData, StageFetchRaw, err)
	}
	w.caseID = caseID
	logging.WithContext(ctx, w.logger).Info("raw data located",
		logging.CaseID(caseID),
	)
	return nil
}

func (w *Worker) initializeStudy(context.Context) error {
	w.study = w.deps.Library.Study(w.caseID, w.desc.Dose, w.desc.Kernel, w.desc.SliceThickness)
	if err := w.deps.Library.InitializeStudy(w.study); err != nil {
		return stageFailure(UnexpectedError, StageInitializeStudy, err)
	}
	w.studyOK = true
	return nil
}

func (w *Worker) simulateDose(ctx context.Context) error {
	if err := w.deps.Library.LocateReducedDose(ctx, w.caseID, w.desc.Dose); err != nil {
		return stageFailure(DoseReductionError, StageSimulateDose, err)
	}
	return nil
}

// assembleParameters copies the base template into the study directory and
// appends the derived fields, one "Key:\tvalue" per line.
func (w *Worker) assembleParameters(ctx context.Context) error {
	lib := w.deps.Library
	cfg := lib.Config()
	stem := library.ArtifactStem(w.caseID, w.desc.Dose, w.desc.Kernel, w.desc.SliceThickness)
	paramFile := filepath.Join(w.study.Path, stem+".prm")

	if err := fileutil.CopyFile(lib.BaseParameterPath(w.desc.SourcePath), paramFile); err != nil {
		return stageFailure(ParameterAssemblyError, StageAssembleParameters, fmt.Errorf("copy base parameters: %w", err))
	}
	fields := [][2]string{
		{"RawDataDir:", lib.RawDataDir(w.desc.Dose)},
		{"RawDataFile:", w.caseID},
		{"OutputDir:", w.study.Path},
		{"OutputFile:", stem + ".img"},
		{"ReconKernel:", w.desc.Kernel},
		{"SliceThickness:", w.desc.SliceThickness},
		{"AdaptiveFiltration:", cfg.Recon.AdaptiveFiltration},
	}
	f, err := os.OpenFile(paramFile, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return stageFailure(ParameterAssemblyError, StageAssembleParameters, err)
	}
	for _, field := range fields {
		if _, err := fmt.Fprintf(f, "%s\t%s\n", field[0], field[1]); err != nil {
			f.Close()
			return stageFailure(ParameterAssemblyError, StageAssembleParameters, err)
		}
	}
	if err := f.Close(); err != nil {
		return stageFailure(ParameterAssemblyError, StageAssembleParameters, err)
	}
	w.paramFile = paramFile
	logging.WithContext(ctx, w.logger).Debug("parameter file assembled",
		logging.String("param_file", paramFile),
		logging.String("output_file", stem+".img"),
	)
	return nil
}

func (w *Worker) reconstruct(ctx context.Context) error {
	if err := w.deps.Runner.Run(ctx, w.device.Ordinal, w.paramFile); err != nil {
		return stageFailure(ReconstructionError, StageReconstruct, err)
	}
	logging.WithContext(ctx, w.logger).Debug("reconstruction finished",
		logging.String("device_ordinal", strconv.Itoa(w.device.Ordinal)),
	)
	return nil
}
