// Package worker drives one queued job through its stages on one device.
//
// A Worker takes its device lock when it is constructed and releases it after
// Finalize on every exit path, including panics. Stages run in order: fetch
// raw data, initialize the study directory (always attempted), simulate the
// reduced dose (skipped at the reference dose), assemble the parameter file,
// and reconstruct. The first failure skips the remaining stages and decides
// the outcome kind. Finalize always runs: it relocates logs and images into
// the study directory and appends exactly one line to the done or error
// ledger.
//
// Each run writes a JSON log under log/runs/ that is also copied into the
// study's log directory. Stage boundaries are logged as stage_start,
// stage_complete, stage_failure, and stage_skipped events.
package worker
