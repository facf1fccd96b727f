package report

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"ctbb/internal/worker"
)

// metricStages are the stages exported as columns, in pipeline order.
var metricStages = []string{
	worker.StageFetchRaw,
	worker.StageSimulateDose,
	worker.StageAssembleParameters,
	worker.StageReconstruct,
	worker.StageFinalize,
}

// CSVHeader is the column order written by WriteCSV.
func CSVHeader() []string {
	header := []string{"run_id", "job", "device", "case_id", "dose", "status", "start_time", "end_time", "time_total"}
	for _, stage := range metricStages {
		header = append(header, "time_"+stage)
	}
	return header
}

// WriteCSV writes one row per run. Durations are in seconds.
func WriteCSV(w io.Writer, runs []Run) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader()); err != nil {
		return err
	}
	for _, run := range runs {
		row := []string{
			run.RunID,
			run.Job,
			run.Device,
			run.CaseID,
			strconv.Itoa(run.Dose),
			run.Status,
			formatTime(run.Start),
			formatTime(run.End),
			seconds(run.Total()),
		}
		for _, stage := range metricStages {
			row = append(row, seconds(run.Stages[stage]))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

var runsSchema = []string{`CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    job TEXT NOT NULL,
    device TEXT NOT NULL,
    case_id TEXT NOT NULL,
    dose INTEGER NOT NULL,
    status TEXT NOT NULL,
    start_time TEXT,
    end_time TEXT,
    time_total REAL NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS run_stages (
    run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    stage TEXT NOT NULL,
    seconds REAL NOT NULL,
    PRIMARY KEY (run_id, stage)
)`,
}

// WriteSQLite upserts runs into the database at path, creating the schema as
// needed. Re-exporting the same run logs is idempotent.
func WriteSQLite(ctx context.Context, path string, runs []Run) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	defer db.Close()
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	for _, stmt := range runsSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin export: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, run := range runs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (run_id, job, device, case_id, dose, status, start_time, end_time, time_total)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT(run_id) DO UPDATE SET
                job = excluded.job, device = excluded.device, case_id = excluded.case_id,
                dose = excluded.dose, status = excluded.status, start_time = excluded.start_time,
                end_time = excluded.end_time, time_total = excluded.time_total`,
			run.RunID, run.Job, run.Device, run.CaseID, run.Dose, run.Status,
			formatTime(run.Start), formatTime(run.End), run.Total().Seconds(),
		); err != nil {
			return fmt.Errorf("insert run %s: %w", run.RunID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM run_stages WHERE run_id = ?`, run.RunID); err != nil {
			return fmt.Errorf("clear stages of %s: %w", run.RunID, err)
		}
		for stage, d := range run.Stages {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO run_stages (run_id, stage, seconds) VALUES (?, ?, ?)`,
				run.RunID, stage, d.Seconds(),
			); err != nil {
				return fmt.Errorf("insert stage %s of %s: %w", stage, run.RunID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit export: %w", err)
	}
	return nil
}

// WriteCSVFile writes runs to path, replacing it.
func WriteCSVFile(path string, runs []Run) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, runs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
