package report

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ctbb/internal/logging"
	"ctbb/internal/worker"
)

// Run is what one run log says about a job.
type Run struct {
	RunID  string
	Job    string
	Device string
	CaseID string
	Dose   int
	Status string
	Start  time.Time
	End    time.Time
	// Stages maps stage name to time spent in it. Skipped stages are absent.
	Stages map[string]time.Duration
}

// Total is the wall time between job start and job completion.
func (r Run) Total() time.Duration {
	if r.Start.IsZero() || r.End.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Complete reports whether the log recorded a job outcome.
func (r Run) Complete() bool {
	return r.Status != ""
}

type logLine struct {
	TS        string   `json:"ts"`
	EventType string   `json:"event_type"`
	Stage     string   `json:"stage"`
	RunID     string   `json:"run_id"`
	Device    string   `json:"device"`
	Job       string   `json:"job"`
	CaseID    string   `json:"case_id"`
	Status    string   `json:"status"`
	Dose      *int     `json:"dose"`
	Elapsed   *float64 `json:"elapsed"`
}

// ParseRunLog mines one JSON run log. Lines that are not JSON are skipped.
func ParseRunLog(r io.Reader) (Run, error) {
	run := Run{Stages: map[string]time.Duration{}}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line logLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if run.RunID == "" {
			run.RunID = line.RunID
		}
		if run.Device == "" {
			run.Device = line.Device
		}
		ts, _ := logging.ParseTime(line.TS)

		switch line.EventType {
		case "job_start":
			run.Start = ts
			run.Job = line.Job
			if line.Dose != nil {
				run.Dose = *line.Dose
			}
		case "job_complete":
			run.End = ts
			run.Status = line.Status
			run.CaseID = line.CaseID
		case "stage_complete", "stage_failure":
			if line.Stage != "" && line.Elapsed != nil {
				run.Stages[line.Stage] += time.Duration(*line.Elapsed)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return run, err
	}
	return run, nil
}

// MineRunLogs parses every *.log file under dir, oldest start first.
// Unreadable files are reported together after the rest are mined.
func MineRunLogs(dir string) ([]Run, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil {
		return nil, err
	}
	var (
		runs []Run
		errs []error
	)
	for _, path := range paths {
		run, err := mineFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		if run.RunID == "" {
			run.RunID = strings.TrimSuffix(filepath.Base(path), ".log")
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Start.Before(runs[j].Start) })
	return runs, errors.Join(errs...)
}

func mineFile(path string) (Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return Run{}, err
	}
	defer f.Close()
	return ParseRunLog(f)
}

// incomplete labels runs whose log has no job_complete event.
const incomplete = "Incomplete"

// Summary aggregates mined runs.
type Summary struct {
	Runs     int
	Outcomes map[string]int
	// RealTime spans the earliest start to the latest end.
	RealTime   time.Duration
	TotalTime  time.Duration
	StageTotal map[string]time.Duration
	// StageCount counts runs that spent time in each stage.
	StageCount map[string]int
}

// AverageTime is the mean wall time of complete runs.
func (s Summary) AverageTime() time.Duration {
	complete := s.Runs - s.Outcomes[incomplete]
	if complete <= 0 {
		return 0
	}
	return s.TotalTime / time.Duration(complete)
}

// StageAverage is the mean over runs that executed the stage, so skipped dose
// reductions do not pull the average toward zero.
func (s Summary) StageAverage(stage string) time.Duration {
	n := s.StageCount[stage]
	if n == 0 {
		return 0
	}
	return s.StageTotal[stage] / time.Duration(n)
}

// Summarize folds runs into totals. Incomplete runs count toward Runs and
// their stages but not toward wall time.
func Summarize(runs []Run) Summary {
	sum := Summary{
		Outcomes:   map[string]int{},
		StageTotal: map[string]time.Duration{},
		StageCount: map[string]int{},
	}
	var first, last time.Time
	for _, run := range runs {
		sum.Runs++
		status := run.Status
		if status == "" {
			status = incomplete
		}
		sum.Outcomes[status]++
		sum.TotalTime += run.Total()
		for stage, d := range run.Stages {
			sum.StageTotal[stage] += d
			sum.StageCount[stage]++
		}
		if !run.Start.IsZero() && (first.IsZero() || run.Start.Before(first)) {
			first = run.Start
		}
		if run.End.After(last) {
			last = run.End
		}
	}
	if !first.IsZero() && last.After(first) {
		sum.RealTime = last.Sub(first)
	}
	return sum
}

// SuccessRate is the share of complete runs that succeeded.
func (s Summary) SuccessRate() float64 {
	complete := s.Runs - s.Outcomes[incomplete]
	if complete <= 0 {
		return 0
	}
	return float64(s.Outcomes[worker.Success.String()]) / float64(complete)
}
