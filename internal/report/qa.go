package report

import (
	"bytes"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"ctbb/internal/ledger"
	"ctbb/internal/library"
)

// QAInput gathers everything the QA report summarizes.
type QAInput struct {
	Library   string
	Generated time.Time
	Runs      []Run
	Done      []ledger.Entry
	Errors    []ledger.Entry
	Studies   []library.StudyInfo
	// MineErr reports run logs that could not be read; the rest are in Runs.
	MineErr error
}

// CollectQA reads run logs, ledgers, and studies from a library. Unreadable
// run logs are skipped and reported in MineErr.
func CollectQA(lib *library.Library, led *ledger.Ledger) (QAInput, error) {
	in := QAInput{Library: lib.Root(), Generated: time.Now()}
	in.Runs, in.MineErr = MineRunLogs(lib.RunLogDir())
	var err error
	if in.Done, err = led.Done(); err != nil {
		return in, err
	}
	if in.Errors, err = led.Errors(); err != nil {
		return in, err
	}
	if in.Studies, err = lib.Studies(); err != nil {
		return in, err
	}
	return in, nil
}

// StageLabel turns a stage key like "simulate_dose" into "Simulate Dose".
func StageLabel(stage string) string {
	return cases.Title(language.Und).String(strings.ReplaceAll(stage, "_", " "))
}

// QAMarkdown renders the QA summary as markdown.
func QAMarkdown(in QAInput) []byte {
	var b bytes.Buffer
	sum := Summarize(in.Runs)

	fmt.Fprintf(&b, "# Reconstruction QA: %s\n\n", in.Library)
	fmt.Fprintf(&b, "Generated %s.\n\n", in.Generated.UTC().Format(time.RFC1123))
	fmt.Fprintf(&b, "%d done, %d failed, %d runs logged", len(in.Done), len(in.Errors), sum.Runs)
	if sum.RealTime > 0 {
		fmt.Fprintf(&b, " over %s", sum.RealTime.Round(time.Second))
	}
	b.WriteString(".\n\n")
	if in.MineErr != nil {
		fmt.Fprintf(&b, "Some run logs could not be read: %s\n\n", escapeCell(in.MineErr.Error()))
	}

	b.WriteString("## Outcomes\n\n| Outcome | Runs |\n| --- | ---: |\n")
	for _, kind := range sortedKeys(sum.Outcomes) {
		fmt.Fprintf(&b, "| %s | %d |\n", kind, sum.Outcomes[kind])
	}
	if len(sum.Outcomes) == 0 {
		b.WriteString("| none | 0 |\n")
	}

	b.WriteString("\n## Stage timing\n\n| Stage | Runs | Total | Average |\n| --- | ---: | ---: | ---: |\n")
	for _, stage := range metricStages {
		if sum.StageCount[stage] == 0 {
			continue
		}
		fmt.Fprintf(&b, "| %s | %d | %s | %s |\n", StageLabel(stage), sum.StageCount[stage],
			sum.StageTotal[stage].Round(time.Second), sum.StageAverage(stage).Round(time.Millisecond))
	}

	b.WriteString("\n## Failed jobs\n\n")
	if len(in.Errors) == 0 {
		b.WriteString("None.\n")
	} else {
		b.WriteString("| Job | Kind |\n| --- | --- |\n")
		for _, e := range in.Errors {
			fmt.Fprintf(&b, "| `%s` | %s |\n", escapeCell(e.Descriptor), e.Kind)
		}
	}

	b.WriteString("\n## Studies\n\n")
	if len(in.Studies) == 0 {
		b.WriteString("No studies yet.\n")
	} else {
		b.WriteString("| Dose | Case | Kernel | Slice thickness | Images |\n| ---: | --- | --- | --- | ---: |\n")
		for _, s := range in.Studies {
			fmt.Fprintf(&b, "| %d | `%s` | %s | %s | %d |\n", s.Dose, s.CaseID, escapeCell(s.Kernel), escapeCell(s.SliceThickness), s.Images)
		}
	}
	return b.Bytes()
}

// RenderHTML converts QA markdown into a standalone HTML page.
func RenderHTML(title string, markdown []byte) ([]byte, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	var body bytes.Buffer
	if err := md.Convert(markdown, &body); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\">\n")
	fmt.Fprintf(&page, "<title>%s</title>\n", html.EscapeString(title))
	page.WriteString("<style>body{font-family:sans-serif;margin:2em}table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:.3em .6em}</style>\n")
	page.WriteString("</head><body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body></html>\n")
	return page.Bytes(), nil
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
