package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// Process exit codes for a finished run.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitItemFailures = 2
	ExitBreaker      = 3
	ExitFatalConfig  = 4
)

// ExitCode maps a run outcome to the process exit status.
func ExitCode(summary harvest.RunSummary, err error) int {
	if err == nil && summary.State == harvest.StateDone {
		if summary.FailedItems() > 0 {
			return ExitItemFailures
		}
		return ExitOK
	}
	switch harvest.KindOf(err) {
	case harvest.KindCircuitBreakerTripped:
		return ExitBreaker
	case harvest.KindAuth, harvest.KindInvalidInput:
		return ExitFatalConfig
	default:
		return ExitFailure
	}
}

// RenderSummary writes the run summary as tables.
func RenderSummary(w io.Writer, s harvest.RunSummary) {
	head := table.NewWriter()
	head.SetOutputMirror(w)
	head.AppendRows([]table.Row{
		{"Run", s.RunID},
		{"State", s.State},
		{"Duration", s.Duration.Round(time.Millisecond)},
		{"Discovered", discoveredLabel(s)},
		{"Items", s.Items},
	})
	if s.DryRun {
		head.AppendRow(table.Row{"Mode", "dry run"})
	}
	if s.FatalError != "" {
		head.AppendRow(table.Row{"Fatal", fmt.Sprintf("%s: %s", s.FatalKind, s.FatalError)})
	}
	head.Render()

	if len(s.Stages) > 0 {
		stages := table.NewWriter()
		stages.SetOutputMirror(w)
		stages.AppendHeader(table.Row{"Stage", "Processed", "Succeeded", "Failed", "Skipped", "Not attempted", "Pending", "Retries", "Duration"})
		for _, st := range s.Stages {
			stages.AppendRow(table.Row{
				st.Stage, st.Processed, st.Succeeded, st.Failed, st.Skipped,
				st.NotAttempted, st.Pending, st.Retries, st.Duration.Round(time.Millisecond),
			})
		}
		stages.Render()
	}

	if failures := s.Failures(); len(failures) > 0 {
		ft := table.NewWriter()
		ft.SetOutputMirror(w)
		ft.AppendHeader(table.Row{"Stage", "Item", "Kind", "Attempts", "Message"})
		for _, f := range failures {
			ft.AppendRow(table.Row{f.Stage, f.ItemID, f.Kind, f.Attempts, truncate(f.Message, 80)})
		}
		ft.Render()
	}
}

func discoveredLabel(s harvest.RunSummary) string {
	if s.DiscoveryPartial {
		return fmt.Sprintf("%d (partial: %s)", s.Discovered, harvest.KindDiscoveryIncomplete)
	}
	return fmt.Sprintf("%d", s.Discovered)
}

// RenderStats writes the statistics report.
func RenderStats(w io.Writer, s Stats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Metric", "Value"})
	present := "missing"
	if s.ItemListPresent {
		present = "present"
	}
	t.AppendRows([]table.Row{
		{"Item list", fmt.Sprintf("%s (%s)", s.ItemListPath, present)},
		{"Listed items", s.Items},
		{"Captured files", s.Captured},
		{"Captured size", humanBytes(s.CapturedBytes)},
		{"Indexed items", s.Indexed},
	})
	t.Render()
}

// WriteSummaryJSON exports the summary to path.
func WriteSummaryJSON(path string, s harvest.RunSummary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create summary dir: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
