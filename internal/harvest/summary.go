package harvest

import "time"

// RunState is the orchestrator state.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateDiscovery RunState = "discovery"
	StateCapture   RunState = "capture"
	StateStore     RunState = "store"
	StateIndex     RunState = "index"
	StateDone      RunState = "done"
	StateAborted   RunState = "aborted"
)

// StageResult is the outcome of one item in one stage.
type StageResult struct {
	ItemID   ItemID        `json:"item_id"`
	Success  bool          `json:"success"`
	Skipped  bool          `json:"skipped,omitempty"`
	Attempts int           `json:"attempts"`
	Error    ErrorKind     `json:"error,omitempty"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Attempted reports whether the item was dispatched at all.
func (r StageResult) Attempted() bool {
	return r.Error != KindNotAttempted
}

// ItemFailure is a per-item failure carried into the run summary.
type ItemFailure struct {
	Stage    Stage     `json:"stage"`
	ItemID   ItemID    `json:"item_id"`
	Kind     ErrorKind `json:"kind"`
	Attempts int       `json:"attempts"`
	Message  string    `json:"message,omitempty"`
}

// StageSummary aggregates the results of one stage.
type StageSummary struct {
	Stage        Stage         `json:"stage"`
	DryRun       bool          `json:"dry_run,omitempty"`
	Items        int           `json:"items"`
	Processed    int           `json:"processed"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	NotAttempted int           `json:"not_attempted"`
	Pending      int           `json:"pending,omitempty"`
	Retries      int           `json:"retries"`
	Duration     time.Duration `json:"duration"`
	Failures     []ItemFailure `json:"failures,omitempty"`
}

// Summarize folds stage results into a StageSummary.
func Summarize(stage Stage, results []StageResult, elapsed time.Duration) StageSummary {
	s := StageSummary{Stage: stage, Items: len(results), Duration: elapsed}
	for _, r := range results {
		if !r.Attempted() {
			s.NotAttempted++
			continue
		}
		s.Processed++
		if r.Attempts > 1 {
			s.Retries += r.Attempts - 1
		}
		switch {
		case r.Success && r.Skipped:
			s.Succeeded++
			s.Skipped++
		case r.Success:
			s.Succeeded++
		default:
			s.Failed++
			s.Failures = append(s.Failures, ItemFailure{
				Stage:    stage,
				ItemID:   r.ItemID,
				Kind:     r.Error,
				Attempts: r.Attempts,
				Message:  r.Message,
			})
		}
	}
	return s
}

// RunSummary is the single report produced by every run.
type RunSummary struct {
	RunID            string         `json:"run_id"`
	State            RunState       `json:"state"`
	DryRun           bool           `json:"dry_run,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	Duration         time.Duration  `json:"duration"`
	Discovered       int            `json:"discovered"`
	DiscoveryPartial bool           `json:"discovery_partial,omitempty"`
	Items            int            `json:"items"`
	Stages           []StageSummary `json:"stages"`
	FatalKind        ErrorKind      `json:"fatal_kind,omitempty"`
	FatalError       string         `json:"fatal_error,omitempty"`
}

// Failures flattens the per-stage failures.
func (s RunSummary) Failures() []ItemFailure {
	var out []ItemFailure
	for _, st := range s.Stages {
		out = append(out, st.Failures...)
	}
	return out
}

// FailedItems counts item failures across all stages.
func (s RunSummary) FailedItems() int {
	n := 0
	for _, st := range s.Stages {
		n += st.Failed
	}
	return n
}

// Stage returns the summary for stage, if it ran.
func (s RunSummary) Stage(stage Stage) (StageSummary, bool) {
	for _, st := range s.Stages {
		if st.Stage == stage {
			return st, true
		}
	}
	return StageSummary{}, false
}
