// Package progress carries per-item pipeline events from the scheduler to
// pluggable sinks (logs, metrics, the run store, live status).
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// Kind identifies the milestone an Event records.
type Kind string

// Supported event kinds.
const (
	KindRunStart   Kind = "RUN_START"
	KindStageStart Kind = "STAGE_START"
	KindAttempt    Kind = "ATTEMPT"
	KindItemDone   Kind = "ITEM_DONE"
	KindStageDone  Kind = "STAGE_DONE"
	KindRunDone    Kind = "RUN_DONE"
)

// Event captures a single step of pipeline progress.
type Event struct {
	// RunID ties the event to one orchestrator run.
	RunID string
	// TS is the emitter's timestamp.
	TS    time.Time
	Kind  Kind
	Stage harvest.Stage
	// ItemID is set for attempt and item events.
	ItemID  harvest.ItemID
	Attempt int
	Success bool
	Skipped bool
	// Outcome is the failure classification, empty on success.
	Outcome harvest.ErrorKind
	// Items is the stage size for stage events.
	Items int
	Dur   time.Duration
	// Note carries low-volume context such as the final run state or error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunStart, KindRunDone:
	case KindStageStart, KindStageDone:
		if e.Stage == "" {
			return fmt.Errorf("%s requires a stage", e.Kind)
		}
	case KindAttempt, KindItemDone:
		if e.Stage == "" || e.ItemID == "" {
			return fmt.Errorf("%s requires stage and item id", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
