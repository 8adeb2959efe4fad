package progress

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// StageStatus is the live view of one stage.
type StageStatus struct {
	Stage     harvest.Stage `json:"stage"`
	Items     int           `json:"items"`
	Done      int           `json:"done"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Attempts  int           `json:"attempts"`
	Finished  bool          `json:"finished"`
}

// Status is the live view of the current run.
type Status struct {
	RunID     string        `json:"run_id,omitempty"`
	State     string        `json:"state"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	UpdatedAt time.Time     `json:"updated_at,omitempty"`
	Stages    []StageStatus `json:"stages"`
}

// Tracker is a Sink that keeps an in-memory status of the latest run.
type Tracker struct {
	mu     sync.RWMutex
	status Status
	index  map[harvest.Stage]int
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{
		status: Status{State: string(harvest.StateIdle)},
		index:  make(map[harvest.Stage]int),
	}
}

// Consume folds a batch into the status.
func (t *Tracker) Consume(_ context.Context, batch []Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		t.apply(evt)
	}
	return nil
}

func (t *Tracker) apply(evt Event) {
	if evt.Kind == KindRunStart {
		t.status = Status{RunID: evt.RunID, State: string(harvest.StateIdle), StartedAt: evt.TS}
		t.index = make(map[harvest.Stage]int)
	}
	if evt.RunID != t.status.RunID {
		return
	}
	t.status.UpdatedAt = evt.TS
	switch evt.Kind {
	case KindStageStart:
		t.status.State = string(evt.Stage)
		st := t.stage(evt.Stage)
		st.Items = evt.Items
	case KindAttempt:
		t.stage(evt.Stage).Attempts++
	case KindItemDone:
		st := t.stage(evt.Stage)
		st.Done++
		switch {
		case evt.Success && evt.Skipped:
			st.Succeeded++
			st.Skipped++
		case evt.Success:
			st.Succeeded++
		default:
			st.Failed++
		}
	case KindStageDone:
		t.stage(evt.Stage).Finished = true
	case KindRunDone:
		t.status.State = evt.Note
	}
}

func (t *Tracker) stage(stage harvest.Stage) *StageStatus {
	i, ok := t.index[stage]
	if !ok {
		t.status.Stages = append(t.status.Stages, StageStatus{Stage: stage})
		i = len(t.status.Stages) - 1
		t.index[stage] = i
	}
	return &t.status.Stages[i]
}

// Close implements Sink.
func (t *Tracker) Close(context.Context) error { return nil }

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.status
	out.Stages = append([]StageStatus(nil), t.status.Stages...)
	return out
}
