package retry

import (
	"context"
	"sync"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// DefaultMaxConsecutiveTimeouts is the breaker threshold when none is configured.
const DefaultMaxConsecutiveTimeouts = 10

// Breaker aborts a run once too many attempts in a row have timed out.
// Within a stage only successes reset the counter; other failures leave it
// untouched.
//
// Attempts are admitted through Acquire, which counts in-flight attempts
// against the remaining timeout allowance so that concurrent workers never
// start more attempts than the threshold permits.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	inFlight    int
	tripped     bool
	timeouts    int
	retries     int
	changed     chan struct{}
}

// NewBreaker builds a breaker that trips at threshold consecutive timeouts.
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = DefaultMaxConsecutiveTimeouts
	}
	return &Breaker{threshold: threshold}
}

// RecordOutcome folds a failed attempt into the breaker state.
func (b *Breaker) RecordOutcome(kind harvest.ErrorKind) {
	if kind == harvest.KindNone {
		b.RecordSuccess()
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if kind != harvest.KindTimeout {
		return
	}
	b.timeouts++
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.tripped = true
	}
	b.notifyLocked()
}

// RecordSuccess resets the consecutive timeout counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.consecutive = 0
	b.notifyLocked()
	b.mu.Unlock()
}

// BeginStage starts a new run of consecutive timeouts for the next stage.
// A tripped breaker stays tripped.
func (b *Breaker) BeginStage() {
	b.mu.Lock()
	if !b.tripped {
		b.consecutive = 0
		b.notifyLocked()
	}
	b.mu.Unlock()
}

// Acquire reserves an attempt. It blocks while the in-flight attempts could
// by themselves reach the threshold, and returns false once the breaker has
// tripped or ctx is done. Every true return must be paired with Release
// after the attempt's outcome has been recorded.
func (b *Breaker) Acquire(ctx context.Context) bool {
	for {
		b.mu.Lock()
		if b.tripped {
			b.mu.Unlock()
			return false
		}
		if b.consecutive+b.inFlight < b.threshold {
			b.inFlight++
			b.mu.Unlock()
			return true
		}
		wait := b.waitLocked()
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-wait:
		}
	}
}

// Release returns an attempt reserved by Acquire.
func (b *Breaker) Release() {
	b.mu.Lock()
	if b.inFlight > 0 {
		b.inFlight--
	}
	b.notifyLocked()
	b.mu.Unlock()
}

func (b *Breaker) waitLocked() <-chan struct{} {
	if b.changed == nil {
		b.changed = make(chan struct{})
	}
	return b.changed
}

func (b *Breaker) notifyLocked() {
	if b.changed != nil {
		close(b.changed)
		b.changed = nil
	}
}

// RecordRetry counts a scheduled retry.
func (b *Breaker) RecordRetry() {
	b.mu.Lock()
	b.retries++
	b.mu.Unlock()
}

// ShouldAbortRun reports whether the threshold was reached. Once tripped the
// breaker stays tripped for the rest of the run.
func (b *Breaker) ShouldAbortRun() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Consecutive returns the current run of timeouts.
func (b *Breaker) Consecutive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}

// Snapshot is a copy of the breaker counters.
type Snapshot struct {
	Consecutive int
	Timeouts    int
	Retries     int
	Tripped     bool
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Consecutive: b.consecutive,
		Timeouts:    b.timeouts,
		Retries:     b.retries,
		Tripped:     b.tripped,
	}
}
