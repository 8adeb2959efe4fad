package retry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

func TestPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewLinearPolicy(time.Second)

	assert.True(t, p.ShouldRetry(1, 3, harvest.KindTimeout))
	assert.True(t, p.ShouldRetry(2, 3, harvest.KindTransientNetwork))
	assert.False(t, p.ShouldRetry(3, 3, harvest.KindTimeout), "attempts exhausted")

	for _, kind := range []harvest.ErrorKind{
		harvest.KindRemoteRejection,
		harvest.KindInvalidInput,
		harvest.KindInvalidArtifact,
		harvest.KindAuth,
	} {
		assert.False(t, p.ShouldRetry(1, 3, kind), "kind %s must not retry", kind)
	}
}

func TestPolicyBackoffIsLinear(t *testing.T) {
	t.Parallel()

	p := NewLinearPolicy(2 * time.Second)
	assert.Equal(t, 2*time.Second, p.BackoffDelay(1))
	assert.Equal(t, 4*time.Second, p.BackoffDelay(2))
	assert.Equal(t, 6*time.Second, p.BackoffDelay(3))
	assert.Equal(t, 2*time.Second, p.BackoffDelay(0))
	assert.Zero(t, NewLinearPolicy(-time.Second).BackoffDelay(4))
}

func TestBreakerTripsExactlyAtThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(10)
	for i := 1; i < 10; i++ {
		b.RecordOutcome(harvest.KindTimeout)
		require.False(t, b.ShouldAbortRun(), "tripped early after %d timeouts", i)
	}
	b.RecordOutcome(harvest.KindTimeout)
	assert.True(t, b.ShouldAbortRun())
	assert.Equal(t, 10, b.Consecutive())
}

func TestBreakerResetsOnSuccessOnly(t *testing.T) {
	t.Parallel()

	b := NewBreaker(3)
	b.RecordOutcome(harvest.KindTimeout)
	b.RecordOutcome(harvest.KindTimeout)
	b.RecordOutcome(harvest.KindRemoteRejection)
	assert.Equal(t, 2, b.Consecutive(), "non-timeout failures leave the counter alone")

	b.RecordSuccess()
	assert.Zero(t, b.Consecutive())

	b.RecordOutcome(harvest.KindTimeout)
	b.RecordOutcome(harvest.KindTimeout)
	assert.False(t, b.ShouldAbortRun())
	b.RecordOutcome(harvest.KindNone)
	assert.Zero(t, b.Consecutive())
}

func TestBreakerBeginStageStartsNewCount(t *testing.T) {
	t.Parallel()

	b := NewBreaker(3)
	b.RecordOutcome(harvest.KindTimeout)
	b.RecordOutcome(harvest.KindTimeout)
	b.BeginStage()
	assert.Zero(t, b.Consecutive())
	b.RecordOutcome(harvest.KindTimeout)
	assert.False(t, b.ShouldAbortRun())
	assert.Equal(t, 3, b.Snapshot().Timeouts)

	b.RecordOutcome(harvest.KindTimeout)
	b.RecordOutcome(harvest.KindTimeout)
	require.True(t, b.ShouldAbortRun())
	b.BeginStage()
	assert.True(t, b.ShouldAbortRun(), "a trip outlives the stage")
}

func TestBreakerStaysTripped(t *testing.T) {
	t.Parallel()

	b := NewBreaker(1)
	b.RecordOutcome(harvest.KindTimeout)
	b.RecordSuccess()
	assert.True(t, b.ShouldAbortRun())
	assert.True(t, b.Snapshot().Tripped)
}

func TestBreakerConcurrentUse(t *testing.T) {
	t.Parallel()

	b := NewBreaker(1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.RecordOutcome(harvest.KindTimeout)
				b.RecordRetry()
			}
		}()
	}
	wg.Wait()

	snap := b.Snapshot()
	assert.Equal(t, 500, snap.Consecutive)
	assert.Equal(t, 500, snap.Timeouts)
	assert.Equal(t, 500, snap.Retries)
	assert.False(t, snap.Tripped)
}

func TestDefaultThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(0)
	for i := 0; i < DefaultMaxConsecutiveTimeouts; i++ {
		b.RecordOutcome(harvest.KindTimeout)
	}
	assert.True(t, b.ShouldAbortRun())
}

func TestBreakerAcquireHoldsBackAttemptsThatCouldOvershoot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewBreaker(3)
	b.RecordOutcome(harvest.KindTimeout)
	require.True(t, b.Acquire(ctx))
	require.True(t, b.Acquire(ctx))

	admitted := make(chan bool, 1)
	go func() { admitted <- b.Acquire(ctx) }()

	select {
	case <-admitted:
		t.Fatal("third attempt admitted while two are in flight")
	case <-time.After(20 * time.Millisecond):
	}

	// The first in-flight attempt succeeds, which frees room for another.
	b.RecordSuccess()
	b.Release()
	select {
	case ok := <-admitted:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("attempt not admitted after a success")
	}
	b.Release()
	b.Release()
}

func TestBreakerAcquireRefusesOnceTripped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewBreaker(2)
	require.True(t, b.Acquire(ctx))
	require.True(t, b.Acquire(ctx))

	admitted := make(chan bool, 1)
	go func() { admitted <- b.Acquire(ctx) }()

	b.RecordOutcome(harvest.KindTimeout)
	b.Release()
	b.RecordOutcome(harvest.KindTimeout)
	b.Release()

	select {
	case ok := <-admitted:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by the trip")
	}
	assert.True(t, b.ShouldAbortRun())
	assert.False(t, b.Acquire(ctx))
}

func TestBreakerAcquireStopsOnCancel(t *testing.T) {
	t.Parallel()

	b := NewBreaker(1)
	require.True(t, b.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	admitted := make(chan bool, 1)
	go func() { admitted <- b.Acquire(ctx) }()
	cancel()

	select {
	case ok := <-admitted:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by cancellation")
	}
	b.Release()
}
