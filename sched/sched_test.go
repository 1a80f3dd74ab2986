package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewQueue(16)
	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	t.Cleanup(cancel)
	return q
}

func TestQueueRunsInOrder(t *testing.T) {
	q := startQueue(t)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, q.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, q.Do(func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestQueueStop(t *testing.T) {
	q := startQueue(t)
	q.Stop()
	assert.False(t, q.Post(func() {}))
	assert.ErrorIs(t, q.Do(func() {}), ErrStopped)
}

func TestTimerFires(t *testing.T) {
	q := startQueue(t)
	mock := clock.NewMock()
	s := NewScheduler(q, mock)

	var fired atomic.Int32
	var timer *Timer
	require.NoError(t, q.Do(func() {
		timer = s.After(20*time.Second, func() { fired.Add(1) })
	}))

	mock.Add(19 * time.Second)
	require.NoError(t, q.Do(func() {}))
	assert.Equal(t, int32(0), fired.Load())

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Do(func() { assert.False(t, timer.Pending()) }))
}

func TestTimerCancel(t *testing.T) {
	q := startQueue(t)
	mock := clock.NewMock()
	s := NewScheduler(q, mock)

	var fired atomic.Int32
	require.NoError(t, q.Do(func() {
		timer := s.After(time.Second, func() { fired.Add(1) })
		assert.True(t, timer.Pending())
		timer.Cancel()
		timer.Cancel()
		assert.False(t, timer.Pending())
	}))

	mock.Add(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Do(func() {}))
	assert.Equal(t, int32(0), fired.Load())
}

// A timer whose callback is already queued must not run once canceled.
func TestTimerCancelAfterExpiry(t *testing.T) {
	q := startQueue(t)
	mock := clock.NewMock()
	s := NewScheduler(q, mock)

	var fired atomic.Int32
	var timer *Timer
	release := make(chan struct{})
	require.NoError(t, q.Do(func() {
		timer = s.After(time.Second, func() { fired.Add(1) })
	}))

	// Hold the queue so the expired callback waits behind the cancellation
	require.True(t, q.Post(func() {
		<-release
		timer.Cancel()
	}))
	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, q.Do(func() {}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Do(func() {}))
	assert.Equal(t, int32(0), fired.Load())
}

func TestNilTimerCancel(t *testing.T) {
	var timer *Timer
	assert.NotPanics(t, timer.Cancel)
	assert.False(t, timer.Pending())
}
