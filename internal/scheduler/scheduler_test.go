package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventuallyEqual(t *testing.T, want int32, got *atomic.Int32) {
	t.Helper()
	require.Eventually(t, func() bool { return got.Load() == want }, time.Second, 5*time.Millisecond)
}

func TestAfterFiresOnce(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, nil)

	var calls atomic.Int32
	_, err := s.After("session-1", time.Second, func() { calls.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 1, s.Pending("session-1"))

	clk.Add(500 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	clk.Add(500 * time.Millisecond)
	eventuallyEqual(t, 1, &calls)
	assert.Equal(t, 0, s.Pending("session-1"))

	clk.Add(5 * time.Second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelKeyDropsOnlyThatOwner(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, nil)

	var a, b atomic.Int32
	_, _ = s.After("a", time.Second, func() { a.Add(1) })
	_, _ = s.After("a", 2*time.Second, func() { a.Add(1) })
	_, _ = s.After("b", time.Second, func() { b.Add(1) })

	assert.Equal(t, 2, s.CancelKey("a"))
	assert.Equal(t, 0, s.Pending("a"))
	assert.Equal(t, 1, s.Len())

	clk.Add(3 * time.Second)
	eventuallyEqual(t, 1, &b)
	assert.Equal(t, int32(0), a.Load())
}

func TestEveryRepeatsUntilCancelled(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, nil)

	var ticks atomic.Int32
	h, err := s.Every("session-1", time.Second, func() { ticks.Add(1) })
	require.NoError(t, err)

	for i := int32(1); i <= 3; i++ {
		clk.Add(time.Second)
		eventuallyEqual(t, i, &ticks)
	}

	assert.True(t, s.Cancel(h))
	assert.False(t, s.Cancel(h))
	clk.Add(3 * time.Second)
	assert.Equal(t, int32(3), ticks.Load())
	assert.Equal(t, 0, s.Len())
}

func TestCloseRejectsNewTasks(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, nil)

	var calls atomic.Int32
	_, _ = s.After("a", time.Second, func() { calls.Add(1) })
	s.Close()

	_, err := s.After("a", time.Second, func() {})
	assert.ErrorIs(t, err, ErrClosed)

	clk.Add(2 * time.Second)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, s.Len())
}

func TestPanickingTaskIsContained(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, nil)

	var after atomic.Int32
	_, _ = s.After("a", time.Second, func() { panic("boom") })
	_, _ = s.After("a", 2*time.Second, func() { after.Add(1) })

	clk.Add(time.Second)
	clk.Add(time.Second)
	eventuallyEqual(t, 1, &after)
}
