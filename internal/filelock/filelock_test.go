package filelock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time      { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAcquire_GrantsExclusiveLock(t *testing.T) {
	m := New()
	require.True(t, m.Acquire([]string{"a.go", "b.go"}, "agent-1", "task-1"))
	assert.True(t, m.Conflicts([]string{"a.go"}, "task-2"))
	assert.False(t, m.Conflicts([]string{"a.go"}, "task-1"))
}

func TestAcquire_AllOrNothing(t *testing.T) {
	m := New()
	require.True(t, m.Acquire([]string{"a.go"}, "agent-1", "task-1"))
	ok := m.Acquire([]string{"a.go", "c.go"}, "agent-2", "task-2")
	assert.False(t, ok)
	// c.go must not have been granted to task-2 either, since the
	// acquisition is all-or-nothing.
	assert.False(t, m.Conflicts([]string{"c.go"}, "task-1"))
}

func TestRelease_IsIdempotent(t *testing.T) {
	m := New()
	m.Acquire([]string{"a.go"}, "agent-1", "task-1")
	m.Release("task-1")
	assert.NotPanics(t, func() { m.Release("task-1") })
	assert.False(t, m.Conflicts([]string{"a.go"}, "task-2"))
}

func TestReleaseExpired_SweepsTTL(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := New(WithClock(clock.now))
	m.Acquire([]string{"a.go"}, "agent-1", "task-1")

	clock.advance(DefaultTTL + time.Second)
	ids := m.ReleaseExpired()
	assert.Equal(t, []string{"task-1"}, ids)
	assert.Empty(t, m.LockedPaths())
}

func TestAcquire_SameTaskRefreshesExpiry(t *testing.T) {
	m := New()
	require.True(t, m.Acquire([]string{"a.go"}, "agent-1", "task-1"))
	require.True(t, m.Acquire([]string{"a.go"}, "agent-1", "task-1"))
}
