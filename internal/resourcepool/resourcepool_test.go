package resourcepool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh-ai/taskmesh/internal/eventbus"
)

func TestAcquire_RespectsSlotCount(t *testing.T) {
	p := New(WithSlots(TierLocal, 1))

	require.True(t, p.Acquire(TierLocal, "task-1"))
	assert.False(t, p.Acquire(TierLocal, "task-2"))
}

func TestAcquire_CloudHasTwoSlotsByDefault(t *testing.T) {
	p := New()

	require.True(t, p.Acquire(TierCloud, "task-1"))
	require.True(t, p.Acquire(TierCloud, "task-2"))
	assert.False(t, p.Acquire(TierCloud, "task-3"))
}

func TestRelease_ScansAllTiersAndIsIdempotent(t *testing.T) {
	p := New(WithSlots(TierLocal, 1))
	require.True(t, p.Acquire(TierLocal, "task-1"))

	p.Release("task-1")
	assert.False(t, p.HasResource("task-1"))

	// releasing again, or releasing a task that never held a slot, is a no-op
	assert.NotPanics(t, func() { p.Release("task-1") })
	assert.NotPanics(t, func() { p.Release("never-acquired") })

	assert.True(t, p.Acquire(TierLocal, "task-2"))
}

func TestHasResource(t *testing.T) {
	p := New(WithSlots(TierLocal, 1))
	assert.False(t, p.HasResource("task-1"))
	p.Acquire(TierLocal, "task-1")
	assert.True(t, p.HasResource("task-1"))
}

func TestGetResourceForTask(t *testing.T) {
	assert.Equal(t, TierCloud, GetResourceForTask(true))
	assert.Equal(t, TierLocal, GetResourceForTask(false))
}

func TestGetResourceForComplexity(t *testing.T) {
	assert.Equal(t, TierLocal, GetResourceForComplexity(1))
	assert.Equal(t, TierLocal, GetResourceForComplexity(9))
	assert.Equal(t, TierCloud, GetResourceForComplexity(10))
	assert.Equal(t, TierCloud, GetResourceForComplexity(10))
}

func TestAcquire_PublishesEvent(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe([]string{eventbus.TypeResourceAcquired, eventbus.TypeResourceReleased}, "")
	defer sub.Close()

	p := New(WithEventBus(bus), WithSlots(TierLocal, 1))
	p.Acquire(TierLocal, "task-1")
	p.Release("task-1")

	evt := <-sub.Events
	assert.Equal(t, eventbus.TypeResourceAcquired, evt.Type)

	evt = <-sub.Events
	assert.Equal(t, eventbus.TypeResourceReleased, evt.Type)
}
