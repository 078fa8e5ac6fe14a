package cooling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taskmesh-ai/taskmesh/internal/eventbus"
)

func instantSleep(ctx context.Context, d time.Duration) {}

func TestShouldCool(t *testing.T) {
	assert.True(t, ShouldCool("local", "coder"))
	assert.False(t, ShouldCool("cloud", "coder"))
	assert.False(t, ShouldCool("local", "reviewer"))
}

func TestRest_OrdinaryDelayByDefault(t *testing.T) {
	var gotDelay time.Duration
	c := New(WithSleepFunc(func(ctx context.Context, d time.Duration) { gotDelay = d }))

	c.Rest(context.Background(), "agent-1")
	assert.Equal(t, RestDelay, gotDelay)
}

func TestRest_ExtendedOnEveryFifthTask(t *testing.T) {
	var delays []time.Duration
	c := New(WithSleepFunc(func(ctx context.Context, d time.Duration) { delays = append(delays, d) }))

	for i := 0; i < 5; i++ {
		c.Rest(context.Background(), "agent-1")
	}

	assert.Equal(t, RestDelay, delays[0])
	assert.Equal(t, RestDelay, delays[3])
	assert.Equal(t, ExtendedRestDelay, delays[4])
	assert.Equal(t, 5, c.TaskCount("agent-1"))
}

func TestRest_PublishesCoolingEvent(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe([]string{eventbus.TypeAgentCoolingDown}, "")
	defer sub.Close()

	c := New(WithEventBus(bus), WithSleepFunc(instantSleep))
	c.Rest(context.Background(), "agent-1")

	evt := <-sub.Events
	assert.Equal(t, eventbus.TypeAgentCoolingDown, evt.Type)
	assert.Equal(t, "agent-1", evt.Payload["agent_id"])
}

func TestRest_PerAgentCountersAreIndependent(t *testing.T) {
	c := New(WithSleepFunc(instantSleep))
	c.Rest(context.Background(), "agent-1")
	c.Rest(context.Background(), "agent-1")
	c.Rest(context.Background(), "agent-2")

	assert.Equal(t, 2, c.TaskCount("agent-1"))
	assert.Equal(t, 1, c.TaskCount("agent-2"))
}
