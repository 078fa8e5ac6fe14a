package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCharge_IncrementsBothCounters(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := New(WithClock(clock.now))

	l.Charge(150, "sonnet")
	l.Charge(50, "haiku")

	s := l.GetStatus()
	assert.Equal(t, int64(200), s.DailySpentCents)
	assert.Equal(t, int64(200), s.AllTimeSpentCents)
}

func TestIsCloudBlocked_CrossesDailyCap(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := New(WithClock(clock.now), WithConfig(Config{DailyLimitCents: 100, Enabled: true, WarningThreshold: 0.8}))

	assert.False(t, l.IsCloudBlocked())
	l.Charge(100, "sonnet")
	assert.True(t, l.IsCloudBlocked())
}

func TestIsCloudBlocked_DisabledNeverBlocks(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := New(WithClock(clock.now), WithConfig(Config{DailyLimitCents: 1, Enabled: false}))
	l.Charge(1000, "opus")
	assert.False(t, l.IsCloudBlocked())
}

func TestRolloverIfNeeded_ArchivesAndResetsDaily(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := New(WithClock(clock.now))
	l.Charge(500, "sonnet")

	clock.advance(25 * time.Hour)
	l.RolloverIfNeeded()

	s := l.GetStatus()
	assert.Equal(t, int64(0), s.DailySpentCents)
	assert.Equal(t, int64(500), s.AllTimeSpentCents)

	history := l.GetHistory(10)
	require.Len(t, history, 1)
	assert.Equal(t, int64(500), history[0].SpentCents)
}

func TestResetDaily_ArchivesImmediately(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := New(WithClock(clock.now))
	l.Charge(300, "sonnet")

	l.ResetDaily()
	assert.Equal(t, int64(0), l.GetStatus().DailySpentCents)
	require.Len(t, l.GetHistory(10), 1)
}

func TestBackpressureLevel_EscalatesWithSpend(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := New(WithClock(clock.now), WithConfig(Config{DailyLimitCents: 1000, Enabled: true, WarningThreshold: 0.8}))

	allowed, level, _ := l.CheckBudgetWithBackpressure(0)
	assert.True(t, allowed)
	assert.Equal(t, BackpressureNone, level)

	l.Charge(850, "sonnet")
	_, level, delay := l.CheckBudgetWithBackpressure(0)
	assert.Equal(t, BackpressureMedium, level)
	assert.Greater(t, delay, time.Duration(0))

	l.Charge(150, "sonnet")
	allowed, level, _ = l.CheckBudgetWithBackpressure(0)
	assert.False(t, allowed)
	assert.Equal(t, BackpressureCritical, level)
}

func TestAllocateBudgetByPriority(t *testing.T) {
	assert.Equal(t, int64(100), AllocateBudgetByPriority(PriorityStandard, 100))
	assert.Equal(t, int64(150), AllocateBudgetByPriority(PriorityExpedited, 100))
	assert.Equal(t, int64(100), AllocateBudgetByPriority("unknown", 100))
}

func TestCircuitBreaker_OpensAfterThresholdAndHalfOpensAfterTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := NewCircuitBreaker(3, 10*time.Second).WithBreakerClock(clock.now)

	assert.True(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.Allow())
	cb.RecordFailure()

	assert.Equal(t, breakerOpen, cb.State())
	assert.False(t, cb.Allow())

	clock.advance(11 * time.Second)
	assert.True(t, cb.Allow()) // half-open trial
	assert.Equal(t, breakerHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, breakerClosed, cb.State())
}

func TestBreakers_PerAgentIsolation(t *testing.T) {
	reg := NewBreakers(1, time.Minute)
	a := reg.For("agent-1")
	b := reg.For("agent-2")

	a.RecordFailure()
	assert.Equal(t, breakerOpen, a.State())
	assert.Equal(t, breakerClosed, b.State())
}
