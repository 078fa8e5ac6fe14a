package ratecontrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGovernor(clock *fakeClock) *Governor {
	g := New(
		WithClock(clock.now),
		WithWaiter(func(ctx context.Context, d time.Duration) error { return nil }),
	)
	// override config-file-derived sonnet limits so tests fully control them
	g.SetLimits("sonnet", Limits{RPM: 10, InputTPM: 1000, OutputTPM: 500})
	return g
}

func TestResolveTier(t *testing.T) {
	assert.Equal(t, "haiku", ResolveTier("haiku-4-5-20260101"))
	assert.Equal(t, "sonnet", ResolveTier("claude-sonnet-4"))
	assert.Equal(t, "opus", ResolveTier("claude-opus-4"))
	assert.Equal(t, "opus", ResolveTier("some-unknown-model"))
}

func TestWaitForCapacity_NoDelayUnderThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	g := newTestGovernor(clock)

	waited, err := g.WaitForCapacity(context.Background(), "sonnet", 10, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), waited)

	reqs, in, out := g.WindowUsage("sonnet")
	assert.Equal(t, 0, reqs) // WaitForCapacity does not itself record usage
	assert.Equal(t, 0, in)
	assert.Equal(t, 0, out)
}

func TestRecordUsage_FeedsWindow(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	g := newTestGovernor(clock)

	g.RecordUsage("sonnet", 100, 50)
	g.RecordUsage("sonnet", 200, 50)

	reqs, in, out := g.WindowUsage("sonnet")
	assert.Equal(t, 2, reqs)
	assert.Equal(t, 300, in)
	assert.Equal(t, 100, out)
}

func TestEviction_OlderThan60sDropped(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	g := newTestGovernor(clock)

	g.RecordUsage("sonnet", 500, 500)
	clock.advance(61 * time.Second)
	g.RecordUsage("sonnet", 10, 10)

	reqs, in, out := g.WindowUsage("sonnet")
	assert.Equal(t, 1, reqs)
	assert.Equal(t, 10, in)
	assert.Equal(t, 10, out)
}

func TestWaitForCapacity_DelaysWhenOverRPMThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	g := newTestGovernor(clock)
	g.SetLimits("sonnet", Limits{RPM: 2, InputTPM: 0, OutputTPM: 0})

	g.RecordUsage("sonnet", 1, 1)
	g.RecordUsage("sonnet", 1, 1)

	// threshold = 2 * 0.8 = 1.6; 2 existing + 1 new = 3 > 1.6, so a delay
	// should be computed (walking at least one entry out of the window).
	waited, err := g.WaitForCapacity(context.Background(), "sonnet", 1, 1)
	require.NoError(t, err)
	assert.Greater(t, waited, int64(0))
	assert.LessOrEqual(t, waited, int64(60_000))
}

func TestWaitForCapacity_MinSpacingEnforced(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	g := newTestGovernor(clock)
	g.SetLimits("sonnet", Limits{RPM: 0, InputTPM: 0, OutputTPM: 0})

	_, err := g.WaitForCapacity(context.Background(), "sonnet", 1, 1)
	require.NoError(t, err)

	// second call immediately after should observe the 500ms min spacing
	waited, err := g.WaitForCapacity(context.Background(), "sonnet", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), waited)
}

func TestWaitForCapacity_RespectsContextCancellation(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	g := New(
		WithClock(clock.now),
		WithWaiter(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
	g.SetLimits("sonnet", Limits{RPM: 1, InputTPM: 0, OutputTPM: 0})
	g.RecordUsage("sonnet", 1, 1)
	g.RecordUsage("sonnet", 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.WaitForCapacity(ctx, "sonnet", 1, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
