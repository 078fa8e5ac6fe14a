// Package cooling implements Agent Cooling: a rest delay applied to
// local-tier coder agents between tasks, with an extended rest every
// fifth task. Grounded on the same per-resource mutex-guarded counter
// idiom used by internal/resourcepool and internal/filelock.
package cooling

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh-ai/taskmesh/internal/eventbus"
)

// Default rest windows, per spec section 4.5.
const (
	RestDelay         = 3 * time.Second
	ExtendedRestDelay = 8 * time.Second
	ExtendedRestEveryN = 5
)

// Cooler tracks per-agent task counts to decide ordinary vs. extended
// rest, and performs the rest in the caller's goroutine: Rest blocks
// until the rest window elapses or ctx is cancelled.
type Cooler struct {
	mu     sync.Mutex
	counts map[string]int

	restDelay          time.Duration
	extendedRestDelay  time.Duration
	extendedEveryN     int

	bus   *eventbus.Bus
	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

// Option configures a Cooler at construction time.
type Option func(*Cooler)

// WithEventBus wires a Bus so rest entry publishes `agent_cooling_down`.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(c *Cooler) { c.bus = bus }
}

// WithSleepFunc injects a deterministic sleep for tests, so cooling can
// be exercised without waiting in real time.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(c *Cooler) { c.sleep = sleep }
}

// WithClock injects a deterministic now() function for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cooler) { c.now = now }
}

// New constructs a Cooler with the spec's default rest windows.
func New(opts ...Option) *Cooler {
	c := &Cooler{
		counts:            make(map[string]int),
		restDelay:         RestDelay,
		extendedRestDelay: ExtendedRestDelay,
		extendedEveryN:    ExtendedRestEveryN,
		now:               time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldCool reports whether a completed/failed task on agentID used the
// local tier and the agent type is a coder — the only case cooling
// applies to.
func ShouldCool(tier, agentType string) bool {
	return tier == "local" && agentType == "coder"
}

// Rest blocks (respecting ctx cancellation) for the agent's rest window
// — the ordinary RestDelay, or ExtendedRestDelay on every Nth task for
// that agent — publishing `agent_cooling_down` at entry. The caller
// should only mark the agent idle after Rest returns.
func (c *Cooler) Rest(ctx context.Context, agentID string) {
	c.mu.Lock()
	c.counts[agentID]++
	n := c.counts[agentID]
	c.mu.Unlock()

	delay := c.restDelay
	extended := n%c.extendedEveryN == 0
	if extended {
		delay = c.extendedRestDelay
	}

	c.publish(agentID, extended, delay)
	c.sleep(ctx, delay)
}

// TaskCount returns how many cooling-eligible tasks an agent has
// completed, for diagnostics and tests.
func (c *Cooler) TaskCount(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[agentID]
}

func (c *Cooler) publish(agentID string, extended bool, delay time.Duration) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{
		Type: eventbus.TypeAgentCoolingDown,
		Payload: map[string]interface{}{
			"agent_id":    agentID,
			"extended":    extended,
			"delay_ms":    delay.Milliseconds(),
		},
		TimestampUTC: c.now().UTC(),
	})
}
