// Package resourcepool implements the Resource Pool: admission slots per
// backend tier (local, remote_local, cloud), grounded on the single-mutex
// coordination style of Kocoro-lab/Shannon's internal/budget.Manager
// (one lock guarding all slot bookkeeping, release scanning every tier so
// callers never need to remember which tier they acquired).
package resourcepool

import (
	"sync"
	"time"

	"github.com/taskmesh-ai/taskmesh/internal/eventbus"
	"github.com/taskmesh-ai/taskmesh/internal/metrics"
	"github.com/taskmesh-ai/taskmesh/internal/models"
)

// Tier names match models.Tier* constants for the slot-bearing tiers.
const (
	TierLocal       = models.TierLocal
	TierRemoteLocal = models.TierRemoteLocal
	TierCloud       = models.TierCloud
)

var defaultSlots = map[string]int{
	TierLocal:       1,
	TierRemoteLocal: 1,
	TierCloud:       2,
}

// Pool tracks, per tier, which task IDs currently hold a slot.
type Pool struct {
	mu    sync.Mutex
	slots map[string]int            // tier -> max slots
	held  map[string]map[string]bool // tier -> set of taskIDs holding a slot

	bus *eventbus.Bus
	now func() time.Time
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithSlots overrides the default slot count for a tier.
func WithSlots(tier string, n int) Option {
	return func(p *Pool) { p.slots[tier] = n }
}

// WithEventBus wires a Bus so acquire/release publish
// resource_acquired/resource_released events.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(p *Pool) { p.bus = bus }
}

// New constructs a Pool with the spec's default slot counts
// (local=1, remote_local=1, cloud=2).
func New(opts ...Option) *Pool {
	p := &Pool{
		slots: map[string]int{
			TierLocal:       defaultSlots[TierLocal],
			TierRemoteLocal: defaultSlots[TierRemoteLocal],
			TierCloud:       defaultSlots[TierCloud],
		},
		held: map[string]map[string]bool{
			TierLocal:       {},
			TierRemoteLocal: {},
			TierCloud:       {},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) heldSetLocked(tier string) map[string]bool {
	s, ok := p.held[tier]
	if !ok {
		s = map[string]bool{}
		p.held[tier] = s
	}
	return s
}

// CanAcquire reports whether a slot is currently available in tier,
// without reserving it.
func (p *Pool) CanAcquire(tier string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heldSetLocked(tier)) < p.slots[tier]
}

// Acquire reserves a slot in tier for taskID. Returns false if the tier is
// at capacity; admission and slot-membership are linearizable under the
// single pool lock.
func (p *Pool) Acquire(tier, taskID string) bool {
	p.mu.Lock()
	held := p.heldSetLocked(tier)
	if len(held) >= p.slots[tier] {
		p.mu.Unlock()
		return false
	}
	held[taskID] = true
	p.mu.Unlock()

	metrics.ResourcePoolInUse.WithLabelValues(tier).Inc()
	p.publish("resource_acquired", tier, taskID)
	return true
}

// Release frees taskID's slot, scanning every tier so the caller need not
// remember which tier it acquired. Idempotent: releasing a task that holds
// no slot is a no-op.
func (p *Pool) Release(taskID string) {
	var releasedTier string
	p.mu.Lock()
	for tier, held := range p.held {
		if held[taskID] {
			delete(held, taskID)
			releasedTier = tier
			break
		}
	}
	p.mu.Unlock()

	if releasedTier != "" {
		metrics.ResourcePoolInUse.WithLabelValues(releasedTier).Dec()
		p.publish("resource_released", releasedTier, taskID)
	}
}

// HasResource reports whether taskID currently holds a slot in any tier.
func (p *Pool) HasResource(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, held := range p.held {
		if held[taskID] {
			return true
		}
	}
	return false
}

// GetResourceForTask picks the tier a task should contend for: cloud if
// useCloud is set, else local.
func GetResourceForTask(useCloud bool) string {
	if useCloud {
		return TierCloud
	}
	return TierLocal
}

// GetResourceForComplexity picks a tier from a 1-10 complexity score:
// local for anything below 10, cloud otherwise. Callers needing the
// remote_local tier select it explicitly via per-agent override — it is
// never chosen by complexity alone.
func GetResourceForComplexity(complexity int) string {
	if complexity < 10 {
		return TierLocal
	}
	return TierCloud
}

func (p *Pool) publish(eventType, tier, taskID string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{
		Type: eventType,
		Payload: map[string]interface{}{
			"tier":    tier,
			"task_id": taskID,
		},
		TimestampUTC: p.now().UTC(),
	})
}
