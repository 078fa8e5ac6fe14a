// Package budget implements the Budget Ledger: daily/all-time spend
// counters with day rollover, cloud-blocking once the daily cap is
// crossed, and the backpressure/circuit-breaker/priority-allocation
// supplements drawn from Kocoro-lab/Shannon's internal/budget.Manager.
//
// Lock ordering (mirrors budget.Manager's documented discipline): when an
// operation needs both the ledger mutex and a per-agent circuit-breaker
// entry, the ledger mutex is always acquired first. No operation here
// holds a lock across a call into another package.
package budget

import (
	"sync"
	"time"

	"github.com/robfig/cron"

	"github.com/taskmesh-ai/taskmesh/internal/eventbus"
	"github.com/taskmesh-ai/taskmesh/internal/metrics"
)

// Backpressure levels, widening as the daily spend approaches the cap.
const (
	BackpressureNone     = "none"
	BackpressureLow      = "low"
	BackpressureMedium   = "medium"
	BackpressureHigh     = "high"
	BackpressureCritical = "critical"
)

// Priority tiers and their budget-allocation multipliers (supplemented
// feature, grounded on budget.Manager.AllocateBudgetByPriority).
const (
	PriorityStandard  = "standard"
	PriorityExpedited = "expedited"
)

var priorityMultiplier = map[string]float64{
	PriorityStandard:  1.0,
	PriorityExpedited: 1.5,
}

// Config is the user-adjustable ledger configuration.
type Config struct {
	DailyLimitCents  int64
	WarningThreshold float64
	Enabled          bool
}

// Status is a point-in-time snapshot of the ledger.
type Status struct {
	DailySpentCents    int64
	AllTimeSpentCents  int64
	DayStartTs         time.Time
	CloudBlocked       bool
	BackpressureLevel  string
	WarningThresholdHit bool
}

// HistoryEntry records one archived day's spend.
type HistoryEntry struct {
	Date       string
	SpentCents int64
}

// Ledger is the Budget Ledger. Construct with New.
type Ledger struct {
	mu sync.Mutex

	cfg               Config
	dailySpentCents   int64
	allTimeSpentCents int64
	dayStartTs        time.Time
	history           []HistoryEntry

	breakers map[string]*CircuitBreaker

	bus *eventbus.Bus
	now func() time.Time

	cronSched *cron.Cron
}

// Option configures a Ledger at construction time.
type Option func(*Ledger)

// WithConfig seeds the initial Config (defaults: disabled, 0 limit).
func WithConfig(cfg Config) Option {
	return func(l *Ledger) { l.cfg = cfg }
}

// WithEventBus wires a Bus so budget crossing events publish `cost_updated`
// and `alert`.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(l *Ledger) { l.bus = bus }
}

// WithClock injects a deterministic now() function for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New constructs a Ledger with zeroed counters and dayStartTs set to the
// start of the current day.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		cfg:      Config{WarningThreshold: 0.8},
		breakers: make(map[string]*CircuitBreaker),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.dayStartTs = startOfDay(l.now())
	return l
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// StartDailyRollover schedules a robfig/cron job at local midnight that
// archives the day's spend to history and resets daily counters. Callers
// in production wire this at process startup; tests drive rollover
// directly via RolloverIfNeeded instead of running the scheduler.
func (l *Ledger) StartDailyRollover() {
	l.cronSched = cron.New()
	l.cronSched.AddFunc("0 0 0 * * *", func() { l.rollover() })
	l.cronSched.Start()
}

// StopDailyRollover stops the cron scheduler started by StartDailyRollover.
func (l *Ledger) StopDailyRollover() {
	if l.cronSched != nil {
		l.cronSched.Stop()
	}
}

// RolloverIfNeeded performs the day-rollover check outside of the cron
// scheduler — called at the top of Charge/GetStatus so a process that
// misses a midnight tick (e.g. was asleep, or is under test) still
// rolls over on the next access.
func (l *Ledger) RolloverIfNeeded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
}

func (l *Ledger) rollover() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
}

func (l *Ledger) rolloverLocked() {
	today := startOfDay(l.now())
	if !today.After(l.dayStartTs) {
		return
	}
	l.history = append(l.history, HistoryEntry{
		Date:       l.dayStartTs.Format("2006-01-02"),
		SpentCents: l.dailySpentCents,
	})
	l.dailySpentCents = 0
	l.dayStartTs = today
	metrics.BudgetSpentCents.Set(0)
	metrics.BudgetBackpressureLevel.Set(metrics.BackpressureLevelOrdinal(l.backpressureLevelLocked()))
}

// Charge adds cents to both the daily and all-time counters. Publishes
// `cost_updated`, and `alert` if the warning threshold or the daily cap
// is newly crossed.
func (l *Ledger) Charge(cents float64, tier string) {
	l.mu.Lock()
	l.rolloverLocked()

	centsInt := int64(cents)
	wasBlocked := l.isCloudBlockedLocked()
	wasWarned := l.warningHitLocked()

	l.dailySpentCents += centsInt
	l.allTimeSpentCents += centsInt

	nowBlocked := l.isCloudBlockedLocked()
	nowWarned := l.warningHitLocked()
	daily, allTime := l.dailySpentCents, l.allTimeSpentCents
	level := l.backpressureLevelLocked()
	l.mu.Unlock()

	metrics.BudgetSpentCents.Set(float64(daily))
	metrics.BudgetBackpressureLevel.Set(metrics.BackpressureLevelOrdinal(level))

	l.publish(eventbus.TypeCostUpdated, map[string]interface{}{
		"tier":                  tier,
		"charged_cents":         centsInt,
		"daily_spent_cents":     daily,
		"all_time_spent_cents":  allTime,
	})
	if !wasBlocked && nowBlocked {
		l.publish(eventbus.TypeAlert, map[string]interface{}{"level": "critical", "message": "daily budget cap reached; cloud tiers blocked"})
	} else if !wasWarned && nowWarned {
		l.publish(eventbus.TypeAlert, map[string]interface{}{"level": "warning", "message": "daily budget warning threshold reached"})
	}
}

func (l *Ledger) isCloudBlockedLocked() bool {
	if !l.cfg.Enabled || l.cfg.DailyLimitCents <= 0 {
		return false
	}
	return l.dailySpentCents >= l.cfg.DailyLimitCents
}

func (l *Ledger) warningHitLocked() bool {
	if !l.cfg.Enabled || l.cfg.DailyLimitCents <= 0 {
		return false
	}
	threshold := float64(l.cfg.DailyLimitCents) * l.cfg.WarningThreshold
	return float64(l.dailySpentCents) >= threshold
}

// IsCloudBlocked reports whether the Router should be denied cloud tiers
// for the remainder of the day.
func (l *Ledger) IsCloudBlocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	return l.isCloudBlockedLocked()
}

// GetStatus returns a snapshot including the current backpressure level.
func (l *Ledger) GetStatus() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	return Status{
		DailySpentCents:     l.dailySpentCents,
		AllTimeSpentCents:   l.allTimeSpentCents,
		DayStartTs:          l.dayStartTs,
		CloudBlocked:        l.isCloudBlockedLocked(),
		BackpressureLevel:   l.backpressureLevelLocked(),
		WarningThresholdHit: l.warningHitLocked(),
	}
}

// GetConfig returns the current ledger configuration.
func (l *Ledger) GetConfig() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// SetConfig replaces the ledger configuration.
func (l *Ledger) SetConfig(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
}

// ResetDaily zeroes the daily counter without waiting for midnight
// rollover, archiving the current day's spend to history first. Callers
// (the HTTP boundary) are responsible for rate-limiting this to once per
// five minutes per spec.
func (l *Ledger) ResetDaily() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append(l.history, HistoryEntry{
		Date:       l.dayStartTs.Format("2006-01-02"),
		SpentCents: l.dailySpentCents,
	})
	l.dailySpentCents = 0
	l.dayStartTs = startOfDay(l.now())
	metrics.BudgetSpentCents.Set(0)
	metrics.BudgetBackpressureLevel.Set(metrics.BackpressureLevelOrdinal(l.backpressureLevelLocked()))
}

// GetHistory returns up to the last `days` archived entries, most recent
// last.
func (l *Ledger) GetHistory(days int) []HistoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if days <= 0 || days > len(l.history) {
		days = len(l.history)
	}
	start := len(l.history) - days
	out := make([]HistoryEntry, days)
	copy(out, l.history[start:])
	return out
}

// backpressureLevelLocked computes the supplemented backpressure level
// from how close dailySpentCents is to the configured cap, grounded on
// budget.Manager.CheckBudgetWithBackpressure's tiered thresholds.
func (l *Ledger) backpressureLevelLocked() string {
	if !l.cfg.Enabled || l.cfg.DailyLimitCents <= 0 {
		return BackpressureNone
	}
	ratio := float64(l.dailySpentCents) / float64(l.cfg.DailyLimitCents)
	switch {
	case ratio >= 1.0:
		return BackpressureCritical
	case ratio >= 0.95:
		return BackpressureHigh
	case ratio >= l.cfg.WarningThreshold:
		return BackpressureMedium
	case ratio >= l.cfg.WarningThreshold*0.5:
		return BackpressureLow
	default:
		return BackpressureNone
	}
}

// CheckBudgetWithBackpressure reports whether a call estimated to cost
// estimatedCents should proceed, the current backpressure level, and a
// delay the caller should wait before dispatching (widening as spend
// approaches the cap), beyond the spec's binary IsCloudBlocked.
func (l *Ledger) CheckBudgetWithBackpressure(estimatedCents int64) (allowed bool, level string, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	if l.isCloudBlockedLocked() {
		return false, BackpressureCritical, 0
	}
	level = l.backpressureLevelLocked()
	switch level {
	case BackpressureHigh:
		delay = 2 * time.Second
	case BackpressureMedium:
		delay = 500 * time.Millisecond
	default:
		delay = 0
	}
	return true, level, delay
}

// AllocateBudgetByPriority scales a base budget allocation (in cents) by
// the mission's priority tier multiplier. Unknown tiers use the standard
// 1.0 multiplier.
func AllocateBudgetByPriority(tier string, baseCents int64) int64 {
	mult, ok := priorityMultiplier[tier]
	if !ok {
		mult = priorityMultiplier[PriorityStandard]
	}
	return int64(float64(baseCents) * mult)
}

func (l *Ledger) publish(eventType string, payload map[string]interface{}) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: eventType, Payload: payload, TimestampUTC: l.now().UTC()})
}
