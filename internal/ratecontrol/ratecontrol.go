// Package ratecontrol implements the Rate Governor: a per-tier sliding
// window of recent usage entries with an admission-control
// waitForCapacity operation, grounded on the package-level cached
// config-loading idiom of Kocoro-lab/Shannon's internal/ratecontrol and
// internal/pricing, generalized to the spec's actual sliding-window math
// (Shannon's own ratecontrol.go computes a static per-request delay; the
// spec requires a real window of timestamped entries).
package ratecontrol

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits holds the admission thresholds for one tier.
type Limits struct {
	RPM       int `yaml:"rpm"`
	InputTPM  int `yaml:"input_tpm"`
	OutputTPM int `yaml:"output_tpm"`
}

type fileConfig struct {
	RateLimits struct {
		TierOverrides map[string]Limits `yaml:"tier_overrides"`
	} `yaml:"rate_limits"`
}

var defaultLimits = map[string]Limits{
	"local":        {RPM: 0, InputTPM: 0, OutputTPM: 0}, // unmetered, gated by resource pool instead
	"remote_local": {RPM: 0, InputTPM: 0, OutputTPM: 0},
	"grok":         {RPM: 60, InputTPM: 120000, OutputTPM: 60000},
	"haiku":        {RPM: 50, InputTPM: 100000, OutputTPM: 50000},
	"sonnet":       {RPM: 40, InputTPM: 80000, OutputTPM: 40000},
	"opus":         {RPM: 20, InputTPM: 40000, OutputTPM: 20000},
}

var defaultConfigPaths = []string{
	os.Getenv("MODELS_CONFIG_PATH"),
	"/app/config/models.yaml",
	"./config/models.yaml",
	"../../config/models.yaml",
	"../../../config/models.yaml",
}

func loadOverrides() map[string]Limits {
	limits := make(map[string]Limits, len(defaultLimits))
	for k, v := range defaultLimits {
		limits[k] = v
	}
	for _, p := range defaultConfigPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var cfg fileConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Printf("WARNING: failed to unmarshal rate limit config from %s: %v", p, err)
			continue
		}
		for tier, l := range cfg.RateLimits.TierOverrides {
			limits[strings.ToLower(tier)] = l
		}
		break
	}
	if path, ok := findUpConfig(); ok {
		if data, err := os.ReadFile(path); err == nil {
			var cfg fileConfig
			if err := yaml.Unmarshal(data, &cfg); err == nil {
				for tier, l := range cfg.RateLimits.TierOverrides {
					limits[strings.ToLower(tier)] = l
				}
			}
		}
	}
	return limits
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "models.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

// entry is one recorded usage sample within the 60s sliding window.
type entry struct {
	at     time.Time
	inTok  int
	outTok int
}

type window struct {
	entries      []entry
	lastCallTime time.Time
}

// waitFunc performs (or simulates) waiting out a delay, respecting ctx
// cancellation. The default blocks on a real timer; tests inject a
// fake waiter that returns immediately so window math can be verified
// without sleeping in real time.
type waitFunc func(ctx context.Context, d time.Duration) error

func realWait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Governor is the Rate Governor: one sliding window per tier, guarded by a
// single mutex (the spec does not require per-tier locks and the expected
// entry counts are small).
type Governor struct {
	mu     sync.Mutex
	limits map[string]Limits

	bufferFactor float64
	minSpacing   time.Duration

	windows map[string]*window

	now  func() time.Time
	wait waitFunc
}

// Option configures a Governor at construction time.
type Option func(*Governor)

// WithBufferFactor overrides the default 0.8 admission buffer.
func WithBufferFactor(f float64) Option {
	return func(g *Governor) { g.bufferFactor = f }
}

// WithMinSpacing overrides the default 500ms minimum inter-call spacing.
func WithMinSpacing(d time.Duration) Option {
	return func(g *Governor) { g.minSpacing = d }
}

// WithClock injects a deterministic now() function for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithWaiter injects a fake waiter for tests, so WaitForCapacity can be
// exercised without blocking in real time.
func WithWaiter(w waitFunc) Option {
	return func(g *Governor) { g.wait = w }
}

// New constructs a Governor with limits loaded from config/models.yaml (if
// present) overlaid on built-in defaults.
func New(opts ...Option) *Governor {
	g := &Governor{
		limits:       loadOverrides(),
		bufferFactor: 0.8,
		minSpacing:   500 * time.Millisecond,
		windows:      make(map[string]*window),
		now:          time.Now,
		wait:         realWait,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ResolveTier maps a model string to a rate-limit tier: a model name
// containing "haiku"/"sonnet"/"opus" maps directly; anything else defaults
// to "opus", the most restrictive tier.
func ResolveTier(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "haiku"):
		return "haiku"
	case strings.Contains(m, "sonnet"):
		return "sonnet"
	case strings.Contains(m, "opus"):
		return "opus"
	default:
		return "opus"
	}
}

func (g *Governor) windowFor(tier string) *window {
	w, ok := g.windows[tier]
	if !ok {
		w = &window{}
		g.windows[tier] = w
	}
	return w
}

func (g *Governor) evictLocked(w *window, now time.Time) {
	cutoff := now.Add(-60 * time.Second)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append([]entry(nil), w.entries[i:]...)
	}
}

// WaitForCapacity blocks (respecting ctx cancellation) until the tier's
// sliding window has projected headroom for one more request carrying
// estIn/estOut tokens, then returns the number of milliseconds waited.
// No coordination state is mutated until the wait completes, so a
// cancelled wait leaves no partial admission behind.
func (g *Governor) WaitForCapacity(ctx context.Context, tier string, estIn, estOut int) (int64, error) {
	delay := g.computeDelay(tier, estIn, estOut)
	if delay > 0 {
		if err := g.wait(ctx, delay); err != nil {
			return delay.Milliseconds(), err
		}
	}

	g.mu.Lock()
	g.windowFor(tier).lastCallTime = g.now()
	g.mu.Unlock()
	return delay.Milliseconds(), nil
}

func (g *Governor) computeDelay(tier string, estIn, estOut int) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	limit := g.limits[strings.ToLower(tier)]
	w := g.windowFor(tier)
	g.evictLocked(w, now)

	var maxDelay time.Duration

	if limit.RPM > 0 {
		threshold := float64(limit.RPM) * g.bufferFactor
		if float64(len(w.entries))+1 > threshold {
			if d := delayUntilUnderThreshold(w.entries, threshold, now, func(e entry) float64 { return 1 }); d > maxDelay {
				maxDelay = d
			}
		}
	}
	if limit.InputTPM > 0 {
		threshold := float64(limit.InputTPM) * g.bufferFactor
		used := sumTokens(w.entries, func(e entry) int { return e.inTok })
		if float64(used+estIn) > threshold {
			if d := delayUntilUnderThresholdTokens(w.entries, threshold, now, func(e entry) int { return e.inTok }, estIn); d > maxDelay {
				maxDelay = d
			}
		}
	}
	if limit.OutputTPM > 0 {
		threshold := float64(limit.OutputTPM) * g.bufferFactor
		used := sumTokens(w.entries, func(e entry) int { return e.outTok })
		if float64(used+estOut) > threshold {
			if d := delayUntilUnderThresholdTokens(w.entries, threshold, now, func(e entry) int { return e.outTok }, estOut); d > maxDelay {
				maxDelay = d
			}
		}
	}

	if !w.lastCallTime.IsZero() {
		sinceLast := now.Sub(w.lastCallTime)
		if sinceLast < g.minSpacing {
			if spacingDelay := g.minSpacing - sinceLast; spacingDelay > maxDelay {
				maxDelay = spacingDelay
			}
		}
	}

	if maxDelay < 0 {
		maxDelay = 0
	}
	return maxDelay
}

func sumTokens(entries []entry, pick func(entry) int) int {
	total := 0
	for _, e := range entries {
		total += pick(e)
	}
	return total
}

// delayUntilUnderThreshold walks the request-count axis (each entry counts
// as 1) oldest-first, removing entries from the projected total until it is
// under threshold, returning the age-out time of the last entry removed.
func delayUntilUnderThreshold(entries []entry, threshold float64, now time.Time, weight func(entry) float64) time.Duration {
	projected := float64(len(entries)) + 1
	var last time.Time
	for _, e := range entries {
		if projected <= threshold {
			break
		}
		projected -= weight(e)
		last = e.at
	}
	if last.IsZero() {
		return 0
	}
	return last.Add(60 * time.Second).Sub(now)
}

// delayUntilUnderThresholdTokens mirrors delayUntilUnderThreshold for a
// token axis, where the new request's estimate is added once up front.
func delayUntilUnderThresholdTokens(entries []entry, threshold float64, now time.Time, pick func(entry) int, estimate int) time.Duration {
	projected := float64(sumTokens(entries, pick) + estimate)
	var last time.Time
	for _, e := range entries {
		if projected <= threshold {
			break
		}
		projected -= float64(pick(e))
		last = e.at
	}
	if last.IsZero() {
		return 0
	}
	return last.Add(60 * time.Second).Sub(now)
}

// RecordUsage appends a usage entry to the tier's sliding window at the
// current time.
func (g *Governor) RecordUsage(tier string, inTok, outTok int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	w := g.windowFor(tier)
	g.evictLocked(w, now)
	w.entries = append(w.entries, entry{at: now, inTok: inTok, outTok: outTok})
}

// WindowUsage reports current projected usage for a tier, for diagnostics
// and tests.
func (g *Governor) WindowUsage(tier string) (requests, inTok, outTok int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	w := g.windowFor(tier)
	g.evictLocked(w, now)
	requests = len(w.entries)
	inTok = sumTokens(w.entries, func(e entry) int { return e.inTok })
	outTok = sumTokens(w.entries, func(e entry) int { return e.outTok })
	return
}

// SetLimits overrides the limits for a tier (used by tests to pre-seed
// scenarios without touching config/models.yaml).
func (g *Governor) SetLimits(tier string, l Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits[strings.ToLower(tier)] = l
}
