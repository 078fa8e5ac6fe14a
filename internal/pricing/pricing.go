// Package pricing implements the Cost Calculator: a pure, side-effect-free
// mapping from ExecutionLog token counts to USD cost, using a two-step rate
// table lookup (exact model name, then longest-prefix family match).
//
// Grounded on Kocoro-lab/Shannon's internal/pricing package: a package-level
// rate table loaded once from config/models.yaml and cached behind a
// sync.RWMutex, with Reload() to force a re-read.
package pricing

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/taskmesh-ai/taskmesh/internal/models"
)

// Rate is the per-million-token input/output price for a model.
type Rate struct {
	InPerMillion  float64 `yaml:"in_per_million"`
	OutPerMillion float64 `yaml:"out_per_million"`
	Tier          string  `yaml:"tier"`
}

type fileConfig struct {
	Pricing struct {
		Models map[string]Rate `yaml:"models"`
	} `yaml:"pricing"`
}

var (
	mu          sync.RWMutex
	table       map[string]Rate
	initialized bool
)

// defaultTable seeds the family-prefix fallback entries the spec names
// explicitly: "haiku-4-5", "haiku", "sonnet", "opus", "grok", "local-free".
func defaultTable() map[string]Rate {
	return map[string]Rate{
		"local-free": {InPerMillion: 0, OutPerMillion: 0, Tier: models.TierFree},
		"haiku-4-5":  {InPerMillion: 0.8, OutPerMillion: 4.0, Tier: models.TierHaiku},
		"haiku":      {InPerMillion: 0.25, OutPerMillion: 1.25, Tier: models.TierHaiku},
		"sonnet":     {InPerMillion: 3.0, OutPerMillion: 15.0, Tier: models.TierSonnet},
		"opus":       {InPerMillion: 15.0, OutPerMillion: 75.0, Tier: models.TierOpus},
		"grok":       {InPerMillion: 2.0, OutPerMillion: 10.0, Tier: models.TierGrok},
	}
}

var defaultPaths = []string{
	os.Getenv("MODELS_CONFIG_PATH"),
	"/app/config/models.yaml",
	"./config/models.yaml",
	"../../config/models.yaml",
	"../../../config/models.yaml",
}

func loadLocked() {
	tbl := defaultTable()
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var cfg fileConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Printf("WARNING: failed to unmarshal pricing config from %s: %v", p, err)
			continue
		}
		for name, rate := range cfg.Pricing.Models {
			tbl[strings.ToLower(name)] = rate
		}
		log.Printf("Loaded pricing configuration from %s", p)
		break
	}
	if path, ok := findUpConfig(); ok {
		if data, err := os.ReadFile(path); err == nil {
			var cfg fileConfig
			if err := yaml.Unmarshal(data, &cfg); err == nil {
				for name, rate := range cfg.Pricing.Models {
					tbl[strings.ToLower(name)] = rate
				}
			}
		}
	}
	table = tbl
	initialized = true
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

func get() map[string]Rate {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return table
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return table
}

// Reload forces a re-read of the pricing configuration.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

// normalize lower-cases and trims a model name for table lookup.
func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

// RateForModel resolves a model string to a Rate via exact match, else the
// longest family token that is a prefix of the normalized model name.
// Returns ok=false (zero rate) for a wholly unknown model.
func RateForModel(model string) (Rate, bool) {
	name := normalize(model)
	if name == "" {
		return Rate{}, false
	}
	tbl := get()
	if r, ok := tbl[name]; ok {
		return r, true
	}

	var bestKey string
	var bestRate Rate
	found := false
	for key, r := range tbl {
		if strings.HasPrefix(name, key) && len(key) > len(bestKey) {
			bestKey, bestRate, found = key, r, true
		}
	}
	return bestRate, found
}

// TierForModel resolves a model name to a billing tier, defaulting to the
// most restrictive tier ("opus") when unknown — mirrors the Rate Governor's
// tier resolution default.
func TierForModel(model string) string {
	if r, ok := RateForModel(model); ok && r.Tier != "" {
		return r.Tier
	}
	return models.TierOpus
}

// CostCents computes the cost, in cents, of one ExecutionLog entry:
// cost = inputTokens/1e6 * rate.in + outputTokens/1e6 * rate.out, in dollars,
// converted to cents. Unknown models cost zero.
func CostCents(model string, inputTokens, outputTokens int) float64 {
	rate, ok := RateForModel(model)
	if !ok {
		return 0
	}
	dollars := float64(inputTokens)/1_000_000*rate.InPerMillion +
		float64(outputTokens)/1_000_000*rate.OutPerMillion
	return dollars * 100
}

// Summary aggregates cost across a set of ExecutionLog entries.
type Summary struct {
	TotalCostCents    float64
	ByModelCents      map[string]float64
	ByTierCents       map[string]float64
	TotalInputTokens  int
	TotalOutputTokens int
}

// Aggregate sums cost per-model, per-tier, and in total over a set of
// ExecutionLog entries. For any partitioning of the input slice into
// disjoint subsets, the sum of per-subset Aggregate(...).TotalCostCents
// equals Aggregate(whole).TotalCostCents — addition is associative and each
// entry contributes independently.
func Aggregate(logs []models.ExecutionLog) Summary {
	sum := Summary{
		ByModelCents: make(map[string]float64),
		ByTierCents:  make(map[string]float64),
	}
	for _, l := range logs {
		cost := CostCents(l.ModelUsed, l.InputTokens, l.OutputTokens)
		sum.TotalCostCents += cost
		sum.ByModelCents[l.ModelUsed] += cost
		sum.ByTierCents[TierForModel(l.ModelUsed)] += cost
		sum.TotalInputTokens += l.InputTokens
		sum.TotalOutputTokens += l.OutputTokens
	}
	return sum
}

// ModelsByCost returns model names sorted by descending aggregate cost, for
// reporting endpoints (cost-metrics/by-agent, by-task-type, etc).
func (s Summary) ModelsByCost() []string {
	names := make([]string, 0, len(s.ByModelCents))
	for name := range s.ByModelCents {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return s.ByModelCents[names[i]] > s.ByModelCents[names[j]]
	})
	return names
}
