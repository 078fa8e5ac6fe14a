// Package router implements the Task Router: heuristic complexity
// scoring with an optional semantic second opinion, tier/model
// selection, and agent selection. Grounded on Kocoro-lab/Shannon's
// tolerant-JSON-from-an-LLM parsing idiom (seen in its activities'
// response-parsing helpers) and the idle-preference/least-inflight
// agent-selection style used across its registry and workflow
// strategies packages.
package router

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/taskmesh-ai/taskmesh/internal/models"
)

// Complexity sources, mirrored from models.ComplexitySource* for
// convenience at call sites.
const (
	SourceRouter = models.ComplexitySourceRouter
	SourceDual   = models.ComplexitySourceDual
	SourceManual = models.ComplexitySourceManual
)

// keywords that correlate with higher implementation complexity; density
// of these terms nudges the heuristic score upward.
var complexityKeywords = []string{
	"concurren", "distributed", "migrat", "refactor", "architecture",
	"race condition", "deadlock", "transaction", "async", "retry",
	"cache invalidation", "schema", "security", "auth", "encrypt",
	"performance", "scale", "optimi",
}

// HeuristicScore estimates a 1-10 complexity score from a task
// description using length, keyword density, and apparent step count
// (numbered or bulleted lines).
func HeuristicScore(description string) int {
	desc := strings.ToLower(description)
	words := len(strings.Fields(desc))

	score := 1
	switch {
	case words > 300:
		score += 4
	case words > 150:
		score += 3
	case words > 75:
		score += 2
	case words > 25:
		score += 1
	}

	keywordHits := 0
	for _, kw := range complexityKeywords {
		if strings.Contains(desc, kw) {
			keywordHits++
		}
	}
	score += clampInt(keywordHits, 0, 4)

	steps := countSteps(description)
	switch {
	case steps >= 6:
		score += 2
	case steps >= 3:
		score += 1
	}

	return clampInt(score, 1, 10)
}

func countSteps(description string) int {
	lines := strings.Split(description, "\n")
	count := 0
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if l == "" {
			continue
		}
		if strings.HasPrefix(l, "-") || strings.HasPrefix(l, "*") {
			count++
			continue
		}
		// numbered step like "1." or "1)"
		for i, r := range l {
			if r >= '0' && r <= '9' {
				continue
			}
			if i > 0 && (r == '.' || r == ')') {
				count++
			}
			break
		}
	}
	return count
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SemanticResult is the parsed second opinion from the small cloud model.
type SemanticResult struct {
	Complexity int
	Reasoning  string
	Factors    []string
}

// SemanticAssessor invokes the configured model and returns its raw JSON
// (possibly fenced in a markdown code block) response text.
type SemanticAssessor func(ctx context.Context, description string) (string, error)

// ParseSemanticResponse tolerantly parses a semantic-assessor response:
// strips a surrounding fenced code block if present, reads
// {complexity, reasoning, factors} via gjson (so malformed surrounding
// prose doesn't prevent extraction of the fields actually present), and
// clamps complexity to [1, 10].
func ParseSemanticResponse(raw string) (SemanticResult, error) {
	body := stripFence(raw)

	complexity := int(gjson.Get(body, "complexity").Int())
	if complexity == 0 {
		complexity = 5 // gjson.Get returns 0 when absent; fall back to a neutral midpoint
	}
	complexity = clampInt(complexity, 1, 10)

	reasoning := gjson.Get(body, "reasoning").String()

	var factors []string
	gjson.Get(body, "factors").ForEach(func(_, v gjson.Result) bool {
		factors = append(factors, v.String())
		return true
	})

	return SemanticResult{Complexity: complexity, Reasoning: reasoning, Factors: factors}, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ResolveComplexity applies the dual rule: if the semantic result is
// present and differs from the heuristic by >= 2, the semantic value
// wins (source=dual); otherwise the heuristic wins (source=router). When
// semantic is nil (assessor unavailable or call failed), the heuristic
// wins with an explicit "assessment unavailable" reasoning.
func ResolveComplexity(heuristic int, semantic *SemanticResult) (complexity int, source string, reasoning string) {
	if semantic == nil {
		return heuristic, SourceRouter, "assessment unavailable"
	}
	diff := semantic.Complexity - heuristic
	if diff < 0 {
		diff = -diff
	}
	if diff >= 2 {
		return semantic.Complexity, SourceDual, semantic.Reasoning
	}
	return heuristic, SourceRouter, semantic.Reasoning
}

// TierSelection is the Router's tier/model decision for a Task.
type TierSelection struct {
	Tier  string
	Model string
}

// defaultOverrides maps the explicit per-agent override tokens to a
// concrete (tier, model) pair.
var defaultOverrides = map[string]TierSelection{
	"local":        {Tier: models.TierLocal, Model: "qwen-coder:16k"},
	"remote_local": {Tier: models.TierRemoteLocal, Model: "qwen-coder:32k"},
	"grok":         {Tier: models.TierGrok, Model: "grok"},
	"haiku":        {Tier: models.TierHaiku, Model: "haiku"},
	"sonnet":       {Tier: models.TierSonnet, Model: "sonnet"},
	"opus":         {Tier: models.TierOpus, Model: "opus"},
}

// SelectTier picks a (tier, model) pair for a task of the given
// complexity. override, if not "auto"/"" , forces a concrete tier/model
// pair regardless of complexity.
func SelectTier(complexity int, override string) TierSelection {
	if override != "" && override != "auto" {
		if sel, ok := defaultOverrides[override]; ok {
			return sel
		}
	}
	switch {
	case complexity < 7:
		return TierSelection{Tier: models.TierLocal, Model: "qwen-coder:16k"}
	case complexity < 10:
		return TierSelection{Tier: models.TierLocal, Model: "qwen-coder:32k"}
	default:
		return TierSelection{Tier: models.TierCloud, Model: "sonnet"}
	}
}

// SelectAgent filters agents by requiredType (if set), preferring
// status==idle, tie-broken by least Inflight then oldest UpdatedAt. It
// returns (nil, false) if no candidate of the required type exists at
// all, and (nil, false) if every candidate is busy (the task remains
// pending in that case too — callers distinguish by checking for
// candidates of the right type beforehand if needed).
func SelectAgent(agents []models.Agent, requiredType string) (*models.Agent, bool) {
	candidates := make([]models.Agent, 0, len(agents))
	for _, a := range agents {
		if requiredType != "" && a.Type != requiredType {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	idle := make([]models.Agent, 0, len(candidates))
	for _, a := range candidates {
		if a.Status == models.AgentIdle {
			idle = append(idle, a)
		}
	}
	pool := candidates
	if len(idle) > 0 {
		pool = idle
	} else {
		return nil, false // all candidates busy; task remains pending
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Inflight != pool[j].Inflight {
			return pool[i].Inflight < pool[j].Inflight
		}
		return pool[i].UpdatedAt.Before(pool[j].UpdatedAt)
	})
	chosen := pool[0]
	return &chosen, true
}

// AssessmentTimeout bounds how long the Router waits on a semantic
// assessor call before treating it as unavailable.
const AssessmentTimeout = 8 * time.Second
