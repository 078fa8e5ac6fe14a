package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh-ai/taskmesh/internal/models"
)

func TestHeuristicScore_ShortSimpleDescription(t *testing.T) {
	score := HeuristicScore("Fix a typo in the README.")
	assert.GreaterOrEqual(t, score, 1)
	assert.LessOrEqual(t, score, 3)
}

func TestHeuristicScore_LongComplexDescription(t *testing.T) {
	desc := `Refactor the distributed transaction coordinator to avoid a
	race condition under concurrent retries, preserving cache invalidation
	semantics across the migration. Steps:
	1. Audit current locking.
	2. Design new schema.
	3. Add async retry with backoff.
	4. Validate performance under scale.
	5. Add security review for the new auth path.
	6. Roll out behind a feature flag.` + sampleFiller(200)
	score := HeuristicScore(desc)
	assert.GreaterOrEqual(t, score, 8)
}

func sampleFiller(words int) string {
	s := ""
	for i := 0; i < words; i++ {
		s += "word "
	}
	return s
}

func TestParseSemanticResponse_PlainJSON(t *testing.T) {
	r, err := ParseSemanticResponse(`{"complexity": 7, "reasoning": "touches auth", "factors": ["auth", "migration"]}`)
	require.NoError(t, err)
	assert.Equal(t, 7, r.Complexity)
	assert.Equal(t, "touches auth", r.Reasoning)
	assert.ElementsMatch(t, []string{"auth", "migration"}, r.Factors)
}

func TestParseSemanticResponse_FencedCodeBlock(t *testing.T) {
	raw := "```json\n{\"complexity\": 12, \"reasoning\": \"big\"}\n```"
	r, err := ParseSemanticResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, 10, r.Complexity) // clamped to [1,10]
}

func TestResolveComplexity_DualRuleWhenDivergent(t *testing.T) {
	sem := &SemanticResult{Complexity: 9, Reasoning: "deep"}
	c, source, _ := ResolveComplexity(3, sem)
	assert.Equal(t, 9, c)
	assert.Equal(t, SourceDual, source)
}

func TestResolveComplexity_RouterWhenClose(t *testing.T) {
	sem := &SemanticResult{Complexity: 5, Reasoning: "moderate"}
	c, source, _ := ResolveComplexity(4, sem)
	assert.Equal(t, 4, c)
	assert.Equal(t, SourceRouter, source)
}

func TestResolveComplexity_RouterWhenSemanticUnavailable(t *testing.T) {
	c, source, reasoning := ResolveComplexity(6, nil)
	assert.Equal(t, 6, c)
	assert.Equal(t, SourceRouter, source)
	assert.Equal(t, "assessment unavailable", reasoning)
}

func TestSelectTier_Thresholds(t *testing.T) {
	assert.Equal(t, "local", SelectTier(3, "").Tier)
	assert.Equal(t, "local", SelectTier(8, "").Tier)
	assert.Equal(t, "cloud", SelectTier(10, "").Tier)
}

func TestSelectTier_ExplicitOverride(t *testing.T) {
	sel := SelectTier(2, "opus")
	assert.Equal(t, models.TierOpus, sel.Tier)
	assert.Equal(t, "opus", sel.Model)
}

func TestSelectAgent_PrefersIdleLeastInflightOldestUpdated(t *testing.T) {
	now := time.Now()
	agents := []models.Agent{
		{ID: "a1", Type: "coder", Status: models.AgentBusy},
		{ID: "a2", Type: "coder", Status: models.AgentIdle, Inflight: 1, UpdatedAt: now},
		{ID: "a3", Type: "coder", Status: models.AgentIdle, Inflight: 0, UpdatedAt: now.Add(time.Hour)},
		{ID: "a4", Type: "coder", Status: models.AgentIdle, Inflight: 0, UpdatedAt: now},
	}
	chosen, ok := SelectAgent(agents, "coder")
	require.True(t, ok)
	assert.Equal(t, "a4", chosen.ID)
}

func TestSelectAgent_NoneOfRequiredType(t *testing.T) {
	agents := []models.Agent{{ID: "a1", Type: "reviewer", Status: models.AgentIdle}}
	_, ok := SelectAgent(agents, "coder")
	assert.False(t, ok)
}

func TestSelectAgent_AllBusy(t *testing.T) {
	agents := []models.Agent{{ID: "a1", Type: "coder", Status: models.AgentBusy}}
	_, ok := SelectAgent(agents, "coder")
	assert.False(t, ok)
}
