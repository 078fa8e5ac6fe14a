package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh-ai/taskmesh/internal/models"
)

func TestRateForModel_ExactMatch(t *testing.T) {
	r, ok := RateForModel("sonnet")
	require.True(t, ok)
	assert.Equal(t, models.TierSonnet, r.Tier)
}

func TestRateForModel_FamilyPrefix(t *testing.T) {
	r, ok := RateForModel("haiku-4-5-20260101")
	require.True(t, ok)
	assert.Equal(t, models.TierHaiku, r.Tier)
	assert.InDelta(t, 0.8, r.InPerMillion, 0.0001)
}

func TestRateForModel_Unknown(t *testing.T) {
	_, ok := RateForModel("some-unreleased-model")
	assert.False(t, ok)
}

func TestCostCents_UnknownModelIsZero(t *testing.T) {
	assert.Equal(t, 0.0, CostCents("unknown-model-xyz", 1000, 1000))
}

func TestCostCents_LocalFreeIsZero(t *testing.T) {
	assert.Equal(t, 0.0, CostCents("local-free:qwen-coder:16k", 100000, 100000))
}

func TestCostCents_KnownModel(t *testing.T) {
	cost := CostCents("sonnet", 1_000_000, 1_000_000)
	assert.InDelta(t, (3.0+15.0)*100, cost, 0.001)
}

func TestAggregate_PartitionInvariance(t *testing.T) {
	logs := []models.ExecutionLog{
		{ModelUsed: "sonnet", InputTokens: 100, OutputTokens: 50},
		{ModelUsed: "opus", InputTokens: 200, OutputTokens: 80},
		{ModelUsed: "haiku", InputTokens: 300, OutputTokens: 10},
	}
	whole := Aggregate(logs)
	part1 := Aggregate(logs[:1])
	part2 := Aggregate(logs[1:])
	assert.InDelta(t, whole.TotalCostCents, part1.TotalCostCents+part2.TotalCostCents, 0.0001)
}

func TestTierForModel_UnknownDefaultsToOpus(t *testing.T) {
	assert.Equal(t, models.TierOpus, TierForModel("totally-unknown"))
}
