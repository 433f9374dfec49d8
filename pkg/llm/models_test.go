package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetModelByTier(t *testing.T) {
	models := []ModelInfo{
		{ID: "fast-model", Tier: ModelTierFast},
		{ID: "balanced-model", Tier: ModelTierBalanced},
		{ID: "strategic-model", Tier: ModelTierStrategic},
	}

	tests := []struct {
		tier     ModelTier
		expected string
	}{
		{ModelTierFast, "fast-model"},
		{ModelTierBalanced, "balanced-model"},
		{ModelTierStrategic, "strategic-model"},
	}

	for _, tt := range tests {
		model := GetModelByTier(models, tt.tier)
		if assert.NotNil(t, model, "tier %s", tt.tier) {
			assert.Equal(t, tt.expected, model.ID)
		}
	}
}

func TestGetModelByTier_NotFound(t *testing.T) {
	models := []ModelInfo{{ID: "fast-model", Tier: ModelTierFast}}
	assert.Nil(t, GetModelByTier(models, ModelTierStrategic))
}

func TestGetModelByID(t *testing.T) {
	models := []ModelInfo{
		{ID: "model-1", Name: "Model 1"},
		{ID: "model-2", Name: "Model 2"},
		{ID: "model-3", Name: "Model 3"},
	}

	model := GetModelByID(models, "model-2")
	if assert.NotNil(t, model) {
		assert.Equal(t, "Model 2", model.Name)
	}
}

func TestGetModelByID_NotFound(t *testing.T) {
	models := []ModelInfo{{ID: "model-1", Name: "Model 1"}}
	assert.Nil(t, GetModelByID(models, "nonexistent"))
}

func TestModelTierConstants(t *testing.T) {
	assert.Equal(t, ModelTier("fast"), ModelTierFast)
	assert.Equal(t, ModelTier("balanced"), ModelTierBalanced)
	assert.Equal(t, ModelTier("strategic"), ModelTierStrategic)
}
