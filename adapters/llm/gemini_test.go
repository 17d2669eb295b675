package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/professor-bot/domain"
)

func TestGenerationConfig(t *testing.T) {
	cfg := generationConfig(domain.DefaultGenerationConfig())

	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.1, *cfg.Temperature, 1e-6)
	assert.InDelta(t, 0.9, *cfg.TopP, 1e-6)
	assert.Equal(t, int32(512), cfg.MaxOutputTokens)
	assert.Nil(t, cfg.FrequencyPenalty)

	penalised := domain.DefaultGenerationConfig()
	penalised.RepetitionPenalty = 1.5
	cfg = generationConfig(penalised)
	require.NotNil(t, cfg.FrequencyPenalty)
	assert.InDelta(t, 0.5, *cfg.FrequencyPenalty, 1e-6)
}

func TestGeminiClient_RejectsForeignModel(t *testing.T) {
	client, err := NewGeminiClient(context.Background(), "AIza-test-key")
	require.NoError(t, err)

	_, err = client.Stream(context.Background(), domain.InferenceRequest{Model: domain.ResolveModel(domain.DefaultModel)})

	assert.ErrorIs(t, err, domain.ErrInvalidModel)
}
