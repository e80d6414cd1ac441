package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2000, cfg.Server.MaxUtteranceLength)
	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.Equal(t, float32(0.25), cfg.Retrieval.MinScore)
	assert.Equal(t, 32, cfg.Corpus.EmbedBatch)
	assert.False(t, cfg.Agent.StripUngrounded)
}
