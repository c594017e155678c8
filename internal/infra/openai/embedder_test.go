package openai

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmbedder(t *testing.T) {
	t.Run("デフォルト設定", func(t *testing.T) {
		e := NewEmbedder("test-key")

		assert.Equal(t, DefaultEmbeddingModel, e.ModelName())
		assert.Equal(t, DefaultEmbeddingDimension, e.Dimension())
		assert.Equal(t, MaxEmbeddingBatchSize, e.MaxBatchSize())
	})

	t.Run("オプションで上書き", func(t *testing.T) {
		e := NewEmbedder("test-key",
			WithEmbeddingModel("text-embedding-3-large"),
			WithEmbeddingDimension(3072),
		)

		assert.Equal(t, "text-embedding-3-large", e.ModelName())
		assert.Equal(t, 3072, e.Dimension())
	})
}

func TestEmbedder_BatchEmbedValidation(t *testing.T) {
	e := NewEmbedder("test-key")

	t.Run("空バッチはエラー", func(t *testing.T) {
		_, err := e.BatchEmbed(context.Background(), nil)
		assert.Error(t, err)
	})

	t.Run("上限超過はエラー", func(t *testing.T) {
		texts := make([]string, MaxEmbeddingBatchSize+1)
		for i := range texts {
			texts[i] = "text"
		}
		_, err := e.BatchEmbed(context.Background(), texts)
		assert.Error(t, err)
	})
}

func TestNewGenerator(t *testing.T) {
	t.Run("APIキー未設定はエラー", func(t *testing.T) {
		_, err := NewGenerator("")
		assert.ErrorIs(t, err, ErrAPIKeyNotSet)
	})

	t.Run("デフォルト設定", func(t *testing.T) {
		g, err := NewGenerator("test-key")
		require.NoError(t, err)

		assert.Equal(t, DefaultChatModel, g.ModelName())
		assert.Equal(t, DefaultTemperature, g.temperature)
		assert.Equal(t, DefaultTimeout, g.timeout)
	})

	t.Run("オプションで上書き", func(t *testing.T) {
		g, err := NewGenerator("test-key",
			WithChatModel("gpt-4o"),
			WithTemperature(0.7),
			WithTimeout(10*time.Second),
		)
		require.NoError(t, err)

		assert.Equal(t, "gpt-4o", g.ModelName())
		assert.Equal(t, 0.7, g.temperature)
		assert.Equal(t, 10*time.Second, g.timeout)
	})
}
