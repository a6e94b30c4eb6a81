package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedder_Embed_ReturnsCorrectDimensions(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	// When: I embed a sentence
	embedding, err := embedder.Embed(context.Background(), "Quarterly revenue grew by ten percent.")

	// Then: a 384-dimension vector is returned
	require.NoError(t, err)
	assert.Len(t, embedding, StaticDimensions)
}

func TestStaticEmbedder_Embed_VectorIsNormalized(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	// When: I embed text
	embedding, err := embedder.Embed(context.Background(), "The board approved the merger.")
	require.NoError(t, err)

	// Then: vector magnitude is ~1.0
	assert.InDelta(t, 1.0, vectorMagnitude(embedding), 0.001)
}

func TestStaticEmbedder_Embed_IsDeterministic(t *testing.T) {
	// Given: two separate embedder instances
	a := NewStaticEmbedder()
	b := NewStaticEmbedder()
	text := "Photosynthesis converts light energy into chemical energy."

	// When: both embed the same text
	e1, err1 := a.Embed(context.Background(), text)
	e2, err2 := b.Embed(context.Background(), text)

	// Then: vectors are identical
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, e1, e2)
}

func TestStaticEmbedder_Embed_EmptyTextReturnsZeroVector(t *testing.T) {
	embedder := NewStaticEmbedder()

	for _, text := range []string{"", "   ", "\n\t"} {
		emb, err := embedder.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Len(t, emb, StaticDimensions)
		assert.Zero(t, vectorMagnitude(emb), "input %q", text)
	}
}

func TestStaticEmbedder_SimilarTextsScoreHigher(t *testing.T) {
	// Given: a query and two candidate passages
	embedder := NewStaticEmbedder()
	ctx := context.Background()

	query, _ := embedder.Embed(ctx, "solar panel efficiency")
	related, _ := embedder.Embed(ctx, "The efficiency of solar panels depends on temperature.")
	unrelated, _ := embedder.Embed(ctx, "Medieval castles were built from local stone.")

	// Then: the related passage is closer to the query
	assert.Greater(t, cosineSimilarity(query, related), cosineSimilarity(query, unrelated))
}

func TestStaticEmbedder_StopWordsIgnored(t *testing.T) {
	embedder := NewStaticEmbedder()
	ctx := context.Background()

	plain, _ := embedder.Embed(ctx, "contract termination")
	padded, _ := embedder.Embed(ctx, "the contract and the termination")

	assert.InDelta(t, 1.0, cosineSimilarity(plain, padded), 0.0001)
}

func TestStaticEmbedder_EmbedBatch_MatchesSingle(t *testing.T) {
	// Given: a batch of texts
	embedder := NewStaticEmbedder()
	texts := []string{"first passage", "second passage", ""}

	// When: I embed the batch
	batch, err := embedder.EmbedBatch(context.Background(), texts)

	// Then: each vector equals the single embedding, in order
	require.NoError(t, err)
	require.Len(t, batch, len(texts))
	for i, text := range texts {
		single, _ := embedder.Embed(context.Background(), text)
		assert.Equal(t, single, batch[i])
	}
}

func TestStaticEmbedder_EmbedBatch_CancelledContext(t *testing.T) {
	embedder := NewStaticEmbedder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := embedder.EmbedBatch(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaticEmbedder_Identity(t *testing.T) {
	embedder := NewStaticEmbedder()

	assert.Equal(t, StaticModel, embedder.ModelName())
	assert.Equal(t, ProviderStatic, embedder.Provider())
	assert.Equal(t, "static/static-384", ModelID(embedder))
	assert.Equal(t, StaticDimensions, embedder.Dimensions())
}

func TestStaticEmbedder_Close(t *testing.T) {
	// Given: a closed embedder
	embedder := NewStaticEmbedder()
	require.True(t, embedder.Available(context.Background()))
	require.NoError(t, embedder.Close())

	// Then: it is unavailable and refuses work
	assert.False(t, embedder.Available(context.Background()))
	_, err := embedder.Embed(context.Background(), "text")
	assert.Error(t, err)
	_, err = embedder.EmbedBatch(context.Background(), []string{"text"})
	assert.Error(t, err)
}

func TestExtractNgrams(t *testing.T) {
	assert.Equal(t, []string{"wor", "ord"}, extractNgrams("word", 3))
	assert.Equal(t, []string{}, extractNgrams("ab", 3))
	assert.Equal(t, []string{"été"}, extractNgrams("été", 3), "ngrams are rune based")
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"net", "income", "2024", "rose"}, tokenize("Net income (2024) rose!"))
}
