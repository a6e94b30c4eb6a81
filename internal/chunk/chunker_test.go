package chunk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keywordEmbedder maps sentences mentioning "cat" and "car" to orthogonal axes.
type keywordEmbedder struct {
	calls int
	short bool
}

func (k *keywordEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	k.calls++
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		switch {
		case strings.Contains(t, "cat"):
			out = append(out, []float32{1, 0})
		case strings.Contains(t, "car"):
			out = append(out, []float32{0, 1})
		default:
			out = append(out, []float32{0.7, 0.7})
		}
	}
	if k.short {
		return out[:len(out)-1], nil
	}
	return out, nil
}

func doc(text string) *Document {
	return &Document{SourceFile: "A.pdf", Pages: []Page{{Number: 1, Text: text}}}
}

func mustChunker(t *testing.T, opts Options, emb SentenceEmbedder) *TextChunker {
	t.Helper()
	c, err := New(opts, emb)
	require.NoError(t, err)
	return c
}

func texts(chunks []*Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

func TestTokenStrategy_WindowsWithOverlap(t *testing.T) {
	// Given: ten tokens, windows of 4 with 1 token of overlap
	c := mustChunker(t, Options{Strategy: StrategyToken, ChunkSize: 4, ChunkOverlap: 1}, nil)

	// When: chunking
	chunks, err := c.Chunk(context.Background(), doc("a b c d e f g h i j"))

	// Then: trailing tokens are repeated at the start of the next chunk
	require.NoError(t, err)
	assert.Equal(t, []string{"a b c d", "d e f g", "g h i j"}, texts(chunks))
}

func TestSentenceStrategy_PacksWholeSentences(t *testing.T) {
	text := "One two three. Four five six. Seven eight nine."

	t.Run("without overlap", func(t *testing.T) {
		c := mustChunker(t, Options{Strategy: StrategySentence, ChunkSize: 6}, nil)
		chunks, err := c.Chunk(context.Background(), doc(text))
		require.NoError(t, err)
		assert.Equal(t, []string{"One two three. Four five six.", "Seven eight nine."}, texts(chunks))
	})

	t.Run("with one overlapping sentence", func(t *testing.T) {
		c := mustChunker(t, Options{Strategy: StrategySentence, ChunkSize: 6, OverlapSentences: 1}, nil)
		chunks, err := c.Chunk(context.Background(), doc(text))
		require.NoError(t, err)
		assert.Equal(t, []string{"One two three. Four five six.", "Four five six. Seven eight nine."}, texts(chunks))
	})
}

func TestSentenceStrategy_OversizedSentenceIsTokenSplit(t *testing.T) {
	// Given: a sentence longer than the bound between two short ones
	c := mustChunker(t, Options{Strategy: StrategySentence, ChunkSize: 3}, nil)

	chunks, err := c.Chunk(context.Background(),
		doc("Short one. This sentence has many words inside. End."))

	// Then: only the oversized sentence is split by tokens
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Short one.",
		"This sentence has",
		"many words inside.",
		"End.",
	}, texts(chunks))
}

func TestSentenceBoundaries_RequireTrailingWhitespace(t *testing.T) {
	c := mustChunker(t, Options{Strategy: StrategySentence, ChunkSize: 2}, nil)

	chunks, err := c.Chunk(context.Background(), doc("Version 1.5 shipped! Really?"))

	require.NoError(t, err)
	assert.Equal(t, []string{"Version 1.5", "shipped!", "Really?"}, texts(chunks))
}

func TestRecursiveStrategy_ParagraphsFirst(t *testing.T) {
	c := mustChunker(t, Options{Strategy: StrategyRecursive, ChunkSize: 8}, nil)

	chunks, err := c.Chunk(context.Background(),
		doc("Para one has four.\n\nPara two has four.\n  \nPara three is here."))

	require.NoError(t, err)
	assert.Equal(t, []string{
		"Para one has four.\n\nPara two has four.",
		"Para three is here.",
	}, texts(chunks))
}

func TestRecursiveStrategy_LongParagraphFallsBackToSentences(t *testing.T) {
	c := mustChunker(t, Options{Strategy: StrategyRecursive, ChunkSize: 4}, nil)

	chunks, err := c.Chunk(context.Background(), doc("Tiny.\n\nA b c. D e f. G h i."))

	require.NoError(t, err)
	assert.Equal(t, []string{"Tiny.", "A b c.", "D e f.", "G h i."}, texts(chunks))
}

func TestSemanticStrategy_BreaksWhereSimilarityDrops(t *testing.T) {
	emb := &keywordEmbedder{}
	c := mustChunker(t, Options{Strategy: StrategySemantic, MaxChunkChars: 40}, emb)

	chunks, err := c.Chunk(context.Background(),
		doc("The cat sat. The cat ran. The car drove. The car parked."))

	require.NoError(t, err)
	assert.Equal(t, []string{"The cat sat. The cat ran.", "The car drove. The car parked."}, texts(chunks))
	assert.Equal(t, 1, emb.calls)
}

func TestSemanticStrategy_MaxCharsBoundsGroups(t *testing.T) {
	c := mustChunker(t, Options{Strategy: StrategySemantic, MaxChunkChars: 20}, &keywordEmbedder{})

	chunks, err := c.Chunk(context.Background(), doc("The cat sat. The cat ran. The cat hid."))

	require.NoError(t, err)
	assert.Equal(t, []string{"The cat sat.", "The cat ran.", "The cat hid."}, texts(chunks))
}

func TestSemanticStrategy_MalformedEmbeddings(t *testing.T) {
	c := mustChunker(t, Options{Strategy: StrategySemantic, MaxChunkChars: 10}, &keywordEmbedder{short: true})

	_, err := c.Chunk(context.Background(), doc("The cat sat. The car drove."))

	require.Error(t, err)
	assert.True(t, ragerrors.IsMalformed(err))
}

func TestShortDocument_YieldsExactlyOneChunk(t *testing.T) {
	for _, s := range []Strategy{StrategyToken, StrategySentence, StrategyRecursive, StrategySemantic} {
		t.Run(string(s), func(t *testing.T) {
			emb := &keywordEmbedder{}
			c := mustChunker(t, Options{Strategy: s}, emb)

			chunks, err := c.Chunk(context.Background(), doc("  A short note. Nothing more.  "))

			require.NoError(t, err)
			require.Len(t, chunks, 1)
			assert.Equal(t, "A short note. Nothing more.", chunks[0].Text)
			assert.Equal(t, 0, emb.calls)
		})
	}
}

func TestWhitespaceOnlyDocument_YieldsNoChunks(t *testing.T) {
	for _, s := range []Strategy{StrategyToken, StrategySentence, StrategyRecursive, StrategySemantic} {
		t.Run(string(s), func(t *testing.T) {
			c := mustChunker(t, Options{Strategy: s}, &keywordEmbedder{})
			d := &Document{SourceFile: "blank.pdf", Pages: []Page{{1, " \n\t"}, {2, ""}}}

			chunks, err := c.Chunk(context.Background(), d)

			require.NoError(t, err)
			assert.Empty(t, chunks)
		})
	}
}

func TestPageNumbers_FollowCharacterRanges(t *testing.T) {
	c := mustChunker(t, Options{Strategy: StrategyToken, ChunkSize: 3}, nil)
	d := &Document{SourceFile: "A.pdf", Pages: []Page{
		{Number: 1, Text: "alpha beta"},
		{Number: 2, Text: "gamma delta"},
	}}

	chunks, err := c.Chunk(context.Background(), d)

	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []int{1, 2}, chunks[0].PageNumbers)
	assert.Equal(t, []int{2}, chunks[1].PageNumbers)
}

func TestMinChunkChars_DropsFragmentsButNeverEverything(t *testing.T) {
	c := mustChunker(t, Options{Strategy: StrategyToken, ChunkSize: 2, MinChunkChars: 3}, nil)

	chunks, err := c.Chunk(context.Background(), doc("aaaa bbbb c"))
	require.NoError(t, err)
	assert.Equal(t, []string{"aaaa bbbb"}, texts(chunks))
	assert.Equal(t, 0, chunks[0].Position)

	chunks, err = c.Chunk(context.Background(), doc("hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, texts(chunks))
}

func TestAllStrategies_OrderedNonEmptyDeterministic(t *testing.T) {
	// Given: a multi-page document with paragraphs of varying length
	var pages []Page
	for p := 1; p <= 3; p++ {
		var sb strings.Builder
		for i := 0; i < 12; i++ {
			fmt.Fprintf(&sb, "Sentence %d on page %d talks about the cat and the car. ", i, p)
			if i%4 == 3 {
				sb.WriteString("\n\n")
			}
		}
		pages = append(pages, Page{Number: p, Text: sb.String()})
	}
	d := &Document{SourceFile: "long.pdf", Pages: pages}

	for _, s := range []Strategy{StrategyToken, StrategySentence, StrategyRecursive, StrategySemantic} {
		t.Run(string(s), func(t *testing.T) {
			opts := Options{Strategy: s, ChunkSize: 40, ChunkOverlap: 5, OverlapSentences: 1, MaxChunkChars: 300}
			c := mustChunker(t, opts, &keywordEmbedder{})

			first, err := c.Chunk(context.Background(), d)
			require.NoError(t, err)
			second, err := c.Chunk(context.Background(), d)
			require.NoError(t, err)

			// Then: positions are 0..n-1, text is non-empty, ids are stable
			require.Greater(t, len(first), 1)
			require.Equal(t, len(first), len(second))
			for i, ch := range first {
				assert.Equal(t, i, ch.Position)
				assert.NotEmpty(t, strings.TrimSpace(ch.Text))
				assert.NotEmpty(t, ch.PageNumbers)
				assert.Equal(t, ChunkID("long.pdf", i), ch.ID)
				assert.Equal(t, ch.ID, second[i].ID)
				assert.Equal(t, ch.Text, second[i].Text)
			}
		})
	}
}

func TestChunkID_DependsOnSourceAndPosition(t *testing.T) {
	assert.Len(t, ChunkID("A.pdf", 0), 16)
	assert.Equal(t, ChunkID("A.pdf", 3), ChunkID("A.pdf", 3))
	assert.NotEqual(t, ChunkID("A.pdf", 3), ChunkID("A.pdf", 4))
	assert.NotEqual(t, ChunkID("A.pdf", 1), ChunkID("B.pdf", 1))
}

func TestNew_RejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		emb  SentenceEmbedder
	}{
		{"unknown strategy", Options{Strategy: "paragraph"}, nil},
		{"overlap equals size", Options{Strategy: StrategyToken, ChunkSize: 4, ChunkOverlap: 4}, nil},
		{"negative size", Options{Strategy: StrategyToken, ChunkSize: -1}, nil},
		{"semantic without embedder", Options{Strategy: StrategySemantic}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts, tt.emb)
			require.Error(t, err)
			assert.True(t, ragerrors.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestChunk_NilDocument(t *testing.T) {
	c := mustChunker(t, Options{}, nil)
	_, err := c.Chunk(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StrategyRecursive, c.Strategy())
}

func TestOptions_Fingerprint(t *testing.T) {
	// Given: default options spelled out and left implicit
	implicit := Options{}
	explicit := Options{Strategy: StrategyRecursive, ChunkSize: DefaultChunkSize, MaxChunkChars: DefaultMaxChunkChars}

	// Then: they share a fingerprint, and any boundary setting changes it
	assert.Equal(t, implicit.Fingerprint(), explicit.Fingerprint())
	assert.Equal(t, mustChunker(t, implicit, nil).Fingerprint(), implicit.Fingerprint())
	for _, changed := range []Options{
		{Strategy: StrategyToken},
		{ChunkSize: 128},
		{ChunkOverlap: 8},
		{OverlapSentences: 2},
		{MinChunkChars: 20},
		{SimilarityThreshold: 0.7},
		{MaxChunkChars: 400},
	} {
		assert.NotEqual(t, implicit.Fingerprint(), changed.Fingerprint(), "%+v", changed)
	}
}
