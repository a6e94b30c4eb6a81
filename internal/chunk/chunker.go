package chunk

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// Options configures a Chunker. Zero values fall back to the defaults.
type Options struct {
	Strategy Strategy

	ChunkSize    int // tokens
	ChunkOverlap int // tokens, token strategy and oversized sentences

	OverlapSentences int

	// MinChunkChars drops shorter fragments unless that would leave the
	// document with no chunks at all.
	MinChunkChars int

	SimilarityThreshold float64
	MaxChunkChars       int
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyRecursive
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxChunkChars == 0 {
		o.MaxChunkChars = DefaultMaxChunkChars
	}
	if o.SimilarityThreshold == 0 {
		o.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return o
}

// Fingerprint renders the settings that shape chunk boundaries for opts.
func (o Options) Fingerprint() string {
	o = o.withDefaults()
	return fmt.Sprintf("%s size=%d overlap=%d sentences=%d min=%d threshold=%g max=%d",
		o.Strategy, o.ChunkSize, o.ChunkOverlap, o.OverlapSentences,
		o.MinChunkChars, o.SimilarityThreshold, o.MaxChunkChars)
}

var _ Chunker = (*TextChunker)(nil)

// splitter produces the chunk spans of one flattened document.
type splitter func(ctx context.Context, l *layout) ([]span, error)

// TextChunker applies one strategy to documents.
type TextChunker struct {
	opts  Options
	split splitter
}

// New builds the chunker for opts.Strategy. The semantic strategy requires
// an embedder; the others ignore it.
func New(opts Options, embedder SentenceEmbedder) (*TextChunker, error) {
	opts = opts.withDefaults()

	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	opts.Strategy = strategy

	if opts.ChunkSize < 1 {
		return nil, ragerrors.ConfigurationError(fmt.Sprintf("chunk size must be positive, got %d", opts.ChunkSize), nil)
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		return nil, ragerrors.ConfigurationError(
			fmt.Sprintf("chunk overlap %d must be in [0, %d)", opts.ChunkOverlap, opts.ChunkSize), nil)
	}
	if opts.OverlapSentences < 0 {
		return nil, ragerrors.ConfigurationError("overlap sentences must be non-negative", nil)
	}

	c := &TextChunker{opts: opts}
	switch strategy {
	case StrategyToken:
		c.split = c.splitTokens
	case StrategySentence:
		c.split = c.splitSentences
	case StrategyRecursive:
		c.split = c.splitRecursive
	case StrategySemantic:
		if embedder == nil {
			return nil, ragerrors.ConfigurationError("semantic chunking requires an embedding provider", nil)
		}
		s := &semanticSplitter{opts: opts, embedder: embedder}
		c.split = s.split
	}
	return c, nil
}

// Strategy returns the configured strategy.
func (c *TextChunker) Strategy() Strategy {
	return c.opts.Strategy
}

// Fingerprint returns the fingerprint of the chunker's options.
func (c *TextChunker) Fingerprint() string {
	return c.opts.Fingerprint()
}

// Chunk splits doc. Whitespace-only documents yield no chunks and no error.
func (c *TextChunker) Chunk(ctx context.Context, doc *Document) ([]*Chunk, error) {
	if doc == nil {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidInput, "nil document", nil)
	}
	l := newLayout(doc)
	if strings.TrimSpace(l.text) == "" {
		return nil, nil
	}

	spans, err := c.split(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", doc.SourceFile, err)
	}

	spans = c.dropShort(l, spans)

	chunks := make([]*Chunk, 0, len(spans))
	for _, raw := range spans {
		s, ok := l.trim(raw)
		if !ok {
			continue
		}
		pos := len(chunks)
		chunks = append(chunks, &Chunk{
			ID:          ChunkID(doc.SourceFile, pos),
			Text:        l.text[s.start:s.end],
			SourceFile:  doc.SourceFile,
			PageNumbers: l.pageNumbers(s),
			Position:    pos,
		})
	}
	return chunks, nil
}

func (c *TextChunker) dropShort(l *layout, spans []span) []span {
	if c.opts.MinChunkChars <= 0 || len(spans) <= 1 {
		return spans
	}
	kept := spans[:0:0]
	for _, s := range spans {
		if utf8.RuneCountInString(l.text[s.start:s.end]) >= c.opts.MinChunkChars {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return spans
	}
	return kept
}

func (c *TextChunker) splitTokens(_ context.Context, l *layout) ([]span, error) {
	return l.tokenWindows(l.all(), c.opts.ChunkSize, c.opts.ChunkOverlap), nil
}

func (c *TextChunker) splitSentences(_ context.Context, l *layout) ([]span, error) {
	return c.packSentences(l, l.all()), nil
}

// splitRecursive packs paragraphs, falling back to sentence packing (and from
// there to token windows) for paragraphs over the bound.
func (c *TextChunker) splitRecursive(_ context.Context, l *layout) ([]span, error) {
	return pack(l.paragraphs(l.all()), c.opts.ChunkSize, 0, func(p unit) []span {
		return c.packSentences(l, p.span)
	}), nil
}

func (c *TextChunker) packSentences(l *layout, within span) []span {
	return pack(l.sentences(within), c.opts.ChunkSize, c.opts.OverlapSentences, func(s unit) []span {
		return l.tokenWindows(s.span, c.opts.ChunkSize, c.opts.ChunkOverlap)
	})
}
