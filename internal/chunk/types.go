// Package chunk splits extracted document text into bounded, deterministic
// chunks. Four strategies share one contract: no empty chunk, positions
// 0..n-1 in text order, identical boundaries for identical input and options.
package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// Defaults mirror the chunking section of the config file.
const (
	DefaultChunkSize           = 256
	DefaultChunkOverlap        = 32
	DefaultOverlapSentences    = 1
	DefaultSimilarityThreshold = 0.5
	DefaultMaxChunkChars       = 1000
)

// Strategy names a chunking strategy.
type Strategy string

const (
	StrategyToken     Strategy = "token"
	StrategySentence  Strategy = "sentence"
	StrategyRecursive Strategy = "recursive"
	StrategySemantic  Strategy = "semantic"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyToken, StrategySentence, StrategyRecursive, StrategySemantic:
		return st, nil
	}
	return "", ragerrors.New(ragerrors.ErrCodeUnknownStrategy, "unknown chunking strategy: "+s, nil).
		WithSuggestion("Use one of: token, sentence, recursive, semantic")
}

// Page is one extracted page of a source document.
type Page struct {
	Number int    // 1-based
	Text   string
}

// Document is the ordered page text of one source file, as produced by the
// extraction step.
type Document struct {
	SourceFile string // logical name, e.g. "report.pdf"
	Pages      []Page
}

// Chunk is a retrievable unit of text.
type Chunk struct {
	ID          string // SHA256(source_file + "_" + position)[:16]
	Text        string
	SourceFile  string
	PageNumbers []int // sorted, 1-based
	Position    int   // 0-indexed within the source
}

// Chunker splits a document into chunks.
type Chunker interface {
	Chunk(ctx context.Context, doc *Document) ([]*Chunk, error)
	Strategy() Strategy

	// Fingerprint identifies every setting that moves chunk boundaries.
	// Two chunkers with equal fingerprints chunk a document identically.
	Fingerprint() string
}

// SentenceEmbedder is the slice of an embedding provider the semantic
// strategy needs.
type SentenceEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkID derives the stable id of the chunk at position in sourceFile.
func ChunkID(sourceFile string, position int) string {
	sum := sha256.Sum256([]byte(sourceFile + "_" + strconv.Itoa(position)))
	return hex.EncodeToString(sum[:])[:16]
}
