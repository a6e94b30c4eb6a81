package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search"
)

const (
	// KeywordAnalyzerName is the analyzer shared by indexed text and queries.
	KeywordAnalyzerName = "pdf_text"

	keywordField = "text"
)

type keywordDocument struct {
	Text string `json:"text"`
}

// KeywordIndex is an in-memory bleve index over chunk text. It scores a set
// of candidate chunks by the fraction of distinct query terms each contains.
type KeywordIndex struct {
	mu      sync.RWMutex
	index   bleve.Index
	mapping *mapping.IndexMappingImpl
	count   int
	closed  bool
}

// NewKeywordIndex creates an empty in-memory keyword index.
func NewKeywordIndex() (*KeywordIndex, error) {
	indexMapping, err := createKeywordMapping()
	if err != nil {
		return nil, err
	}
	idx, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, fmt.Errorf("failed to create keyword index: %w", err)
	}
	return &KeywordIndex{index: idx, mapping: indexMapping}, nil
}

func createKeywordMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(KeywordAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
			en.StopName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}
	indexMapping.DefaultAnalyzer = KeywordAnalyzerName

	return indexMapping, nil
}

// Index adds or replaces the text of records.
func (k *KeywordIndex) Index(_ context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return fmt.Errorf("keyword index is closed")
	}

	batch := k.index.NewBatch()
	for _, r := range records {
		if err := batch.Index(r.ID, keywordDocument{Text: r.Text}); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", r.ID, err)
		}
	}
	if err := k.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return k.refreshCount()
}

// Delete removes ids from the index.
func (k *KeywordIndex) Delete(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return fmt.Errorf("keyword index is closed")
	}

	batch := k.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := k.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return k.refreshCount()
}

func (k *KeywordIndex) refreshCount() error {
	n, err := k.index.DocCount()
	if err != nil {
		return fmt.Errorf("failed to count keyword documents: %w", err)
	}
	k.count = int(n)
	return nil
}

// Count returns the number of indexed chunks.
func (k *KeywordIndex) Count() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.count
}

// QueryTerms returns the distinct analyzed terms of query, in query order.
func (k *KeywordIndex) QueryTerms(query string) ([]string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.queryTerms(query)
}

func (k *KeywordIndex) queryTerms(query string) ([]string, error) {
	tokens, err := k.mapping.AnalyzeText(KeywordAnalyzerName, []byte(query))
	if err != nil {
		return nil, fmt.Errorf("failed to analyze query: %w", err)
	}
	seen := make(map[string]struct{}, len(tokens))
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		term := string(tok.Term)
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms, nil
}

// Score returns, for each candidate id, the fraction of distinct query terms
// found in its text. Candidates without any matching term are absent from
// the result and score zero.
func (k *KeywordIndex) Score(ctx context.Context, query string, candidates []string) (map[string]float64, error) {
	scores := make(map[string]float64, len(candidates))
	if strings.TrimSpace(query) == "" || len(candidates) == 0 {
		return scores, nil
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return nil, fmt.Errorf("keyword index is closed")
	}

	terms, err := k.queryTerms(query)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return scores, nil
	}
	wanted := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		wanted[t] = struct{}{}
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField(keywordField)
	matchQuery.Analyzer = KeywordAnalyzerName
	q := bleve.NewConjunctionQuery(bleve.NewDocIDQuery(candidates), matchQuery)

	req := bleve.NewSearchRequest(q)
	req.Size = len(candidates)
	req.IncludeLocations = true

	result, err := k.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}

	for _, hit := range result.Hits {
		matched := 0
		for _, term := range matchedTerms(hit) {
			if _, ok := wanted[term]; ok {
				matched++
			}
		}
		if matched > 0 {
			scores[hit.ID] = float64(matched) / float64(len(terms))
		}
	}
	return scores, nil
}

// Close releases the index.
func (k *KeywordIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true
	return k.index.Close()
}

// matchedTerms extracts the distinct terms that matched the text field.
func matchedTerms(hit *search.DocumentMatch) []string {
	locations, ok := hit.Locations[keywordField]
	if !ok {
		return nil
	}
	terms := make([]string, 0, len(locations))
	for term := range locations {
		terms = append(terms, term)
	}
	return terms
}
