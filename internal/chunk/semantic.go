package chunk

import (
	"context"
	"fmt"
	"math"
	"unicode/utf8"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// semanticBatchSize bounds one embedding request while splitting.
const semanticBatchSize = 64

// semanticSplitter groups adjacent sentences while each new sentence stays
// similar to the running mean of its group.
type semanticSplitter struct {
	opts     Options
	embedder SentenceEmbedder
}

func (s *semanticSplitter) split(ctx context.Context, l *layout) ([]span, error) {
	whole, _ := l.trim(l.all())
	if utf8.RuneCountInString(l.text[whole.start:whole.end]) <= s.opts.MaxChunkChars {
		return []span{whole}, nil
	}

	sents := l.sentences(l.all())
	texts := make([]string, len(sents))
	for i, u := range sents {
		texts[i] = l.text[u.start:u.end]
	}
	vecs, err := s.embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	var out []span
	group := sents[0].span
	sum := append([]float64(nil), toFloat64(vecs[0])...)

	for i := 1; i < len(sents); i++ {
		next := sents[i]
		joined := utf8.RuneCountInString(l.text[group.start:next.end])
		if joined <= s.opts.MaxChunkChars && cosine(sum, vecs[i]) >= s.opts.SimilarityThreshold {
			group.end = next.end
			for j, v := range vecs[i] {
				sum[j] += float64(v)
			}
			continue
		}
		out = append(out, group)
		group = next.span
		sum = append(sum[:0], toFloat64(vecs[i])...)
	}
	return append(out, group), nil
}

func (s *semanticSplitter) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += semanticBatchSize {
		end := min(start+semanticBatchSize, len(texts))
		batch, err := s.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed sentences: %w", err)
		}
		if len(batch) != end-start {
			return nil, ragerrors.MalformedResponseError(
				fmt.Sprintf("got %d sentence embeddings for %d sentences", len(batch), end-start))
		}
		vecs = append(vecs, batch...)
	}
	if len(vecs) > 0 {
		dim := len(vecs[0])
		for _, v := range vecs {
			if len(v) != dim || dim == 0 {
				return nil, ragerrors.MalformedResponseError("sentence embeddings have inconsistent dimensions")
			}
		}
	}
	return vecs, nil
}

// cosine compares the group sum (same direction as its mean) with v.
func cosine(sum []float64, v []float32) float64 {
	var dot, na, nb float64
	for i := range sum {
		dot += sum[i] * float64(v[i])
		na += sum[i] * sum[i]
		nb += float64(v[i]) * float64(v[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
