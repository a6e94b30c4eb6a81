package preflight

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Aman-CERP/pdfrag/internal/embed"
	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/source"
	"github.com/Aman-CERP/pdfrag/internal/store"
)

// embedderTimeout bounds the availability check.
const embedderTimeout = 10 * time.Second

// CheckEmbedder reports whether the configured provider answers. Ingest
// and serve both fail without it, but the corpus itself is unaffected, so
// the check is advisory.
func (c *Checker) CheckEmbedder(ctx context.Context, e embed.Embedder, constructErr error) CheckResult {
	result := CheckResult{Name: "embedder"}

	if constructErr != nil {
		result.Status = StatusFail
		result.Message = ragerrors.GetMessage(constructErr)
		if s := ragerrors.GetSuggestion(constructErr); s != "" {
			result.Details = s
		}
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, embedderTimeout)
	defer cancel()

	id := embed.ModelID(e)
	if !e.Available(ctx) {
		result.Status = StatusFail
		result.Message = id + " is not reachable"
		if e.Provider() == embed.ProviderOllama {
			result.Details = "Start Ollama and pull the model, or set embeddings.provider"
		}
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s ready (%d dims)", id, e.Dimensions())
	return result
}

// CheckModel compares the configured model with the one recorded in the
// metadata ledger. A mismatch makes ingest and serve refuse the corpus.
func (c *Checker) CheckModel(dataDir, modelID string) CheckResult {
	result := CheckResult{Name: "embedding_model"}

	ledger, err := store.OpenMetadataLedger(filepath.Join(dataDir, store.MetadataFileName))
	if err != nil {
		result.Status = StatusFail
		result.Message = ragerrors.GetMessage(err)
		return result
	}

	stored := ledger.Model()
	switch {
	case stored == "":
		result.Status = StatusPass
		result.Message = "empty corpus, any model accepted"
	case stored != modelID:
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("corpus built with %s, configured %s", stored, modelID)
		result.Details = "Switch embeddings.model back, or remove the data directory and re-ingest"
	default:
		result.Status = StatusPass
		result.Message = fmt.Sprintf("%s (%d chunks)", stored, ledger.Count())
	}
	return result
}

// CheckSourceDir counts the extracted documents ingest would pick up.
func (c *Checker) CheckSourceDir(dir string) CheckResult {
	result := CheckResult{Name: "source_documents"}

	entries, err := source.Discover(dir)
	if err != nil {
		result.Status = StatusWarn
		result.Message = ragerrors.GetMessage(err)
		result.Details = "Pass the directory to 'pdfrag ingest' or set paths.source_dir"
		return result
	}
	if len(entries) == 0 {
		result.Status = StatusWarn
		result.Message = "no .txt or .json extractions in " + dir
		return result
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	result.Status = StatusPass
	result.Message = fmt.Sprintf("%d documents (%s)", len(entries), formatBytes(uint64(total)))
	return result
}
