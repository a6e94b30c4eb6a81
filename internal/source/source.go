// Package source discovers documents produced by the extraction step and
// loads them as page sequences. PDF parsing itself happens upstream
// (pdftotext, OCR); this package only reads its output.
//
// Two formats are accepted:
//   - <name>.txt: pdftotext output, pages separated by form feed (\f)
//   - <name>.json: {"source_file": "...", "pages": [{"page": 1, "text": "..."}]}
//
// The logical source name drops the .txt/.json suffix, so "report.pdf.txt"
// becomes "report.pdf".
package source

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Aman-CERP/pdfrag/internal/chunk"
	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// Format is the on-disk format of an extracted document.
type Format string

const (
	FormatText Format = "txt"
	FormatJSON Format = "json"
)

// Entry is one discovered document.
type Entry struct {
	SourceFile string    // logical name, unique within a directory tree
	Path       string    // absolute path of the extracted file
	Format     Format    // txt or json
	Size       int64     // bytes
	ModTime    time.Time // last modification
}

// Discover walks dir and returns every extracted document sorted by
// SourceFile. Hidden files and directories are skipped. Two files mapping
// to the same source name are a configuration error.
func Discover(dir string) ([]Entry, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve source dir: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeFileNotFound, "source directory not found: "+absDir, err).
			WithSuggestion("Set paths.source_dir in .pdfrag.yaml or pass --source")
	}
	if !info.IsDir() {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidPath, "source path is not a directory: "+absDir, nil)
	}

	seen := make(map[string]string)
	var entries []Entry
	err = filepath.WalkDir(absDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != absDir && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		sourceName, format, ok := classify(name)
		if !ok {
			return nil
		}
		if prev, dup := seen[sourceName]; dup {
			return ragerrors.ConfigurationError(
				fmt.Sprintf("source %q is provided by both %s and %s", sourceName, prev, path), nil)
		}
		seen[sourceName] = path

		fi, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			SourceFile: sourceName,
			Path:       path,
			Format:     format,
			Size:       fi.Size(),
			ModTime:    fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", absDir, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SourceFile < entries[j].SourceFile
	})
	return entries, nil
}

func classify(name string) (string, Format, bool) {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".txt":
		return strings.TrimSuffix(name, filepath.Ext(name)), FormatText, true
	case ".json":
		return strings.TrimSuffix(name, filepath.Ext(name)), FormatJSON, true
	}
	return "", "", false
}

// jsonDocument is the JSON extraction format.
type jsonDocument struct {
	SourceFile string     `json:"source_file"`
	Pages      []jsonPage `json:"pages"`
}

type jsonPage struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

// Load reads an entry into a chunk.Document.
func Load(e Entry) (*chunk.Document, error) {
	data, err := os.ReadFile(e.Path)
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeFileNotFound, "read extracted document", err).
			WithDetail("source_file", e.SourceFile)
	}

	switch e.Format {
	case FormatText:
		return parseText(e.SourceFile, string(data)), nil
	case FormatJSON:
		return parseJSON(e.SourceFile, data)
	default:
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidInput, "unsupported format: "+string(e.Format), nil)
	}
}

// parseText splits pdftotext output on form feeds. pdftotext terminates the
// last page with \f too, so a trailing empty page is dropped.
func parseText(sourceFile, text string) *chunk.Document {
	parts := strings.Split(text, "\f")
	if len(parts) > 1 && strings.TrimSpace(parts[len(parts)-1]) == "" {
		parts = parts[:len(parts)-1]
	}
	doc := &chunk.Document{SourceFile: sourceFile}
	for i, p := range parts {
		doc.Pages = append(doc.Pages, chunk.Page{Number: i + 1, Text: p})
	}
	return doc
}

func parseJSON(sourceFile string, data []byte) (*chunk.Document, error) {
	var jd jsonDocument
	if err := json.Unmarshal(data, &jd); err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidInput, "parse extracted JSON", err).
			WithDetail("source_file", sourceFile)
	}
	// The file name decides identity so removal by name stays predictable.
	doc := &chunk.Document{SourceFile: sourceFile}
	for i, p := range jd.Pages {
		n := p.Page
		if n <= 0 {
			n = i + 1
		}
		doc.Pages = append(doc.Pages, chunk.Page{Number: n, Text: p.Text})
	}
	return doc, nil
}
