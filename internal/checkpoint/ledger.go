// Package checkpoint persists ingestion progress so an interrupted run can
// resume without re-embedding committed work.
//
// A source file is recorded as processed only after all of its records have
// been committed to both stores. Within the file being processed, a batch
// cursor names the next batch to embed.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// FileName is the ledger database inside the data directory.
const FileName = "checkpoint.db"

// State keys
const (
	stateCursorSource    = "cursor_source_file"
	stateCursorNextBatch = "cursor_next_batch"
	stateCursorBatchSize = "cursor_batch_size"
	stateCursorModel     = "cursor_embedding_model"
	stateCursorChunking  = "cursor_chunk_config"
	stateCursorUpdated   = "cursor_updated_at"
)

// Cursor is the resumption point inside the source file being processed.
type Cursor struct {
	SourceFile     string
	NextBatch      int // first batch not yet committed
	BatchSize      int
	EmbeddingModel string
	ChunkConfig    string // chunker fingerprint the batches were cut with
	UpdatedAt      time.Time
}

// ResumesFrom reports the first batch to embed for sourceFile, or 0 when the
// cursor belongs to another file, model, chunker configuration or batch size.
func (c *Cursor) ResumesFrom(sourceFile, model, chunkConfig string, batchSize int) int {
	if c == nil || c.SourceFile != sourceFile || c.EmbeddingModel != model ||
		c.ChunkConfig != chunkConfig || c.BatchSize != batchSize {
		return 0
	}
	return c.NextBatch
}

// Committed returns how many leading positions of sourceFile the cursor
// covers: an upper bound, since the last batch may have been short.
func (c *Cursor) Committed(sourceFile string) int {
	if c == nil || c.SourceFile != sourceFile {
		return 0
	}
	return c.NextBatch * c.BatchSize
}

// ProcessedFile is a source file fully committed to both stores.
type ProcessedFile struct {
	SourceFile     string
	Chunks         int
	EmbeddingModel string
	CompletedAt    time.Time
}

// Checkpoint is a snapshot of ingestion progress.
type Checkpoint struct {
	ProcessedSourceFiles map[string]ProcessedFile
	LastBatchCursor      *Cursor
}

// IsDone reports whether sourceFile has been fully committed.
func (c *Checkpoint) IsDone(sourceFile string) bool {
	if c == nil {
		return false
	}
	_, ok := c.ProcessedSourceFiles[sourceFile]
	return ok
}

// Processed returns the processed source names, sorted.
func (c *Checkpoint) Processed() []string {
	out := make([]string, 0, len(c.ProcessedSourceFiles))
	for name := range c.ProcessedSourceFiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Ledger is the SQLite-backed checkpoint store.
type Ledger struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
}

// Open opens or creates the ledger at path. An empty path opens an in-memory
// ledger for tests.
func Open(path string) (*Ledger, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, checkpointError("failed to create directory", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, checkpointError("failed to open checkpoint database", err)
	}

	// Single writer; also keeps an in-memory database on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, checkpointError("failed to set pragma", err)
		}
	}

	l := &Ledger{db: db, path: path}
	if err := l.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- Key-value state (batch cursor)
	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Source files committed to both stores
	CREATE TABLE IF NOT EXISTS processed_files (
		source_file TEXT PRIMARY KEY,
		chunks INTEGER NOT NULL,
		embedding_model TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);

	-- Per-file status log, one row per decision
	CREATE TABLE IF NOT EXISTS file_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		source_file TEXT NOT NULL,
		status TEXT NOT NULL,
		chunks INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_file_events_run ON file_events(run_id);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return checkpointError("failed to initialize schema", err)
	}
	return nil
}

// Path returns the database path ("" for in-memory).
func (l *Ledger) Path() string { return l.path }

// Load reads the current checkpoint.
func (l *Ledger) Load(ctx context.Context) (*Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, errClosed
	}

	cp := &Checkpoint{ProcessedSourceFiles: make(map[string]ProcessedFile)}

	rows, err := l.db.QueryContext(ctx,
		`SELECT source_file, chunks, embedding_model, completed_at FROM processed_files`)
	if err != nil {
		return nil, checkpointError("failed to query processed files", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var pf ProcessedFile
		var completed string
		if err := rows.Scan(&pf.SourceFile, &pf.Chunks, &pf.EmbeddingModel, &completed); err != nil {
			return nil, checkpointError("failed to scan processed file", err)
		}
		pf.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		cp.ProcessedSourceFiles[pf.SourceFile] = pf
	}
	if err := rows.Err(); err != nil {
		return nil, checkpointError("failed to read processed files", err)
	}

	cursor, err := l.loadCursor(ctx)
	if err != nil {
		return nil, err
	}
	cp.LastBatchCursor = cursor
	return cp, nil
}

func (l *Ledger) loadCursor(ctx context.Context) (*Cursor, error) {
	state := make(map[string]string)
	rows, err := l.db.QueryContext(ctx, `SELECT key, value FROM state WHERE key LIKE 'cursor_%'`)
	if err != nil {
		return nil, checkpointError("failed to query cursor", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, checkpointError("failed to scan cursor", err)
		}
		state[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, checkpointError("failed to read cursor", err)
	}

	source, ok := state[stateCursorSource]
	if !ok || source == "" {
		return nil, nil
	}
	next, err := strconv.Atoi(state[stateCursorNextBatch])
	if err != nil {
		slog.Warn("checkpoint_cursor_invalid", slog.String("source_file", source), slog.String("error", err.Error()))
		return nil, nil
	}
	size, _ := strconv.Atoi(state[stateCursorBatchSize])
	updated, _ := time.Parse(time.RFC3339Nano, state[stateCursorUpdated])

	return &Cursor{
		SourceFile:     source,
		NextBatch:      next,
		BatchSize:      size,
		EmbeddingModel: state[stateCursorModel],
		ChunkConfig:    state[stateCursorChunking],
		UpdatedAt:      updated,
	}, nil
}

// AdvanceCursor records that every batch before c.NextBatch of c.SourceFile
// is committed.
func (l *Ledger) AdvanceCursor(ctx context.Context, c Cursor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errClosed
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return checkpointError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return checkpointError("prepare statement", err)
	}
	defer func() { _ = stmt.Close() }()

	values := map[string]string{
		stateCursorSource:    c.SourceFile,
		stateCursorNextBatch: strconv.Itoa(c.NextBatch),
		stateCursorBatchSize: strconv.Itoa(c.BatchSize),
		stateCursorModel:     c.EmbeddingModel,
		stateCursorChunking:  c.ChunkConfig,
		stateCursorUpdated:   c.UpdatedAt.Format(time.RFC3339Nano),
	}
	for k, v := range values {
		if _, err := stmt.ExecContext(ctx, k, v); err != nil {
			return checkpointError("save cursor", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return checkpointError("commit cursor", err)
	}
	return nil
}

// MarkProcessed records sourceFile as fully committed and clears the cursor
// in the same transaction.
func (l *Ledger) MarkProcessed(ctx context.Context, pf ProcessedFile) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errClosed
	}
	if pf.CompletedAt.IsZero() {
		pf.CompletedAt = time.Now().UTC()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return checkpointError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO processed_files (source_file, chunks, embedding_model, completed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(source_file) DO UPDATE SET
			chunks = excluded.chunks,
			embedding_model = excluded.embedding_model,
			completed_at = excluded.completed_at`,
		pf.SourceFile, pf.Chunks, pf.EmbeddingModel, pf.CompletedAt.Format(time.RFC3339Nano))
	if err != nil {
		return checkpointError("mark processed", err).WithDetail("source_file", pf.SourceFile)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM state WHERE key LIKE 'cursor_%'`); err != nil {
		return checkpointError("clear cursor", err)
	}

	if err := tx.Commit(); err != nil {
		return checkpointError("commit processed file", err)
	}
	return nil
}

// Forget removes sourceFile from the processed set, and the cursor if it
// points at it, so the file is ingested again on the next run.
func (l *Ledger) Forget(ctx context.Context, sourceFile string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errClosed
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return checkpointError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM processed_files WHERE source_file = ?`, sourceFile); err != nil {
		return checkpointError("forget processed file", err)
	}
	var current string
	err = tx.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, stateCursorSource).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return checkpointError("read cursor", err)
	}
	if current == sourceFile {
		if _, err := tx.ExecContext(ctx, `DELETE FROM state WHERE key LIKE 'cursor_%'`); err != nil {
			return checkpointError("clear cursor", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return checkpointError("commit forget", err)
	}
	return nil
}

// Reset clears all progress. Events are kept as history.
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errClosed
	}
	if _, err := l.db.ExecContext(ctx, `DELETE FROM processed_files; DELETE FROM state;`); err != nil {
		return checkpointError("reset checkpoint", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.path != "" {
		if _, err := l.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			slog.Warn("checkpoint_wal_flush_failed", slog.String("error", err.Error()))
		}
	}
	return l.db.Close()
}

var errClosed = ragerrors.New(ragerrors.ErrCodeCheckpointFailed, "checkpoint ledger is closed", nil)

func checkpointError(msg string, err error) *ragerrors.RagError {
	return ragerrors.New(ragerrors.ErrCodeCheckpointFailed, fmt.Sprintf("checkpoint: %s", msg), err)
}
