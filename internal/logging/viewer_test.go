package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `{"time":"2026-03-01T10:00:00.000Z","level":"INFO","msg":"retrieval_ready","pid":7,"chunks":12}
{"time":"2026-03-01T10:00:01.000Z","level":"DEBUG","msg":"mcp_tools_registered","count":2}
not json at all
{"time":"2026-03-01T10:00:02.000Z","level":"ERROR","msg":"search_failed","error":"corpus unavailable"}
{"time":"2026-03-01T10:00:03.000Z","level":"WARN","msg":"corpus_inconsistent","orphans":3}
`

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pdfrag.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseLine(t *testing.T) {
	entry := ParseLine(`{"time":"2026-03-01T10:00:00.000Z","level":"INFO","msg":"retrieval_ready","chunks":12}`)

	assert.True(t, entry.IsValid)
	assert.Equal(t, "INFO", entry.Level)
	assert.Equal(t, "retrieval_ready", entry.Msg)
	assert.Equal(t, map[string]any{"chunks": float64(12)}, entry.Attrs)
	assert.Equal(t, 2026, entry.Time.Year())

	raw := ParseLine("panic: boom")
	assert.False(t, raw.IsValid)
	assert.Equal(t, "panic: boom", raw.Raw)
}

func TestViewer_TailLastLines(t *testing.T) {
	path := writeLog(t, sampleLog)
	v := NewViewer(ViewerConfig{NoColor: true}, &bytes.Buffer{})

	entries, err := v.Tail(path, 2)

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "search_failed", entries[0].Msg)
	assert.Equal(t, "corpus_inconsistent", entries[1].Msg)
}

func TestViewer_LevelFilter(t *testing.T) {
	// Given: a viewer showing warnings and above
	path := writeLog(t, sampleLog)
	v := NewViewer(ViewerConfig{Level: "warn", NoColor: true}, &bytes.Buffer{})

	// When: the whole file is read
	entries, err := v.Tail(path, 100)
	require.NoError(t, err)

	// Then: lower levels are dropped and non-JSON lines pass through
	msgs := []string{}
	for _, e := range entries {
		msgs = append(msgs, e.Msg)
	}
	assert.Equal(t, []string{"", "search_failed", "corpus_inconsistent"}, msgs)
}

func TestViewer_PatternFilter(t *testing.T) {
	path := writeLog(t, sampleLog)
	v := NewViewer(ViewerConfig{Pattern: regexp.MustCompile(`corpus`), NoColor: true}, &bytes.Buffer{})

	entries, err := v.Tail(path, 100)

	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestViewer_FormatEntry(t *testing.T) {
	buf := &bytes.Buffer{}
	v := NewViewer(ViewerConfig{NoColor: true}, buf)
	entry := ParseLine(`{"time":"2026-03-01T10:00:00.000Z","level":"INFO","msg":"retrieval_ready","pid":7,"chunks":12}`)

	v.Print([]LogEntry{entry, ParseLine("plain text")})

	ts := entry.Time.Local().Format("15:04:05.000")
	assert.Equal(t, ts+" INFO  retrieval_ready chunks=12 pid=7\nplain text\n", buf.String())
}

func TestViewer_FollowSeesAppendedLines(t *testing.T) {
	// Given: a follower on an existing log
	path := writeLog(t, sampleLog)
	v := NewViewer(ViewerConfig{Level: "info", NoColor: true}, &bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entries := make(chan LogEntry, 10)
	done := make(chan error, 1)
	go func() { done <- v.Follow(ctx, path, entries) }()
	time.Sleep(3 * followInterval)

	// When: lines are appended
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"time":"2026-03-01T10:00:04.000Z","level":"DEBUG","msg":"skipped"}` + "\n" +
		`{"time":"2026-03-01T10:00:05.000Z","level":"INFO","msg":"snapshot_reloaded"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Then: only the new matching line arrives
	select {
	case e := <-entries:
		assert.Equal(t, "snapshot_reloaded", e.Msg)
	case <-time.After(5 * time.Second):
		t.Fatal("no entry followed")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestLevelRank(t *testing.T) {
	assert.Less(t, levelRank("DEBUG"), levelRank("info"))
	assert.Less(t, levelRank("info"), levelRank("WARN"))
	assert.Equal(t, levelRank("warn"), levelRank("warning"))
	assert.Less(t, levelRank("warn"), levelRank("error"))
	assert.Zero(t, levelRank(""))
}
