package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/store"
	"github.com/Aman-CERP/pdfrag/internal/watcher"
)

// Watcher reloads a Service after each completed commit in its data
// directory. A commit rewrites metadata.json and the vector index; the
// debounced batch arrives once the writes go quiet, and Reload then waits on
// the shared commit lock for the commit to finish.
type Watcher struct {
	svc      *Service
	watcher  *watcher.HybridWatcher
	interval time.Duration
}

// NewWatcher creates a reload watcher for svc.
func NewWatcher(svc *Service, opts watcher.Options) (*Watcher, error) {
	opts = opts.WithDefaults()
	opts.Files = []string{
		store.MetadataFileName,
		store.VectorFileName,
		store.VectorFileName + ".meta",
	}
	hw, err := watcher.NewHybridWatcher(opts)
	if err != nil {
		return nil, err
	}
	return &Watcher{svc: svc, watcher: hw, interval: opts.PollInterval}, nil
}

// Run blocks until ctx is cancelled, reloading on every change batch.
func (w *Watcher) Run(ctx context.Context) error {
	dir := w.svc.DataDir()
	appeared, err := waitForDir(ctx, dir, w.interval)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	startErr := make(chan error, 1)
	go func() {
		startErr <- w.watcher.Start(ctx, dir)
	}()
	defer func() { _ = w.watcher.Stop() }()

	slog.Info("snapshot_watch_started",
		slog.String("data_dir", dir),
		slog.String("mode", w.watcher.WatcherType()))

	// A commit may have landed before the watch began.
	if appeared {
		w.reload(ctx, nil)
	}

	errs := w.watcher.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-startErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case batch, ok := <-w.watcher.Events():
			if !ok {
				return nil
			}
			w.reload(ctx, batch)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("snapshot_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload(ctx context.Context, batch []watcher.FileEvent) {
	if err := w.svc.Reload(ctx); err != nil {
		slog.Error("snapshot_reload_failed",
			slog.Int("changed_files", len(batch)),
			slog.String("error", err.Error()))
	}
}

// waitForDir blocks until dir exists or ctx is done. It reports whether it
// had to wait. The data directory is created by the first writer, never here.
func waitForDir(ctx context.Context, dir string, every time.Duration) (bool, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	waited := false
	for {
		info, err := os.Stat(dir)
		switch {
		case err == nil && info.IsDir():
			return waited, nil
		case err == nil:
			return false, ragerrors.New(ragerrors.ErrCodeFilePermission, "data path is not a directory", nil).
				WithDetail("path", dir)
		case !errors.Is(err, os.ErrNotExist):
			return false, ragerrors.New(ragerrors.ErrCodeFilePermission, "cannot read data directory", err).
				WithDetail("path", dir)
		}
		if !waited {
			slog.Info("snapshot_watch_waiting", slog.String("data_dir", dir))
			waited = true
		}
		select {
		case <-ctx.Done():
			return waited, nil
		case <-ticker.C:
		}
	}
}
