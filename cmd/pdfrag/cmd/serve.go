package cmd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pdfrag/internal/embed"
	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/logging"
	"github.com/Aman-CERP/pdfrag/internal/mcp"
	"github.com/Aman-CERP/pdfrag/internal/retrieval"
	"github.com/Aman-CERP/pdfrag/internal/telemetry"
	"github.com/Aman-CERP/pdfrag/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long: `Serve the corpus to MCP clients over stdio with the search_documents and
list_sources tools and the query_metrics resource.

The server never writes to the corpus. It loads a snapshot under the shared
commit lock and, unless --no-watch is given or server.watch is false,
reloads it after every commit made by a concurrent ingest or removal.

Logs go to ~/.pdfrag/logs/pdfrag.log; stdout carries only JSON-RPC.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationServeLogging: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			if noWatch {
				p.cfg.Server.Watch = false
			}
			return runServe(cmd.Context(), p, nil)
		},
	}

	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the corpus after external commits")

	return cmd
}

// runServe serves p until ctx is done, the client disconnects or the corpus
// fails to load. A nil transport means the configured one.
func runServe(ctx context.Context, p *project, transport sdkmcp.Transport) error {
	cfg := p.cfg
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cleanup, err := logging.SetupServeMode(cfg.Server.LogLevel, flags.debug)
	if err == nil {
		defer cleanup()
	}

	embedder, err := embed.NewQueryEmbedder(ctx, cfg.Embeddings, cfg.Search.QueryCacheSize)
	if err != nil {
		slog.Error("embedder_init_failed", ragerrors.FormatForLog(err))
		return err
	}

	metrics := telemetry.NewQueryMetrics(telemetry.DefaultConfig())
	svc, err := retrieval.New(embedder, retrieval.Options{
		DataDir:       p.dataDir,
		DefaultK:      cfg.Search.DefaultK,
		KeywordWeight: cfg.Search.KeywordWeight,
		Metrics:       metrics,
	})
	if err != nil {
		_ = embedder.Close()
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = svc.Shutdown(shutdownCtx)
	}()

	// Load in the background so the MCP handshake is not delayed; queries
	// block until the corpus is ready. A failed load stops the server.
	var initErr error
	initDone := make(chan struct{})
	go func() {
		defer close(initDone)
		if err := svc.Initialize(ctx); err != nil {
			initErr = err
			slog.Error("retrieval_init_failed", ragerrors.FormatForLog(err))
			cancel()
		}
	}()

	if cfg.Server.Watch {
		w, err := retrieval.NewWatcher(svc, watcher.DefaultOptions())
		if err != nil {
			slog.Warn("snapshot_watch_unavailable", slog.String("error", err.Error()))
		} else {
			go func() {
				if err := w.Run(ctx); err != nil {
					slog.Warn("snapshot_watch_stopped", slog.String("error", err.Error()))
				}
			}()
		}
	}

	server, err := mcp.NewServer(svc, metrics)
	if err != nil {
		return err
	}
	if transport != nil {
		err = server.ServeTransport(ctx, transport)
	} else {
		err = server.Serve(ctx, cfg.Server.Transport)
	}

	cancel()
	<-initDone
	if initErr != nil && !errors.Is(initErr, context.Canceled) && !errors.Is(initErr, context.DeadlineExceeded) {
		return initErr
	}
	return err
}
