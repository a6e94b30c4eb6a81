package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/Aman-CERP/pdfrag/internal/config"
	"github.com/Aman-CERP/pdfrag/internal/corpus"
	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// project is the resolved configuration of one invocation.
type project struct {
	root      string
	cfg       *config.Config
	dataDir   string
	sourceDir string
}

// loadProject finds the project root from --dir and loads its configuration.
func loadProject() (*project, error) {
	root, err := config.FindProjectRoot(flags.dir)
	if err != nil {
		return nil, ragerrors.ConfigurationError("failed to resolve project directory", err)
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, ragerrors.ConfigurationError(err.Error(), err)
	}
	return &project{
		root:      root,
		cfg:       cfg,
		dataDir:   cfg.ResolveDataDir(root),
		sourceDir: cfg.ResolveSourceDir(root),
	}, nil
}

// revalidate re-checks the configuration after flag overrides.
func (p *project) revalidate() error {
	if err := p.cfg.Validate(); err != nil {
		return ragerrors.ConfigurationError(fmt.Sprintf("invalid configuration: %v", err), err)
	}
	return nil
}

// openSnapshot loads a read-only snapshot, failing with CorpusUnavailable
// when nothing has been ingested into the data directory yet.
func (p *project) openSnapshot(ctx context.Context) (*corpus.Snapshot, error) {
	return corpus.LoadSnapshot(ctx, p.dataDir)
}

// requireDataDir checks that the data directory exists.
func (p *project) requireDataDir() error {
	_, err := os.Stat(p.dataDir)
	if os.IsNotExist(err) {
		return ragerrors.CorpusUnavailable("no corpus at " + p.dataDir)
	}
	if err != nil {
		return ragerrors.New(ragerrors.ErrCodeFilePermission, "failed to access data directory", err).
			WithDetail("path", p.dataDir)
	}
	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
