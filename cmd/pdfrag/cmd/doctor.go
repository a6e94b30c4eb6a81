package cmd

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pdfrag/internal/embed"
	"github.com/Aman-CERP/pdfrag/internal/preflight"
)

var errDoctorFailed = errors.New("system check failed")

// doctorReport is the --json form of a doctor run.
type doctorReport struct {
	Status   string                  `json:"status"`
	Checks   []preflight.CheckResult `json:"checks"`
	Warnings []string                `json:"warnings,omitempty"`
	Errors   []string                `json:"errors,omitempty"`
}

func newDoctorCmd() *cobra.Command {
	var (
		verbose    bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment and diagnose issues",
		Long: `Run diagnostics for the current project.

Checks:
  - Disk space under the data directory (100MB minimum)
  - Write permission on the data directory
  - File descriptor limit (256 minimum)
  - Extracted documents in the source directory
  - Embedding provider reachable
  - Configured model matches the corpus

Only the first three are required; ingest runs them once per data
directory on its own.`,
		Example: `  pdfrag doctor
  pdfrag doctor --verbose
  pdfrag doctor --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd, verbose, jsonOutput)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed diagnostic info")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runDoctor(cmd *cobra.Command, verbose, jsonOutput bool) error {
	ctx := cmd.Context()
	p, err := loadProject()
	if err != nil {
		return err
	}

	target := preflight.Target{DataDir: p.dataDir, SourceDir: p.sourceDir}
	embedder, err := embed.New(ctx, p.cfg.Embeddings)
	if err != nil {
		target.EmbedderErr = err
	} else {
		target.Embedder = embedder
		defer func() { _ = embedder.Close() }()
	}

	checker := preflight.New(
		preflight.WithVerbose(verbose),
		preflight.WithOutput(cmd.OutOrStdout()),
	)
	results := checker.RunAll(ctx, target)
	failed := checker.HasCriticalFailures(results)
	if failed {
		// Force ingest to re-check once the problem is fixed.
		_ = preflight.ClearMarker(p.dataDir)
	}

	if jsonOutput {
		report := doctorReport{Status: checker.SummaryStatus(results), Checks: results}
		report.Errors, report.Warnings = checker.Problems(results)
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			return err
		}
	} else {
		checker.PrintResults(results)
		if age := preflight.MarkerAge(p.dataDir); age > 0 {
			cmd.Printf("\nLast successful check: %s ago\n", age.Round(time.Second))
		}
	}

	if failed && jsonOutput {
		return reported{errDoctorFailed}
	}
	if failed {
		return errDoctorFailed
	}
	return nil
}
