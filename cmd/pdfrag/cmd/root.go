// Package cmd provides the CLI commands for pdfrag.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/logging"
	"github.com/Aman-CERP/pdfrag/internal/profiling"
	"github.com/Aman-CERP/pdfrag/pkg/version"
)

// annotationServeLogging marks commands that install their own file-only logger.
const annotationServeLogging = "serve-logging"

// rootFlags are shared by every subcommand.
type rootFlags struct {
	dir     string
	debug   bool
	noColor bool
	profile profiling.Options
}

var (
	flags          rootFlags
	profileSession *profiling.Session
	loggingCleanup func()
)

// NewRootCmd creates the root command for the pdfrag CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pdfrag",
		Short: "Ingest extracted PDF text and serve it to MCP clients",
		Long: `pdfrag chunks and embeds text extracted from PDF documents into a local
corpus made of a metadata ledger and a vector index, kept consistent on
every write, and serves semantic search over it through the Model Context
Protocol.

Typical use:
  pdfrag ingest            # embed everything under extracted/
  pdfrag search "query"    # try a query from the terminal
  pdfrag serve             # run the MCP server on stdio`,
		Version:           version.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: startProfilingAndLogging,
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return stopProfilingAndLogging()
		},
	}
	cmd.SetVersionTemplate("pdfrag version {{.Version}}\n")

	flags = rootFlags{}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.dir, "dir", "C", ".", "Project directory (searched upward for .pdfrag.yaml)")
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logging (mirrored to stderr except in serve)")
	pf.BoolVar(&flags.noColor, "no-color", false, "Disable colored output")
	pf.StringVar(&flags.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	pf.StringVar(&flags.profile.Mem, "profile-mem", "", "Write memory profile to file")
	pf.StringVar(&flags.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newSourcesCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newCompactCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func startProfilingAndLogging(cmd *cobra.Command, _ []string) error {
	if _, ok := cmd.Annotations[annotationServeLogging]; !ok {
		cleanup, err := logging.SetupCLI("info", flags.debug)
		if err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}
		loggingCleanup = cleanup
	}

	if flags.profile.Enabled() {
		session, err := profiling.Start(flags.profile)
		if err != nil {
			return err
		}
		profileSession = session
	}
	return nil
}

func stopProfilingAndLogging() error {
	err := profileSession.Stop()
	profileSession = nil

	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	if err != nil {
		return fmt.Errorf("failed to write profiles: %w", err)
	}
	return nil
}

// Execute runs the root command with Ctrl+C cancelling the context, and
// prints failures in CLI form.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	cmd, err := root.ExecuteContextC(ctx)
	if cmd == nil {
		cmd = root
	}
	if err != nil {
		// PersistentPostRun does not run after a failed command.
		_ = stopProfilingAndLogging()
		slog.Debug("command_failed", ragerrors.FormatForLog(err))
		reportError(cmd, err)
	}
	return err
}

// reported marks a failure the command already described in its --json
// output.
type reported struct{ error }

func (r reported) Unwrap() error { return r.error }

// reportError prints err as JSON on stdout when cmd ran with --json, and in
// CLI form on stderr otherwise.
func reportError(cmd *cobra.Command, err error) {
	if f := cmd.Flags().Lookup("json"); f != nil && f.Value.String() == "true" {
		var r reported
		if errors.As(err, &r) {
			return
		}
		if data, jerr := ragerrors.FormatJSON(err); jerr == nil {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return
		}
	}
	_, _ = fmt.Fprint(cmd.ErrOrStderr(), ragerrors.FormatForCLI(err))
}
