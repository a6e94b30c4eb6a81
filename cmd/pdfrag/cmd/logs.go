package cmd

import (
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pdfrag/internal/logging"
	"github.com/Aman-CERP/pdfrag/internal/ui"
)

type logsOptions struct {
	follow  bool
	lines   int
	level   string
	filter  string
	logFile string
}

func newLogsCmd() *cobra.Command {
	var opts logsOptions

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View pdfrag logs",
		Long: `Show the last lines of the pdfrag log file, which is where 'pdfrag serve'
writes everything since stdout belongs to the MCP client.

Examples:
  pdfrag logs                   # last 50 lines
  pdfrag logs -f                # follow new entries
  pdfrag logs --level warn      # warnings and errors only
  pdfrag logs --filter reload   # lines matching a regex`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationServeLogging: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogs(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Follow log output (like tail -f)")
	cmd.Flags().IntVarP(&opts.lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().StringVar(&opts.level, "level", "", "Minimum level to show (debug|info|warn|error)")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "Only show lines matching this regex")
	cmd.Flags().StringVar(&opts.logFile, "file", "", "Log file (default ~/.pdfrag/logs/pdfrag.log)")

	return cmd
}

func runLogs(cmd *cobra.Command, opts logsOptions) error {
	path := opts.logFile
	if path == "" {
		path = logging.DefaultLogPath()
	}

	var pattern *regexp.Regexp
	if opts.filter != "" {
		var err error
		pattern, err = regexp.Compile(opts.filter)
		if err != nil {
			return fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	viewer := logging.NewViewer(logging.ViewerConfig{
		Level:   opts.level,
		Pattern: pattern,
		NoColor: flags.noColor || ui.DetectNoColor() || !ui.IsTTY(out),
	}, out)

	entries, err := viewer.Tail(path, opts.lines)
	if err != nil {
		return err
	}
	viewer.Print(entries)
	if !opts.follow {
		return nil
	}

	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "--- following %s (Ctrl+C to stop)\n", path)
	followed := make(chan logging.LogEntry, 100)
	errCh := make(chan error, 1)
	go func() {
		errCh <- viewer.Follow(cmd.Context(), path, followed)
	}()
	for {
		select {
		case entry := <-followed:
			_, _ = fmt.Fprintln(out, viewer.FormatEntry(entry))
		case err := <-errCh:
			return err
		}
	}
}
