package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/pdfrag/configs"
	"github.com/Aman-CERP/pdfrag/internal/config"
	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage pdfrag configuration.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/pdfrag/config.yaml)
  3. Project config (.pdfrag.yaml)
  4. .env in the project root, then environment variables (PDFRAG_*)

API keys (VOYAGE_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY) are read from the
environment only and never written to a file.`,
		Example: `  # Write a commented project config
  pdfrag config init

  # Write every setting with its default value
  pdfrag config init --defaults

  # Show effective configuration
  pdfrag config show`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force, user, defaults bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.GetUserConfigPath()
			if !user {
				root, err := filepath.Abs(flags.dir)
				if err != nil {
					return fmt.Errorf("failed to resolve path: %w", err)
				}
				path = filepath.Join(root, config.ProjectConfigName)
			}

			if _, err := os.Stat(path); err == nil && !force {
				return ragerrors.New(ragerrors.ErrCodeInvalidInput, "configuration already exists at "+path, nil).
					WithSuggestion("Use --force to overwrite it")
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return ragerrors.New(ragerrors.ErrCodeConfigPermission, "failed to create config directory", err)
			}
			if err := writeConfigFile(path, user, defaults); err != nil {
				return ragerrors.New(ragerrors.ErrCodeConfigPermission, "failed to write configuration", err).
					WithDetail("path", path)
			}

			output.New(cmd.OutOrStdout()).Successf("Wrote %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.Flags().BoolVar(&user, "user", false, "Write the user config instead of the project config")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Write every setting with its default instead of the commented template")

	return cmd
}

// writeConfigFile writes the commented template for the chosen level, or
// the full default configuration.
func writeConfigFile(path string, user, defaults bool) error {
	if defaults {
		return config.NewConfig().WriteYAML(path)
	}
	template := configs.ProjectConfigTemplate
	if user {
		template = configs.UserConfigTemplate
	}
	return os.WriteFile(path, []byte(template), 0o644)
}

func newConfigShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(p.cfg)
			}
			data, err := yaml.Marshal(p.cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the user and project configuration paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "user:    %s\n", config.GetUserConfigPath())
			_, _ = fmt.Fprintf(out, "project: %s\n", filepath.Join(p.root, config.ProjectConfigName))
			_, _ = fmt.Fprintf(out, "data:    %s\n", p.dataDir)
			_, _ = fmt.Fprintf(out, "source:  %s\n", p.sourceDir)
			return nil
		},
	}
}
