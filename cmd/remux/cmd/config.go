package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing remux configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format: defaults, overridden by
the config file and REMUX_ environment variables.

You can redirect this output to a file to create a configuration template:

  remux config dump > config.yaml

Environment variables use the REMUX_ prefix and underscores for nesting.
Example: batch.concurrency -> REMUX_BATCH_CONCURRENCY`,
	Args: cobra.NoArgs,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# remux configuration")
	fmt.Fprintln(out, "# Duration format: 500ms, 2s, 1m")
	fmt.Fprintln(out, "# Size format: 512KB, 4MB")
	fmt.Fprintln(out)
	fmt.Fprint(out, string(yamlData))
	return nil
}
