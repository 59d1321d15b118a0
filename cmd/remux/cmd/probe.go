package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jmylchreest/remux/internal/preflight"
	"github.com/jmylchreest/remux/internal/probe"
)

var probeOutput string

var probeCmd = &cobra.Command{
	Use:   "probe <input-file>",
	Short: "Describe the streams of a container file",
	Long: `Print the container format, container metadata and every stream of an
input file: codec, bit rate, duration, video dimensions and aspect ratio,
audio channel layout and sample rate, side data and stream metadata.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := preflight.CheckInput(args[0], cfg.Remux.ProbeSize); err != nil {
			return err
		}
		reg, err := newRegistry()
		if err != nil {
			return err
		}

		report, err := probe.Probe(cmd.Context(), reg, args[0])
		if err != nil {
			return err
		}
		return probe.Write(cmd.OutOrStdout(), report, probeOutput)
	},
}

func init() {
	probeCmd.Flags().StringVarP(&probeOutput, "output", "o", probe.OutputText, "output format (text, json, yaml)")
	rootCmd.AddCommand(probeCmd)
}
