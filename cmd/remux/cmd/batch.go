package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/remux/internal/remux"
)

var batchCmd = &cobra.Command{
	Use:   "batch <manifest.yaml>",
	Short: "Remux every job listed in a manifest",
	Long: `Run the remux jobs listed in a YAML manifest, several at a time.

The manifest is a list of jobs:

  - input: in/news.ts
    output: out/news.mp4
  - input: in/clip.mp4
    output: out/clip.out
    format: mpegts

batch.concurrency bounds the number of jobs running at once. With
batch.fail_fast the first failing job cancels the rest.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().String("on-write-error", "", "what to do when a packet cannot be written (continue, fail)")
	batchCmd.Flags().String("format", "", "force the output container format for jobs without one")
	rootCmd.AddCommand(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	jobs, err := remux.LoadManifest(args[0])
	if err != nil {
		return err
	}

	opts, err := sessionOptions(cmd)
	if err != nil {
		return err
	}
	reg, err := newRegistry()
	if err != nil {
		return err
	}

	results, err := remux.RunBatch(cmd.Context(), reg, jobs, remux.BatchOptions{
		Options:     opts,
		Concurrency: cfg.Batch.Concurrency,
		FailFast:    cfg.Batch.FailFast,
		ProbeSize:   cfg.Remux.ProbeSize,
	})

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			continue
		}
		logger.Debug("job completed",
			slog.String("input", res.Job.Input),
			slog.String("output", res.Job.Output),
			slog.Int64("written", res.Stats.Written),
		)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d jobs completed\n", len(results)-failed, len(results))
	return err
}
