// Package cmd implements the CLI commands for remux.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/remux/internal/config"
	"github.com/jmylchreest/remux/internal/format"
	"github.com/jmylchreest/remux/internal/format/fmp4"
	"github.com/jmylchreest/remux/internal/format/mpegts"
	"github.com/jmylchreest/remux/internal/media"
	"github.com/jmylchreest/remux/internal/observability"
	"github.com/jmylchreest/remux/internal/preflight"
	"github.com/jmylchreest/remux/internal/remux"
	"github.com/jmylchreest/remux/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string

	cfg    *config.Config
	cfgErr error
	logger = slog.Default()
)

// rootCmd remuxes one file when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:     "remux [flags] <input-file> <output-file>",
	Short:   "Copy media streams between container formats without re-encoding",
	Version: version.Short(),
	Long: `remux copies every stream of an input container into a new output
container without decoding it. Codec parameters, side data, metadata and
timestamps are carried across, rescaled to the output time base.

Supported containers: MPEG-TS (.ts, .m2ts) and fragmented MP4 (.mp4, .m4s).
The output format is guessed from the output file extension unless --format
is given.

An input file named like a subcommand (probe, batch, config, version) is
taken as that subcommand. Put the files after "--" to remux it:

  remux -- batch out.mp4`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRemux,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// initLogging references rootCmd.PersistentFlags
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		if cfgErr != nil {
			return cfgErr
		}
		return initLogging()
	}

	// Log flags are not bound to viper. They override config/env values
	// only when Changed, so the priority stays flag > env > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or $HOME/.config/remux/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	rootCmd.Flags().String("format", "", "force the output container format (mpegts, mp4)")
	rootCmd.Flags().String("on-write-error", config.WritePolicyContinue,
		"what to do when a packet cannot be written (continue, fail)")
}

// initConfig loads the config file and REMUX_ environment variables.
func initConfig() {
	cfg, cfgErr = config.Load(cfgFile)
}

// initLogging configures the slog logger based on configuration.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (REMUX_LOGGING_LEVEL, REMUX_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, text)
func initLogging() error {
	flags := rootCmd.PersistentFlags()
	logCfg := cfg.Logging
	logCfg.Level = strings.ToLower(changedString(flags, "log-level", logCfg.Level))
	logCfg.Format = strings.ToLower(changedString(flags, "log-format", logCfg.Format))

	// Handle "warning" as an alias for "warn"
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger = observability.NewLogger(logCfg)
	observability.SetDefault(logger)
	return nil
}

// newRegistry builds the container format registry from configuration.
func newRegistry() (*format.Registry, error) {
	reg, err := format.NewRegistry(
		mpegts.NewFormat(mpegts.Config{
			Logger:       observability.WithComponent(logger, "mpegts"),
			ScanSize:     cfg.Formats.MPEGTS.ScanSize.Int64(),
			ProbePackets: cfg.Formats.MPEGTS.ProbePackets,
		}),
		fmp4.NewFormat(fmp4.Config{
			Logger:           observability.WithComponent(logger, "fmp4"),
			FragmentDuration: cfg.Formats.FMP4.FragmentDuration,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("registering formats: %w", err)
	}
	return reg, nil
}

// sessionOptions resolves the session options, letting explicitly set flags
// override configuration.
func sessionOptions(cmd *cobra.Command) (remux.Options, error) {
	policy, err := remux.ParseWritePolicy(changedString(cmd.Flags(), "on-write-error", cfg.Remux.WritePolicy))
	if err != nil {
		return remux.Options{}, media.NewErrorCode(media.KindPreflight, "invalid --on-write-error", media.CodePreflight, err)
	}

	return remux.Options{
		Logger:      logger,
		Format:      changedString(cmd.Flags(), "format", cfg.Remux.OutputFormat),
		WritePolicy: policy,
	}, nil
}

func runRemux(cmd *cobra.Command, args []string) error {
	if err := preflight.CheckArgs(args); err != nil {
		return err
	}
	in, out := args[0], args[1]
	if err := preflight.CheckInput(in, cfg.Remux.ProbeSize); err != nil {
		return err
	}
	if err := preflight.CheckOutput(out); err != nil {
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

	_, err = remux.Run(cmd.Context(), reg, in, out, opts)
	return err
}

// changedString returns the flag value when it was set on the command line,
// otherwise fallback.
func changedString(flags *pflag.FlagSet, name, fallback string) string {
	if !flags.Changed(name) {
		return fallback
	}
	v, err := flags.GetString(name)
	if err != nil {
		return fallback
	}
	return v
}
