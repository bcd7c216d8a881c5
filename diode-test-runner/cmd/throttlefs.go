package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/CrabeDeFrance/lidi/common/logging"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/cmd/common"
	"github.com/CrabeDeFrance/lidi/throttlefs"
)

const (
	cfgThrottleRate  = "rate"
	cfgThrottleDebug = "debug"
)

var (
	throttlefsCmd = &cobra.Command{
		Use:    "throttlefs --rate <bytes/s> <mount point> <source>",
		Short:  "mount a read rate limited view of a directory",
		Hidden: true,
		Args:   cobra.ExactArgs(2),
		RunE:   runThrottlefs,
	}

	throttlefsFlags = flag.NewFlagSet("", flag.ContinueOnError)
)

func runThrottlefs(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	rate, _ := throttlefsFlags.GetInt64(cfgThrottleRate)
	debug, _ := throttlefsFlags.GetBool(cfgThrottleDebug)
	cfg := throttlefs.Config{
		MountPoint:     args[0],
		Source:         args[1],
		BytesPerSecond: rate,
		Debug:          debug,
	}

	var logFmt logging.Format
	if err := logFmt.Set(viper.GetString(common.CfgLogFmt)); err != nil {
		return fmt.Errorf("throttlefs: failed to set log format: %w", err)
	}
	var logLevel logging.Level
	if err := logLevel.Set(viper.GetString(common.CfgLogLevel)); err != nil {
		return fmt.Errorf("throttlefs: failed to set log level: %w", err)
	}
	logger, err := logging.NewLogger(os.Stderr, logFmt, logLevel, "throttlefs")
	if err != nil {
		return fmt.Errorf("throttlefs: failed to initialize logging: %w", err)
	}
	cfg.Logger = logger

	logger.Info("mounting throttled view",
		"mount_point", cfg.MountPoint,
		"source", cfg.Source,
		"bytes_per_second", cfg.BytesPerSecond,
	)

	// The runner stops the throttle with SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err = throttlefs.Serve(ctx, cfg); err != nil {
		logger.Error("throttled view failed",
			"err", err,
		)
		return err
	}

	logger.Info("throttled view unmounted")
	return nil
}

func init() {
	throttlefsFlags.Int64(cfgThrottleRate, 0, "read rate limit in bytes per second")
	throttlefsFlags.Bool(cfgThrottleDebug, false, "log FUSE requests")
	throttlefsCmd.Flags().AddFlagSet(throttlefsFlags)
	rootCmd.AddCommand(throttlefsCmd)
}
