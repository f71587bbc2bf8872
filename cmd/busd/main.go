package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/busd"
	"pkt.systems/pslog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := submain(ctx)
	stop()
	os.Exit(code)
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("BUSD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "busd")
	cmd := newRootCommand(baseLogger)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "busd",
		Short:         "busd is an in-process capability message bus with atomic multicast transactions",
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("pool-size", humanizeBytes(busd.DefaultPoolCapacity), "per-peer payload pool capacity")
	pf.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	cobra.CheckErr(viper.BindPFlags(pf))
	viper.SetEnvPrefix("BUSD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cmd.Flags().Visit(func(f *pflag.Flag) {
			baseLogger.Debug("config.flag", "name", f.Name, "value", f.Value.String())
		})
	}

	cmd.AddCommand(newSelftestCommand(baseLogger))
	cmd.AddCommand(newBenchCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// setupBus builds a bus and optional telemetry from the persistent flags.
func setupBus(ctx context.Context, baseLogger pslog.Logger) (*busd.Bus, *busd.TelemetryBundle, pslog.Logger, error) {
	logger := baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	poolSize, err := humanize.ParseBytes(viper.GetString("pool-size"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse --pool-size: %w", err)
	}
	metricsListen := strings.TrimSpace(viper.GetString("metrics-listen"))
	tel, err := busd.SetupTelemetry(ctx, metricsListen, "", logger)
	if err != nil {
		return nil, nil, nil, err
	}
	bus := busd.New(busd.Config{
		PoolCapacity:  int64(poolSize),
		Logger:        logger,
		EnableMetrics: metricsListen != "",
	})
	return bus, tel, logger, nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}
