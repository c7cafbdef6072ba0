// Command bridge-sim runs a scripted host simulation against the
// propagation oracle and prints what each transmission saw.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/signalsfoundry/rt-oracle-bridge/bridge"
	"github.com/signalsfoundry/rt-oracle-bridge/hostsim"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/config"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/logging"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/observability"
)

type options struct {
	configPath   string
	scenarioPath string
	enabled      bool
	oraclePort   int
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		atexit.Fatalf("bridge-sim: %v", err)
	}
	atexit.Exit(0)
}

func newRootCmd(out io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "bridge-sim",
		Short:         "Drive a scripted host simulation through the oracle bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("enabled") {
				cfg.Enabled = opts.enabled
			}
			if cmd.Flags().Changed("oracle-port") {
				cfg.OraclePort = opts.oraclePort
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return run(ctx, cfg, opts.scenarioPath, logging.NewFromEnv(), out)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "YAML bridge configuration (ORACLE_* variables override it)")
	cmd.Flags().StringVar(&opts.scenarioPath, "scenario", "configs/scenario.yaml", "YAML host scenario")
	cmd.Flags().BoolVar(&opts.enabled, "enabled", false, "Override the configured enabled flag")
	cmd.Flags().IntVar(&opts.oraclePort, "oracle-port", config.DefaultOraclePort, "Override the configured oracle port")
	return cmd
}

func run(ctx context.Context, cfg config.Config, scenarioPath string, log logging.Logger, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc, err := hostsim.LoadScenario(scenarioPath)
	if err != nil {
		return err
	}

	tracing := observability.TracingConfigFromEnv()
	tracing.Oracle = observability.OracleTargetFromConfig(cfg)
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	var collector *observability.OracleCollector
	if cfg.Metrics.Addr != "" {
		collector, err = observability.NewOracleCollector(nil)
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
	}

	b, err := bridge.New(cfg, bridge.WithLogger(log), bridge.WithCollector(collector))
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Shutdown(context.Background()); err != nil {
			log.Warn(ctx, "bridge shutdown", logging.Err(err))
		}
	}()

	if collector != nil {
		srv := observability.NewDebugServer(cfg.Metrics.Addr, collector, b.Directory(), log)
		if _, err := srv.Start(); err != nil {
			return fmt.Errorf("start debug server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	enabled, err := b.Initialize(ctx)
	if err != nil {
		return err
	}

	host := hostsim.NewHost(ctx, b,
		hostsim.WithLogger(log),
		hostsim.WithFrequency(sc.FrequencyHz),
	)
	host.Load(sc)

	log.Info(ctx, "running scenario",
		logging.String("scenario", sc.Name),
		logging.Bool("oracle", enabled),
		logging.Float("duration_s", sc.Duration),
	)
	receptions, errs := host.Run(sc.Duration)
	for _, e := range errs {
		log.Warn(ctx, "oracle call failed", logging.Err(e))
	}
	return writeSummary(out, sc, receptions, len(errs))
}

func writeSummary(out io.Writer, sc *hostsim.Scenario, receptions []hostsim.Reception, failures int) error {
	fmt.Fprintf(out, "scenario %q: %d receptions, %d oracle failures\n", sc.Name, len(receptions), failures)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "t(s)\tfrom\tto\tloss(dB)\tdelay(ms)\tsource")
	for _, r := range receptions {
		source := "oracle"
		if r.Fallback {
			source = "fallback"
		}
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%.2f\t%.6f\t%s\n", r.At, r.From, r.To, r.LossDB, r.DelayMS, source)
	}
	return tw.Flush()
}
