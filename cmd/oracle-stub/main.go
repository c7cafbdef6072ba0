// Command oracle-stub answers the oracle's UDP protocol with closed-form
// free-space results, for exercising a host without the ray tracer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/signalsfoundry/rt-oracle-bridge/core"
	"github.com/signalsfoundry/rt-oracle-bridge/hostsim"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/logging"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/oraclestub"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		atexit.Fatalf("oracle-stub: %v", err)
	}
	atexit.Exit(0)
}

func newRootCmd() *cobra.Command {
	var (
		addr         string
		scenarioPath string
		frequencyHz  float64
	)
	cmd := &cobra.Command{
		Use:           "oracle-stub",
		Short:         "Serve the oracle protocol with free-space answers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.NewFromEnv()
			opts := []oraclestub.Option{
				oraclestub.WithLogger(log),
				oraclestub.WithFrequency(frequencyHz),
			}
			if scenarioPath != "" {
				sc, err := hostsim.LoadScenario(scenarioPath)
				if err != nil {
					return err
				}
				if sc.FrequencyHz > 0 && !cmd.Flags().Changed("frequency") {
					opts = append(opts, oraclestub.WithFrequency(sc.FrequencyHz))
				}
				opts = append(opts, oraclestub.WithObstacles(sc.Obstacles...))
			}

			srv, err := oraclestub.Listen(addr, opts...)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-srv.ShutdownReceived():
					log.Info(ctx, "shutdown requested by host")
					cancel()
				case <-ctx.Done():
				}
			}()

			log.Info(ctx, "oracle stub listening", logging.String("addr", srv.Addr().String()))
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", fmt.Sprintf("127.0.0.1:%d", 8103), "UDP address to listen on")
	cmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario whose obstacles shape line-of-sight answers")
	cmd.Flags().Float64Var(&frequencyHz, "frequency", core.DefaultFrequencyHz, "Carrier frequency for free-space loss, Hz")
	return cmd
}
