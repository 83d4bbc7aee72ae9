package commands

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/openmost/mostd/pkg/config"
	"github.com/openmost/mostd/pkg/telemetry"
)

func newRunCommand(version string) *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the route daemon",
		Long: `Run the route daemon against the configured network.

The daemon builds every active route once the network and its nodes are
available, runs node scripts before a node is used, and keeps routes up
until it is interrupted. On interrupt every route is destroyed gracefully;
routes that have not stopped after the grace period are terminated.

Route reports, resource diagnostics and node events are written to the
audit store when store.path is set. The activation file, when configured,
is watched and re-applied on every change.`,
		Example: `  # Run with the default config file
  mostd run

  # Run with a specific config and a longer stop grace period
  mostd run -c /etc/mostd/vehicle.yaml --grace 10s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			doc, err := config.NewLoader().Load(configPath)
			if err != nil {
				return err
			}

			tcfg := doc.Telemetry
			if tcfg == nil {
				tcfg = telemetry.DefaultConfig()
			}
			if tcfg.ServiceVersion == "" || tcfg.ServiceVersion == "dev" {
				tcfg.ServiceVersion = version
			}
			tel, err := telemetry.NewTelemetry(tcfg)
			if err != nil {
				return err
			}

			log.Info().
				Str("config", configPath).
				Int("routes", len(doc.Network.Routes)).
				Msg("Starting route daemon")

			d, err := newDaemon(ctx, doc, tel, clock.New())
			if err != nil {
				return multierr.Append(err, shutdownTelemetry(tel))
			}
			if err := tel.StartMetricsServer(); err != nil {
				return multierr.Combine(err, d.close(), shutdownTelemetry(tel))
			}

			err = d.run(ctx, grace)
			return multierr.Combine(err, d.close(), shutdownTelemetry(tel))
		},
	}

	cmd.Flags().DurationVar(&grace, "grace", 5*time.Second, "time routes get to stop before they are terminated")

	return cmd
}

func shutdownTelemetry(tel *telemetry.Telemetry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tel.Shutdown(ctx)
}
