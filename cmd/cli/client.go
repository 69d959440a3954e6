package cli

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/theblitlabs/parity-fedsync/internal/client"
	"github.com/theblitlabs/parity-fedsync/internal/core/config"
	"github.com/theblitlabs/parity-fedsync/internal/execution/training"
	"github.com/theblitlabs/parity-fedsync/internal/metrics"
	"github.com/theblitlabs/parity-fedsync/internal/server"
	"github.com/theblitlabs/parity-fedsync/internal/telemetry"
	"github.com/theblitlabs/parity-fedsync/internal/transport"
	"github.com/theblitlabs/parity-fedsync/internal/utils/cliutil"
	"github.com/theblitlabs/parity-fedsync/internal/utils/contextutil"
	"github.com/theblitlabs/parity-fedsync/internal/utils/errorutil"
	"github.com/theblitlabs/parity-fedsync/pkg/logger"
)

func newClientCommand() *cobra.Command {
	return cliutil.CreateCommand(cliutil.CommandConfig{
		Use:   "client",
		Short: "Join a training session and train on the assigned shard",
		Example: `  fedsync client --server 10.0.0.5:8080
  fedsync client --server coordinator:8080 --ipfs-api http://127.0.0.1:5001`,
		Args:    cobra.NoArgs,
		RunFunc: runClient,
		Flags: map[string]cliutil.Flag{
			"server": {
				Type:        cliutil.FlagTypeString,
				Shorthand:   "s",
				Description: "Coordinator address (host:port)",
			},
			"ipfs-api": {
				Type:        cliutil.FlagTypeString,
				Description: "IPFS API endpoint used to fetch ipfs:// shards",
			},
			"metrics-addr": {
				Type:        cliutil.FlagTypeString,
				Description: "Serve Prometheus metrics on this address while training",
			},
		},
	}, logger.WithComponent("cli"))
}

func applyClientFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Client.ServerAddr, _ = flags.GetString("server")
	}
	if flags.Changed("ipfs-api") {
		cfg.IPFS.APIEndpoint, _ = flags.GetString("ipfs-api")
	}
}

func runClient(cmd *cobra.Command, _ []string) error {
	log := logger.WithComponent("cli")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyClientFlags(cmd, cfg)

	ctx, stop := contextutil.WithSignals(cmd.Context())
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := contextutil.WithShutdownTimeout()
		defer cancel()
		errorutil.HandleError(log, shutdownTelemetry(sctx), "Telemetry shutdown failed")
	}()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, metrics.RoleClient)
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		srv := server.NewServer(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if _, err := srv.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		defer func() {
			sctx, cancel := contextutil.WithShutdownTimeout()
			defer cancel()
			errorutil.HandleError(log, srv.Stop(sctx), "Metrics server shutdown failed")
		}()
	}

	trainer, err := training.NewFederatedTrainer(cfg.Training, training.NewDataLoader(cfg.IPFS.APIEndpoint))
	if err != nil {
		return err
	}

	dialCtx, cancelDial := contextutil.WithCustomTimeout(ctx, cfg.Client.DialTimeout)
	conn, err := transport.Dial(dialCtx, cfg.Client.ServerAddr)
	cancelDial()
	if err != nil {
		if ctx.Err() != nil {
			return errorutil.Cancelled(err)
		}
		return err
	}
	log.Info().Str("server", cfg.Client.ServerAddr).Msg("Connected to coordinator")

	session := client.NewSession(conn, trainer,
		client.WithObserver(m),
		client.WithMaxPayload(cfg.Client.MaxPayload),
	)
	res, err := session.Run(ctx)
	m.SessionFinished(res.Outcome.String())

	switch res.Outcome {
	case client.OutcomeCompleted:
		ev := log.Info().Int("client_id", res.ClientID).Int("epochs", len(res.Losses))
		if n := len(res.Losses); n > 0 {
			ev = ev.Float64("final_loss", res.Losses[n-1])
		}
		ev.Msg("Training completed")
		return nil
	case client.OutcomeCancelled:
		log.Warn().
			Int("client_id", res.ClientID).
			Str("state", res.CancelledIn.String()).
			Msg("Training cancelled by coordinator")
		return errorutil.Cancelled(errors.New("training cancelled by coordinator"))
	}

	if ctx.Err() != nil {
		log.Warn().Str("state", res.FinalState.String()).Msg("Training interrupted")
		return errorutil.Cancelled(err)
	}
	return fmt.Errorf("training failed in state %s: %w", res.FinalState, err)
}
