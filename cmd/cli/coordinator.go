package cli

import (
	"context"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/theblitlabs/parity-fedsync/internal/api"
	"github.com/theblitlabs/parity-fedsync/internal/coordinator"
	"github.com/theblitlabs/parity-fedsync/internal/core/config"
	"github.com/theblitlabs/parity-fedsync/internal/metrics"
	"github.com/theblitlabs/parity-fedsync/internal/partition"
	"github.com/theblitlabs/parity-fedsync/internal/server"
	"github.com/theblitlabs/parity-fedsync/internal/storage"
	"github.com/theblitlabs/parity-fedsync/internal/telemetry"
	"github.com/theblitlabs/parity-fedsync/internal/utils/cliutil"
	"github.com/theblitlabs/parity-fedsync/internal/utils/contextutil"
	"github.com/theblitlabs/parity-fedsync/internal/utils/errorutil"
	"github.com/theblitlabs/parity-fedsync/pkg/ipfs"
	"github.com/theblitlabs/parity-fedsync/pkg/logger"
)

func newCoordinatorCommand() *cobra.Command {
	return cliutil.CreateCommand(cliutil.CommandConfig{
		Use:   "coordinator",
		Short: "Run one training session and average client weights per layer",
		Example: `  fedsync coordinator --clients 3 --epochs 5
  fedsync coordinator --clients 3 --partition data/heart.csv --read-timeout 30s`,
		Args:    cobra.NoArgs,
		RunFunc: runCoordinator,
		Flags: map[string]cliutil.Flag{
			"listen": {
				Type:        cliutil.FlagTypeString,
				Shorthand:   "l",
				Description: "Address to accept clients on",
			},
			"clients": {
				Type:        cliutil.FlagTypeInt,
				Shorthand:   "n",
				Description: "Number of clients in the session",
			},
			"epochs": {
				Type:        cliutil.FlagTypeInt,
				Shorthand:   "e",
				Description: "Number of training epochs",
			},
			"layers": {
				Type:        cliutil.FlagTypeInt,
				Description: "Number of weight layers synced per epoch",
			},
			"file-template": {
				Type:        cliutil.FlagTypeString,
				Description: "Data source sent to each client; {id} is replaced by the client id",
			},
			"files": {
				Type:        cliutil.FlagTypeStringSlice,
				Description: "Explicit data source per client id, overriding --file-template",
			},
			"read-timeout": {
				Type:        cliutil.FlagTypeDuration,
				Description: "Abort the session when a client sends nothing for this long",
			},
			"partition": {
				Type:        cliutil.FlagTypeString,
				Description: "Split this CSV into one stratified shard per client before listening",
			},
			"publish": {
				Type:        cliutil.FlagTypeBool,
				Description: "Publish partitioned shards to IPFS and send clients ipfs:// sources",
			},
			"http-addr": {
				Type:        cliutil.FlagTypeString,
				Description: "Status API address; empty uses the config file",
			},
			"database-url": {
				Type:        cliutil.FlagTypeString,
				Description: "Postgres connection string for round history",
			},
		},
	}, logger.WithComponent("cli"))
}

func applyCoordinatorFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	c := &cfg.Coordinator
	if flags.Changed("listen") {
		c.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("clients") {
		c.Clients, _ = flags.GetInt("clients")
	}
	if flags.Changed("epochs") {
		c.Epochs, _ = flags.GetInt("epochs")
	}
	if flags.Changed("layers") {
		c.Layers, _ = flags.GetInt("layers")
	}
	if flags.Changed("file-template") {
		c.FileTemplate, _ = flags.GetString("file-template")
	}
	if flags.Changed("files") {
		c.Files, _ = flags.GetStringSlice("files")
	}
	if flags.Changed("read-timeout") {
		c.ReadTimeout, _ = flags.GetDuration("read-timeout")
	}
	if flags.Changed("partition") {
		c.Partition.CSV, _ = flags.GetString("partition")
	}
	if flags.Changed("publish") {
		c.Partition.Publish, _ = flags.GetBool("publish")
	}
	if addr, _ := flags.GetString("http-addr"); addr != "" {
		cfg.Server.Enabled = true
		cfg.Server.Host, cfg.Server.Port = splitAddr(addr)
	}
	if flags.Changed("database-url") {
		cfg.Database.ConnectionString, _ = flags.GetString("database-url")
	}
}

func runCoordinator(cmd *cobra.Command, _ []string) error {
	log := logger.WithComponent("cli")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyCoordinatorFlags(cmd, cfg)

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

	session := cfg.Coordinator.Session()
	if p := cfg.Coordinator.Partition; p.CSV != "" {
		shards, err := partition.File(p.CSV, partition.Options{
			Shards: session.Clients,
			Prefix: p.Prefix,
			Dir:    p.Dir,
			Seed:   p.Seed,
		})
		if err != nil {
			return fmt.Errorf("partition %s: %w", p.CSV, err)
		}
		switch {
		case len(session.Files) > 0:
		case p.Publish:
			if cfg.IPFS.APIEndpoint == "" {
				return fmt.Errorf("publishing shards needs IPFS.API_ENDPOINT")
			}
			if session.Files, err = publishShards(ipfs.New(cfg.IPFS.APIEndpoint), shards); err != nil {
				return err
			}
		default:
			session.Files = make([]string, len(shards))
			for _, s := range shards {
				session.Files[s.Index] = s.Path
			}
		}
	}

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	hub := api.NewHub()
	defer hub.Close()

	coord, err := coordinator.New(session,
		coordinator.WithRecorder(metrics.New(reg, metrics.RoleCoordinator)),
		coordinator.WithStore(store),
		coordinator.WithEvents(hub),
	)
	if err != nil {
		return err
	}

	if cfg.Server.Enabled {
		router := api.NewRouter(coord, store, hub, reg, cfg.Server.Endpoint)
		router.AddMiddleware(telemetry.NewHTTPMetrics(reg).Middleware)

		srv := server.NewServer(cfg.Server.Addr(), router)
		addr, err := srv.Start()
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		log.Info().Str("addr", addr.String()).Str("endpoint", cfg.Server.Endpoint).Msg("Status API ready")
		defer func() {
			sctx, cancel := contextutil.WithShutdownTimeout()
			defer cancel()
			errorutil.HandleError(log, srv.Stop(sctx), "Status server shutdown failed")
		}()
	}

	err = coord.ListenAndRun(ctx)
	if err != nil && coordinator.IsCancelled(err) {
		log.Warn().Str("session_id", coord.SessionID().String()).Msg("Session interrupted")
		return errorutil.Cancelled(err)
	}
	if err != nil {
		return fmt.Errorf("session %s aborted: %w", coord.SessionID(), err)
	}
	log.Info().Str("session_id", coord.SessionID().String()).Msg("Session completed")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.RoundStore, error) {
	if cfg.ConnectionString == "" {
		return storage.NewMemoryStore(0), nil
	}

	cctx, cancel := contextutil.WithCustomTimeout(ctx, contextutil.ConnectTimeout)
	defer cancel()

	store, err := storage.Connect(cctx, cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := store.Migrate(cctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

// splitAddr accepts "host:port" or a bare ":port".
func splitAddr(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", addr
	}
	return host, port
}
