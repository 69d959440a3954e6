package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theblitlabs/parity-fedsync/internal/core/config"
	"github.com/theblitlabs/parity-fedsync/pkg/logger"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "FEDSYNC_CONFIG_PATH"

var (
	logMode    string
	configPath string
)

// NewRootCommand assembles the fedsync command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "fedsync",
		Short: "Federated training over a stop-and-wait socket protocol",
		Long: `fedsync runs a federated training session: a coordinator that averages
per-layer weights from N clients, the clients that train locally on their shard,
and a partitioner that splits a labelled CSV into stratified shards.`,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			switch logMode {
			case "debug", "pretty", "info", "prod", "test":
				logger.InitWithMode(logger.LogMode(logMode))
			default:
				logger.InitWithMode(logger.LogModePretty)
			}
		},
	}

	defaultPath := config.DefaultConfigPath
	if env := os.Getenv(EnvConfigPath); env != "" {
		defaultPath = env
	}
	root.PersistentFlags().StringVar(&logMode, "log", "pretty", "Log mode: debug, pretty, info, prod, test")
	root.PersistentFlags().StringVar(&configPath, "config", defaultPath, "Path to the YAML config file")

	root.AddCommand(newClientCommand())
	root.AddCommand(newCoordinatorCommand())
	root.AddCommand(newPartitionCommand())
	return root
}

func loadConfig() (*config.Config, error) {
	cm := config.GetConfigManager()
	cm.SetConfigPath(configPath)
	cfg, err := cm.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	return cfg, nil
}
