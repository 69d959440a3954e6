package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/theblitlabs/parity-fedsync/internal/coordinator"
	"github.com/theblitlabs/parity-fedsync/internal/execution/training"
	"github.com/theblitlabs/parity-fedsync/internal/partition"
	"github.com/theblitlabs/parity-fedsync/internal/telemetry"
)

const DefaultConfigPath = "config/config.yaml"

type Config struct {
	Server      ServerConfig      `mapstructure:"SERVER"`
	Client      ClientConfig      `mapstructure:"CLIENT"`
	Coordinator CoordinatorConfig `mapstructure:"COORDINATOR"`
	Training    training.Config   `mapstructure:"TRAINING"`
	Database    DatabaseConfig    `mapstructure:"DATABASE"`
	IPFS        IPFSConfig        `mapstructure:"IPFS"`
	Telemetry   telemetry.Config  `mapstructure:"TELEMETRY"`
}

// ServerConfig is the coordinator's HTTP status surface.
type ServerConfig struct {
	Enabled  bool   `mapstructure:"ENABLED"`
	Host     string `mapstructure:"HOST"`
	Port     string `mapstructure:"PORT"`
	Endpoint string `mapstructure:"ENDPOINT"`
}

func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

type ClientConfig struct {
	ServerAddr  string        `mapstructure:"SERVER_ADDR"`
	DialTimeout time.Duration `mapstructure:"DIAL_TIMEOUT"`
	MaxPayload  uint64        `mapstructure:"MAX_PAYLOAD"`
}

type CoordinatorConfig struct {
	Listen       string          `mapstructure:"LISTEN"`
	Clients      int             `mapstructure:"CLIENTS"`
	Epochs       int             `mapstructure:"EPOCHS"`
	Layers       int             `mapstructure:"LAYERS"`
	FileTemplate string          `mapstructure:"FILE_TEMPLATE"`
	Files        []string        `mapstructure:"FILES"`
	ReadTimeout  time.Duration   `mapstructure:"READ_TIMEOUT"`
	MaxPayload   uint64          `mapstructure:"MAX_PAYLOAD"`
	Partition    PartitionConfig `mapstructure:"PARTITION"`
}

// Session converts the file settings into a coordinator session config.
func (c CoordinatorConfig) Session() coordinator.Config {
	return coordinator.Config{
		Listen:       c.Listen,
		Clients:      c.Clients,
		Epochs:       c.Epochs,
		Layers:       c.Layers,
		FileTemplate: c.FileTemplate,
		Files:        c.Files,
		ReadTimeout:  c.ReadTimeout,
		MaxPayload:   c.MaxPayload,
	}
}

// PartitionConfig splits CSV into per-client shards before the session
// starts. Partitioning is skipped when CSV is empty. With Publish set the
// shards are added to IPFS and clients receive ipfs:// sources.
type PartitionConfig struct {
	CSV     string `mapstructure:"CSV"`
	Prefix  string `mapstructure:"PREFIX"`
	Dir     string `mapstructure:"DIR"`
	Seed    int64  `mapstructure:"SEED"`
	Publish bool   `mapstructure:"PUBLISH"`
}

type DatabaseConfig struct {
	// ConnectionString selects Postgres for round history. Empty keeps
	// history in memory.
	ConnectionString string `mapstructure:"CONNECTION_STRING"`
	Migrate          bool   `mapstructure:"MIGRATE"`
}

type IPFSConfig struct {
	APIEndpoint string `mapstructure:"API_ENDPOINT"`
}

type ConfigManager struct {
	config     *Config
	configPath string
	mutex      sync.RWMutex
}

var (
	instance *ConfigManager
	once     sync.Once
)

func GetConfigManager() *ConfigManager {
	once.Do(func() {
		instance = &ConfigManager{
			configPath: DefaultConfigPath,
		}
	})
	return instance
}

// SetConfigPath drops any cached config so the next GetConfig reloads.
func (cm *ConfigManager) SetConfigPath(path string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.configPath = path
	cm.config = nil
}

func (cm *ConfigManager) GetConfigPath() string {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.configPath
}

func (cm *ConfigManager) GetConfig() (*Config, error) {
	cm.mutex.RLock()
	if cm.config != nil {
		defer cm.mutex.RUnlock()
		return cm.config, nil
	}
	cm.mutex.RUnlock()

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	cfg, err := LoadConfig(cm.configPath)
	if err != nil {
		return nil, err
	}
	cm.config = cfg
	return cfg, nil
}

func (cm *ConfigManager) ReloadConfig() (*Config, error) {
	cm.mutex.Lock()
	cm.config = nil
	cm.mutex.Unlock()
	return cm.GetConfig()
}

// LoadConfig reads path when it exists and layers environment variables on
// top. Nested keys map to env names by joining sections with "_", e.g.
// COORDINATOR_READ_TIMEOUT.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	sessionDefaults := coordinator.DefaultConfig()
	trainingDefaults := training.DefaultConfig()

	defaults := map[string]interface{}{
		"SERVER.ENABLED":  true,
		"SERVER.HOST":     "0.0.0.0",
		"SERVER.PORT":     "9090",
		"SERVER.ENDPOINT": "/api/v1",

		"CLIENT.SERVER_ADDR":  "127.0.0.1:8080",
		"CLIENT.DIAL_TIMEOUT": 10 * time.Second,
		"CLIENT.MAX_PAYLOAD":  uint64(0),

		"COORDINATOR.LISTEN":            sessionDefaults.Listen,
		"COORDINATOR.CLIENTS":           3,
		"COORDINATOR.EPOCHS":            5,
		"COORDINATOR.LAYERS":            sessionDefaults.Layers,
		"COORDINATOR.FILE_TEMPLATE":     sessionDefaults.FileTemplate,
		"COORDINATOR.FILES":             []string{},
		"COORDINATOR.READ_TIMEOUT":      sessionDefaults.ReadTimeout,
		"COORDINATOR.MAX_PAYLOAD":       uint64(0),
		"COORDINATOR.PARTITION.CSV":     "",
		"COORDINATOR.PARTITION.PREFIX":  partition.DefaultPrefix,
		"COORDINATOR.PARTITION.DIR":     ".",
		"COORDINATOR.PARTITION.SEED":    partition.DefaultSeed,
		"COORDINATOR.PARTITION.PUBLISH": false,

		"TRAINING.LAYER_SIZES":   trainingDefaults.LayerSizes,
		"TRAINING.LEARNING_RATE": trainingDefaults.LearningRate,
		"TRAINING.BATCH_SIZE":    trainingDefaults.BatchSize,
		"TRAINING.OPTIMIZER":     trainingDefaults.Optimizer,
		"TRAINING.SEED":          trainingDefaults.Seed,

		"DATABASE.CONNECTION_STRING": "",
		"DATABASE.MIGRATE":           true,

		"IPFS.API_ENDPOINT": "",

		"TELEMETRY.ENABLED":          false,
		"TELEMETRY.SERVICE_NAME":     "parity-fedsync",
		"TELEMETRY.COLLECTOR_ADDR":   "localhost:4317",
		"TELEMETRY.METRICS_INTERVAL": 15 * time.Second,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}
