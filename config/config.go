// Package config provides a typed, viper-backed configuration loader for
// the ingestion core, following pkg/config's AppConfig pattern and
// walletserver/config's environment-driven defaults from the teacher.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"trongateway-core/pkg/utils"
)

// NodeEndpoint is one entry of the nodes[] configuration surface.
type NodeEndpoint struct {
	URL        string        `mapstructure:"url"`
	Priority   int           `mapstructure:"priority"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Credential string        `mapstructure:"credential"`
}

// Config is the unified configuration surface enumerated in spec.md §6.
type Config struct {
	Scan struct {
		StartHeight      uint64        `mapstructure:"start_height"`
		Confirmations    int           `mapstructure:"confirmations"`
		BatchSize        int           `mapstructure:"batch_size"`
		MaxRewind        int           `mapstructure:"max_rewind"`
		PollInterval     time.Duration `mapstructure:"poll_interval"`
		FetchConcurrency int           `mapstructure:"fetch_concurrency"`
	} `mapstructure:"scan"`

	Nodes []NodeEndpoint `mapstructure:"nodes"`

	Callback struct {
		WorkersGlobal       int           `mapstructure:"workers_global"`
		WorkersPerSub       int           `mapstructure:"workers_per_subscription"`
		Timeout             time.Duration `mapstructure:"timeout"`
		MaxAttempts         int           `mapstructure:"max_attempts"`
		BaseDelay           time.Duration `mapstructure:"base_delay"`
		CapDelay            time.Duration `mapstructure:"cap_delay"`
		AutoDisableOn410    bool          `mapstructure:"auto_disable_on_410"`
		ShutdownGrace       time.Duration `mapstructure:"shutdown_grace"`
		QueueCapacity       int           `mapstructure:"queue_capacity"`
	} `mapstructure:"callback"`

	Stream struct {
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
		MaxSubsPerSession int           `mapstructure:"max_subs_per_session"`
		OutboundBuffer    int           `mapstructure:"outbound_buffer"`
		AuthGrace         time.Duration `mapstructure:"auth_grace"`
	} `mapstructure:"stream"`

	Cache struct {
		MultiTTL        time.Duration `mapstructure:"multi_ttl"`
		TxTTL           time.Duration `mapstructure:"tx_ttl"`
		AddressStatsTTL time.Duration `mapstructure:"address_stats_ttl"`
		Enabled         bool          `mapstructure:"enabled"`
	} `mapstructure:"cache"`

	EventBus struct {
		CallbackQueueCapacity int `mapstructure:"callback_queue_capacity"`
		StreamQueueCapacity   int `mapstructure:"stream_queue_capacity"`
	} `mapstructure:"event_bus"`

	Store struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	HTTP struct {
		Addr       string `mapstructure:"addr"`
		StreamPath string `mapstructure:"stream_path"`
	} `mapstructure:"http"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// AppConfig holds the configuration loaded via Load.
var AppConfig Config

// defaults fills in spec.md's documented defaults before the file/env
// overlay is applied, mirroring pkg/config.Load's merge order.
func defaults() {
	viper.SetDefault("scan.confirmations", 19)
	viper.SetDefault("scan.batch_size", 100)
	viper.SetDefault("scan.max_rewind", 64)
	viper.SetDefault("scan.poll_interval", "3s")
	viper.SetDefault("scan.fetch_concurrency", 16)

	viper.SetDefault("callback.workers_global", 32)
	viper.SetDefault("callback.workers_per_subscription", 4)
	viper.SetDefault("callback.timeout", "30s")
	viper.SetDefault("callback.max_attempts", 8)
	viper.SetDefault("callback.base_delay", "2s")
	viper.SetDefault("callback.cap_delay", "5m")
	viper.SetDefault("callback.shutdown_grace", "30s")
	viper.SetDefault("callback.queue_capacity", 10000)

	viper.SetDefault("stream.heartbeat_interval", "30s")
	viper.SetDefault("stream.idle_timeout", "90s")
	viper.SetDefault("stream.max_subs_per_session", 32)
	viper.SetDefault("stream.outbound_buffer", 256)
	viper.SetDefault("stream.auth_grace", "5s")

	viper.SetDefault("cache.multi_ttl", "60s")
	viper.SetDefault("cache.tx_ttl", "5m")
	viper.SetDefault("cache.address_stats_ttl", "60s")
	viper.SetDefault("cache.enabled", true)

	viper.SetDefault("event_bus.callback_queue_capacity", 10000)
	viper.SetDefault("event_bus.stream_queue_capacity", 10000)

	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("http.stream_path", "/ws")

	viper.SetDefault("logging.level", "info")
}

// Load reads configuration from (in order) defaults, an optional config
// file, and the environment, following pkg/config.Load's merge order from
// the teacher. configPath may be empty, in which case only defaults and
// the environment apply.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load(".env")

	defaults()

	viper.SetConfigType("yaml")
	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return nil, utils.Wrap(err, "load config file")
		}
	}

	viper.SetEnvPrefix("TGW")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if err := AppConfig.validate(); err != nil {
		return nil, err
	}
	return &AppConfig, nil
}

func (c *Config) validate() error {
	if c.Scan.BatchSize > 1000 {
		return fmt.Errorf("config: scan.batch_size %d exceeds hard max 1000", c.Scan.BatchSize)
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: at least one node endpoint is required")
	}
	return nil
}
