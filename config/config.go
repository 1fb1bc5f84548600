// config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Relay  RelayConfig  `mapstructure:"relay"`
}

type ServerConfig struct {
	HTTPAddress    string `mapstructure:"http_address"`
	RPCAddress     string `mapstructure:"rpc_address"`
	MetricsAddress string `mapstructure:"metrics_address"`
}

type RelayConfig struct {
	MaxPlayers        int           `mapstructure:"max_players"`
	MaxSpectators     int           `mapstructure:"max_spectators"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MetricsNamespace  string        `mapstructure:"metrics_namespace"`
}

// PersistenceConfig selects the client's key-value store behind resumable
// saves. Driver is one of memory, sqlite, postgres, gorm.
type PersistenceConfig struct {
	Driver     string         `env:"DRIVER" envDefault:"sqlite"`
	SQLitePath string         `env:"SQLITE_PATH" envDefault:"roomsync.db"`
	Postgres   PostgresConfig `envPrefix:"POSTGRES_"`
}

type PostgresConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
	DBName   string `env:"DBNAME"`
}

var envKeyReplacer = strings.NewReplacer(".", "_")

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_address", ":8080")
	v.SetDefault("server.rpc_address", ":8081")
	v.SetDefault("server.metrics_address", ":9090")
	v.SetDefault("relay.max_players", 8)
	v.SetDefault("relay.max_spectators", 32)
	v.SetDefault("relay.heartbeat_interval", 15*time.Second)
	v.SetDefault("relay.metrics_namespace", "roomsync")
}

// LoadConfig reads config.yaml from path. A missing file is not an error;
// defaults and environment variables (ROOMSYNC_SERVER_HTTP_ADDRESS, ...) still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("roomsync")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Relay.MaxPlayers <= 0 {
		return nil, fmt.Errorf("relay.max_players must be positive, got %d", cfg.Relay.MaxPlayers)
	}
	return &cfg, nil
}

// ClientConfig configures the demo player binary.
type ClientConfig struct {
	RelayURL    string        `env:"RELAY_URL" envDefault:"ws://localhost:8080/ws"`
	DisplayName string        `env:"NAME" envDefault:"player"`
	GameType    string        `env:"GAME" envDefault:"tictactoe"`
	RoomID      string        `env:"ROOM"`
	Spectator   bool          `env:"SPECTATOR"`
	SaveDelay   time.Duration `env:"SAVE_DELAY" envDefault:"2s"`
	BotDelay    time.Duration `env:"BOT_DELAY" envDefault:"600ms"`
	Debug       bool          `env:"DEBUG"`
	// MetricsAddress serves session metrics when set, e.g. ":9191".
	MetricsAddress string            `env:"METRICS_ADDR"`
	Persistence    PersistenceConfig `envPrefix:"STORE_"`
}

// LoadClientEnv parses ROOMSYNC_* environment variables into a ClientConfig.
func LoadClientEnv() (ClientConfig, error) {
	var cfg ClientConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "ROOMSYNC_"}); err != nil {
		return ClientConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
