package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	State    StateConfig    `yaml:"state"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Engine   EngineConfig   `yaml:"engine"`
	Markets  []MarketEntry  `yaml:"markets"`
	Feeds    []FeedEntry    `yaml:"feeds"`
	FeedWS   FeedWSConfig   `yaml:"feed_ws"`
	History  HistoryConfig  `yaml:"history"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type EngineConfig struct {
	Admin               string        `yaml:"admin"`
	FeeRecipient        string        `yaml:"fee_recipient"`
	ProtocolFeeBps      uint64        `yaml:"protocol_fee_bps"`
	LiquidationBonusBps uint64        `yaml:"liquidation_bonus_bps"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

// MarketEntry routes a token to the lending market that accepts it.
type MarketEntry struct {
	Token  string `yaml:"token"`
	Market string `yaml:"market"`
}

// FeedEntry declares the price source for a token. Static price/decimals
// seed a fixed feed; a subscribe symbol switches the token to the shared
// websocket feed instead.
type FeedEntry struct {
	Token    string `yaml:"token"`
	Price    string `yaml:"price"`
	Decimals uint8  `yaml:"decimals"`
	Symbol   string `yaml:"symbol"`
}

type FeedWSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

const (
	// MaxProtocolFeeBps caps the close fee at 1%.
	MaxProtocolFeeBps = 100

	defaultProtocolFeeBps      = 30
	defaultLiquidationBonusBps = 500
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/flashlev.db"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9172"
	}
	if cfg.Engine.ProtocolFeeBps == 0 {
		cfg.Engine.ProtocolFeeBps = defaultProtocolFeeBps
	}
	if cfg.Engine.LiquidationBonusBps == 0 {
		cfg.Engine.LiquidationBonusBps = defaultLiquidationBonusBps
	}
	if cfg.Engine.SweepInterval == 0 {
		cfg.Engine.SweepInterval = 15 * time.Second
	}
	if cfg.FeedWS.ReconnectDelay == 0 {
		cfg.FeedWS.ReconnectDelay = 3 * time.Second
	}
	if cfg.FeedWS.PingInterval == 0 {
		cfg.FeedWS.PingInterval = 30 * time.Second
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
}

func validate(cfg *Config) error {
	if cfg.Engine.Admin == "" {
		return errors.New("engine.admin is required")
	}
	if !common.IsHexAddress(cfg.Engine.Admin) {
		return fmt.Errorf("engine.admin is not a hex address: %s", cfg.Engine.Admin)
	}
	if cfg.Engine.FeeRecipient != "" && !common.IsHexAddress(cfg.Engine.FeeRecipient) {
		return fmt.Errorf("engine.fee_recipient is not a hex address: %s", cfg.Engine.FeeRecipient)
	}
	if cfg.Engine.ProtocolFeeBps > MaxProtocolFeeBps {
		return fmt.Errorf("engine.protocol_fee_bps %d exceeds cap %d", cfg.Engine.ProtocolFeeBps, MaxProtocolFeeBps)
	}
	for i, entry := range cfg.Markets {
		if !common.IsHexAddress(entry.Token) {
			return fmt.Errorf("markets[%d].token is not a hex address: %s", i, entry.Token)
		}
		if !common.IsHexAddress(entry.Market) {
			return fmt.Errorf("markets[%d].market is not a hex address: %s", i, entry.Market)
		}
	}
	for i, entry := range cfg.Feeds {
		if !common.IsHexAddress(entry.Token) {
			return fmt.Errorf("feeds[%d].token is not a hex address: %s", i, entry.Token)
		}
		if entry.Price == "" && entry.Symbol == "" {
			return fmt.Errorf("feeds[%d] needs a static price or a ws symbol", i)
		}
		if entry.Symbol != "" && cfg.FeedWS.URL == "" {
			return fmt.Errorf("feeds[%d] subscribes %s but feed_ws.url is empty", i, entry.Symbol)
		}
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	return nil
}
