package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketsim MarketsimConfig      `yaml:"marketsim"`
	Channels  ChannelsConfig       `yaml:"channels"`
	Hub       HubConfig            `yaml:"hub"`
	Book      BookConfig           `yaml:"book"`
	Sim       SimConfig            `yaml:"sim"`
	Rules     map[string]RuleEntry `yaml:"rules"`
	Archive   ArchiveConfig        `yaml:"archive"`
	Metrics   MetricsConfig        `yaml:"metrics"`
	Logging   LoggingConfig        `yaml:"logging"`
}

type MarketsimConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	ExecBuffer int `yaml:"exec_buffer"`
}

type HubConfig struct {
	URL                  string        `yaml:"url"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	LivenessInterval     time.Duration `yaml:"liveness_interval"`
}

type BookConfig struct {
	Symbols           []string      `yaml:"symbols"`
	DepthLimit        int           `yaml:"depth_limit"`
	DepthParam        string        `yaml:"depth_param"`
	SnapshotURL       string        `yaml:"snapshot_url"`
	SnapshotTimeout   time.Duration `yaml:"snapshot_timeout"`
	ResyncDebounce    time.Duration `yaml:"resync_debounce"`
	MaxResyncAttempts int           `yaml:"max_resync_attempts"`
	SnapshotRate      float64       `yaml:"snapshot_rate"`
	SnapshotBurst     int           `yaml:"snapshot_burst"`
}

type SimConfig struct {
	MakerFeeRate         string `yaml:"maker_fee_rate"`
	TakerFeeRate         string `yaml:"taker_fee_rate"`
	MarketSlippageBuffer string `yaml:"market_slippage_buffer"`
	MaxHistory           int    `yaml:"max_history"`
}

// RuleEntry is the static trading-rule metadata for one symbol, kept as
// strings so the YAML round-trips exchange filter values without float loss.
type RuleEntry struct {
	BaseAsset   string `yaml:"base_asset"`
	QuoteAsset  string `yaml:"quote_asset"`
	TickSize    string `yaml:"tick_size"`
	StepSize    string `yaml:"step_size"`
	MinQty      string `yaml:"min_qty"`
	MaxQty      string `yaml:"max_qty"`
	MinNotional string `yaml:"min_notional"`
}

type ArchiveConfig struct {
	Enabled       bool            `yaml:"enabled"`
	Directory     string          `yaml:"directory"`
	FlushInterval time.Duration   `yaml:"flush_interval"`
	MaxBuffer     int             `yaml:"max_buffer"`
	S3            ArchiveS3Config `yaml:"s3"`
}

type ArchiveS3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	CloudWatchEnabled bool   `yaml:"cloudwatch_enabled"`
	Namespace         string `yaml:"namespace"`
	Region            string `yaml:"region"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, "config/config.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Hub: HubConfig{
			HandshakeTimeout:     10 * time.Second,
			ReconnectInterval:    5 * time.Second,
			MaxReconnectAttempts: 10,
			LivenessInterval:     30 * time.Second,
		},
		Book: BookConfig{
			DepthLimit:        100,
			SnapshotTimeout:   10 * time.Second,
			ResyncDebounce:    2 * time.Second,
			MaxResyncAttempts: 3,
			SnapshotRate:      1,
			SnapshotBurst:     1,
		},
		Sim: SimConfig{
			MakerFeeRate:         "0.001",
			TakerFeeRate:         "0.001",
			MarketSlippageBuffer: "0.01",
			MaxHistory:           1000,
		},
		Channels: ChannelsConfig{ExecBuffer: 1024},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Archive.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Marketsim.Name == "" {
		return fmt.Errorf("marketsim.name is required")
	}
	if cfg.Marketsim.Version == "" {
		return fmt.Errorf("marketsim.version is required")
	}

	if cfg.Hub.URL == "" {
		return fmt.Errorf("hub.url is required")
	}
	if cfg.Hub.ReconnectInterval <= 0 {
		return fmt.Errorf("hub.reconnect_interval must be greater than 0")
	}
	if cfg.Hub.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("hub.max_reconnect_attempts must be greater than 0")
	}
	if cfg.Hub.LivenessInterval <= 0 {
		return fmt.Errorf("hub.liveness_interval must be greater than 0")
	}

	if len(cfg.Book.Symbols) == 0 {
		return fmt.Errorf("book.symbols must list at least one symbol")
	}
	if cfg.Book.DepthLimit <= 0 {
		return fmt.Errorf("book.depth_limit must be greater than 0")
	}
	if cfg.Book.SnapshotURL == "" {
		return fmt.Errorf("book.snapshot_url is required")
	}
	if cfg.Book.SnapshotTimeout <= 0 {
		return fmt.Errorf("book.snapshot_timeout must be greater than 0")
	}
	if cfg.Book.ResyncDebounce <= 0 {
		return fmt.Errorf("book.resync_debounce must be greater than 0")
	}
	if cfg.Book.MaxResyncAttempts <= 0 {
		return fmt.Errorf("book.max_resync_attempts must be greater than 0")
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"sim.maker_fee_rate", cfg.Sim.MakerFeeRate},
		{"sim.taker_fee_rate", cfg.Sim.TakerFeeRate},
		{"sim.market_slippage_buffer", cfg.Sim.MarketSlippageBuffer},
	} {
		if _, err := decimal.NewFromString(field.value); err != nil {
			return fmt.Errorf("%s is not a valid decimal: %w", field.name, err)
		}
	}

	for _, symbol := range cfg.Book.Symbols {
		rule, ok := cfg.Rules[symbol]
		if !ok {
			return fmt.Errorf("rules.%s is required for every symbol in book.symbols", symbol)
		}
		for _, field := range []struct {
			name  string
			value string
		}{
			{"tick_size", rule.TickSize},
			{"step_size", rule.StepSize},
			{"min_qty", rule.MinQty},
			{"max_qty", rule.MaxQty},
			{"min_notional", rule.MinNotional},
		} {
			if _, err := decimal.NewFromString(field.value); err != nil {
				return fmt.Errorf("rules.%s.%s is not a valid decimal: %w", symbol, field.name, err)
			}
		}
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.Directory == "" {
			return fmt.Errorf("archive.directory is required when archive is enabled")
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
		if cfg.Archive.S3.Enabled {
			if cfg.Archive.S3.Bucket == "" {
				return fmt.Errorf("archive.s3.bucket is required when S3 upload is enabled")
			}
			if cfg.Archive.S3.Region == "" {
				return fmt.Errorf("archive.s3.region is required when S3 upload is enabled")
			}
		}
	}

	if cfg.Channels.ExecBuffer <= 0 {
		return fmt.Errorf("channels.exec_buffer must be greater than 0")
	}

	return nil
}
