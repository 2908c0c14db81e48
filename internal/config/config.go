package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	ServiceName    = "option-feed-service"
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string                    `mapstructure:"env"`
	Log                     LogConfig                 `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration             `mapstructure:"graceful_shutdown_timeout"`
	Port                    map[string]string         `mapstructure:"port"`
	Database                map[string]DatabaseConfig `mapstructure:"database"`
	Redis                   map[string]RedisConfig    `mapstructure:"redis"`
	NatsJetstream           NatsJetstreamConfig       `mapstructure:"nats_jetstream"`
	Feed                    FeedConfig                `mapstructure:"feed"`
	Snapshot                SnapshotConfig            `mapstructure:"snapshot"`
}

type NatsJetstreamConfig struct {
	URL             string                   `mapstructure:"url"`
	MaxRetries      int                      `mapstructure:"max_retries"`
	ReconnectFactor float64                  `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration            `mapstructure:"min_jitter"`
	MaxJitter       time.Duration            `mapstructure:"max_jitter"`
	TimeoutHandler  map[string]time.Duration `mapstructure:"timeout_handler"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxActiveConns  int           `mapstructure:"max_active_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type RedisConfig struct {
	CacheDSN        string        `mapstructure:"cache_dsn"`
	MaxRetry        int           `mapstructure:"max_retry"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
}

// FeedConfig drives the feed gateway: broker access, subscription windows,
// greeks throttling, broadcast cadence and client limits.
type FeedConfig struct {
	Broker            BrokerConfig       `mapstructure:"broker"`
	MarketHours       MarketHoursConfig  `mapstructure:"market_hours"`
	DefaultUnderlying string             `mapstructure:"default_underlying"`
	OptionSegment     string             `mapstructure:"option_segment"`
	WindowRadius      int                `mapstructure:"window_radius"`
	Underlyings       []UnderlyingConfig `mapstructure:"underlyings"`

	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`

	GreeksThrottle  time.Duration `mapstructure:"greeks_throttle"`
	GreeksWorkers   int           `mapstructure:"greeks_workers"`
	GreeksQueueSize int           `mapstructure:"greeks_queue_size"`
	RiskFreeRate    float64       `mapstructure:"risk_free_rate"`

	AuthorizeTimeout time.Duration `mapstructure:"authorize_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReconnectFactor  float64       `mapstructure:"reconnect_factor"`
	MinJitter        time.Duration `mapstructure:"min_jitter"`
	MaxJitter        time.Duration `mapstructure:"max_jitter"`

	ClientSendBuffer   int     `mapstructure:"client_send_buffer"`
	ClientRequestRate  float64 `mapstructure:"client_request_rate"`
	ClientRequestBurst int     `mapstructure:"client_request_burst"`
}

type BrokerConfig struct {
	Name         string        `mapstructure:"name"`
	AuthorizeURL string        `mapstructure:"authorize_url"`
	AccessToken  string        `mapstructure:"access_token"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
}

// UnderlyingConfig holds per-underlying window settings. A zero strike
// interval falls back to the spacing derived from the instrument catalog.
type UnderlyingConfig struct {
	Key            string  `mapstructure:"key"`
	Symbol         string  `mapstructure:"symbol"`
	OptionSegment  string  `mapstructure:"option_segment"`
	StrikeInterval float64 `mapstructure:"strike_interval"`
	WindowRadius   int     `mapstructure:"window_radius"`
	Expiry         string  `mapstructure:"expiry"` // 2006-01-02
}

type MarketHoursConfig struct {
	MIC          string        `mapstructure:"mic"`
	Timezone     string        `mapstructure:"timezone"`
	Open         string        `mapstructure:"open"`  // 15:04
	Close        string        `mapstructure:"close"` // 15:04
	PollInterval time.Duration `mapstructure:"poll_interval"`
	AlwaysOpen   bool          `mapstructure:"always_open"`
}

type SnapshotConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	Throttle time.Duration `mapstructure:"throttle"`
}

func LoadConfig(configPath string) error {
	viper.Reset()

	// .env is optional; values there only seed the process environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	err = viper.Unmarshal(&Env)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return nil
}

// Underlying returns the configured settings for an underlying key.
func (c FeedConfig) Underlying(key string) (UnderlyingConfig, bool) {
	for _, u := range c.Underlyings {
		if strings.EqualFold(strings.TrimSpace(u.Key), strings.TrimSpace(key)) {
			return u, true
		}
	}

	return UnderlyingConfig{}, false
}
