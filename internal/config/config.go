package config

import (
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	// BinanceRESTBaseURL is the binance exchange base REST url.
	BinanceRESTBaseURL = "https://api.binance.com"

	// CoinbaseRESTBaseURL is the coinbase exchange base REST url.
	CoinbaseRESTBaseURL = "https://api.exchange.coinbase.com"

	// KrakenRESTBaseURL is the kraken exchange base REST url.
	KrakenRESTBaseURL = "https://api.kraken.com"

	// OKXRESTBaseURL is the okx exchange base REST url.
	OKXRESTBaseURL = "https://www.okx.com"

	// BybitRESTBaseURL is the bybit exchange base REST url.
	BybitRESTBaseURL = "https://api.bybit.com"
)

// Config contains config values for the gateway.
// It is built once at process start by Load and passed by pointer to every component.
type Config struct {
	Server     Server     `json:"server"`
	Primary    Primary    `json:"primary"`
	Proxy      Proxy      `json:"proxy"`
	Venues     Venues     `json:"venues"`
	Connection Connection `json:"connection"`
	Cache      Cache      `json:"cache"`
	KeepWarm   KeepWarm   `json:"keep_warm"`
	Log        Log        `json:"log"`
}

// Server contains config values for the inbound HTTP surface.
type Server struct {
	Addr              string `json:"addr" env:"GATEWAY_ADDR"`
	ReadTimeoutSec    int    `json:"read_timeout_sec"`
	WriteTimeoutSec   int    `json:"write_timeout_sec"`
	StreamIntervalSec int    `json:"stream_interval_sec"`
}

// Primary contains config values for the primary aggregation backend.
type Primary struct {
	BaseURL        string `json:"base_url" env:"PRIMARY_BASE_URL"`
	TimeoutMs      int    `json:"request_timeout_ms" env:"PRIMARY_TIMEOUT_MS"`
	MaxRetries     int    `json:"max_retries" env:"PRIMARY_MAX_RETRIES"`
	RetryDelayMs   int    `json:"retry_delay_ms" env:"PRIMARY_RETRY_DELAY_MS"`
	WarmingDelayMs int    `json:"warming_delay_ms" env:"PRIMARY_WARMING_DELAY_MS"`

	// MaxWarmingDelayMs caps the total time one call waits on warming answers,
	// whatever delay the backend suggests. Zero means no cap.
	MaxWarmingDelayMs int `json:"max_warming_delay_ms" env:"PRIMARY_MAX_WARMING_DELAY_MS"`
}

// Proxy contains config values for the shared outbound proxy.
// When BaseURL is set, venue calls go to {BaseURL}/{venue}/{path}.
type Proxy struct {
	BaseURL string `json:"base_url" env:"OUTBOUND_PROXY_URL"`
}

// Venues contains config values shared by the direct venue adapters.
type Venues struct {
	Binance      bool    `json:"binance" env:"VENUE_BINANCE_ENABLED"`
	Coinbase     bool    `json:"coinbase" env:"VENUE_COINBASE_ENABLED"`
	Kraken       bool    `json:"kraken" env:"VENUE_KRAKEN_ENABLED"`
	OKX          bool    `json:"okx" env:"VENUE_OKX_ENABLED"`
	Bybit        bool    `json:"bybit" env:"VENUE_BYBIT_ENABLED"`
	TimeoutMs    int     `json:"request_timeout_ms" env:"VENUE_TIMEOUT_MS"`
	MaxRetries   int     `json:"max_retries" env:"VENUE_MAX_RETRIES"`
	RetryDelayMs int     `json:"retry_delay_ms" env:"VENUE_RETRY_DELAY_MS"`
	RatePerSec   float64 `json:"rate_per_sec" env:"VENUE_RATE_PER_SEC"`
	RateBurst    int     `json:"rate_burst" env:"VENUE_RATE_BURST"`

	// BaseURLs overrides the REST base url of a venue, keyed by venue name.
	BaseURLs map[string]string `json:"base_urls"`
}

// Connection contains config values for different API and storage connections.
type Connection struct {
	REST     REST     `json:"rest"`
	Storages []string `json:"storages"`
	Terminal Terminal `json:"terminal"`
	MySQL    MySQL    `json:"mysql"`
	ES       ES       `json:"elastic_search"`
}

// REST contains config values for the shared outbound REST client.
type REST struct {
	MaxIdleConns        int `json:"max_idle_conns"`
	MaxIdleConnsPerHost int `json:"max_idle_conns_per_host"`
}

// Terminal contains config values for terminal display.
type Terminal struct {
	CommitBuf int `json:"commit_buffer"`
}

// MySQL contains config values for mysql.
type MySQL struct {
	User               string `json:"user"`
	Password           string `json:"password"`
	URL                string `json:"URL"`
	Schema             string `json:"schema"`
	ReqTimeoutSec      int    `json:"request_timeout_sec"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_sec"`
	MaxOpenConns       int    `json:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns"`
	CommitBuf          int    `json:"commit_buffer"`
}

// ES contains config values for elastic search.
type ES struct {
	Addresses           []string `json:"addresses"`
	Username            string   `json:"username"`
	Password            string   `json:"password"`
	IndexName           string   `json:"index_name"`
	ReqTimeoutSec       int      `json:"request_timeout_sec"`
	MaxIdleConns        int      `json:"max_idle_conns"`
	MaxIdleConnsPerHost int      `json:"max_idle_conns_per_host"`
	CommitBuf           int      `json:"commit_buffer"`
}

// Cache contains config values for the optional redis overview cache.
// An empty Addr disables caching.
type Cache struct {
	Addr   string `json:"addr" env:"REDIS_ADDR"`
	DB     int    `json:"db"`
	TTLSec int    `json:"ttl_sec" env:"CACHE_TTL_SEC"`
}

// KeepWarm contains config values for the primary backend keep-warm job.
// Spec is a robfig/cron spec, e.g. "@every 5m". Empty disables the job.
type KeepWarm struct {
	Spec string `json:"spec" env:"KEEP_WARM_SPEC"`
}

// Log contains config values for logging.
type Log struct {
	Level    string `json:"level" env:"LOG_LEVEL"`
	FilePath string `json:"file_path"`
}

// Default returns the config used when nothing is overridden.
func Default() Config {
	return Config{
		Server: Server{
			Addr:              ":8080",
			ReadTimeoutSec:    10,
			WriteTimeoutSec:   60,
			StreamIntervalSec: 30,
		},
		Primary: Primary{
			TimeoutMs:      8000,
			MaxRetries:     1,
			RetryDelayMs:      500,
			WarmingDelayMs:    3000,
			MaxWarmingDelayMs: 10000,
		},
		Venues: Venues{
			Binance:      true,
			Coinbase:     true,
			Kraken:       true,
			OKX:          true,
			Bybit:        true,
			TimeoutMs:    4000,
			MaxRetries:   1,
			RetryDelayMs: 250,
			RatePerSec:   5,
			RateBurst:    5,
		},
		Connection: Connection{
			REST: REST{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
			},
			Terminal: Terminal{CommitBuf: 1},
			MySQL:    MySQL{CommitBuf: 10, ReqTimeoutSec: 5},
			ES:       ES{CommitBuf: 10, ReqTimeoutSec: 5},
		},
		Cache: Cache{TTLSec: 15},
		Log:   Log{Level: "info"},
	}
}

// Load builds the config from defaults, then the JSON file at path (if path is not empty),
// then the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		cfgFile, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "not able to find config file %s", path)
		}
		defer cfgFile.Close()
		if err = jsoniter.NewDecoder(cfgFile).Decode(&cfg); err != nil {
			return nil, errors.Wrapf(err, "not able to parse JSON from config file %s", path)
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, errors.Wrap(err, "decode environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks user supplied values.
func (c *Config) Validate() error {
	if c.Primary.BaseURL != "" && !strings.HasPrefix(c.Primary.BaseURL, "http") {
		return errors.New("primary base_url should be an http(s) url")
	}
	if c.Primary.TimeoutMs < 1 || c.Venues.TimeoutMs < 1 {
		return errors.New("request_timeout_ms should be greater than zero")
	}
	if c.Primary.MaxRetries < 0 || c.Venues.MaxRetries < 0 {
		return errors.New("max_retries should not be negative")
	}
	if c.Primary.MaxWarmingDelayMs < 0 {
		return errors.New("max_warming_delay_ms should not be negative")
	}
	if c.Venues.RatePerSec <= 0 || c.Venues.RateBurst < 1 {
		return errors.New("rate_per_sec and rate_burst should be greater than zero")
	}
	for _, str := range c.Connection.Storages {
		switch str {
		case "terminal", "mysql", "elastic_search":
		default:
			return errors.Errorf("unknown storage %s", str)
		}
	}
	return nil
}

// Enabled reports whether a direct venue adapter is switched on.
func (v *Venues) Enabled(venue string) bool {
	switch venue {
	case "binance":
		return v.Binance
	case "coinbase":
		return v.Coinbase
	case "kraken":
		return v.Kraken
	case "okx":
		return v.OKX
	case "bybit":
		return v.Bybit
	}
	return false
}

// BaseURL returns the REST base url for a venue, honouring overrides and the outbound proxy.
func (c *Config) BaseURL(venue string) string {
	if u, ok := c.Venues.BaseURLs[venue]; ok && u != "" {
		return strings.TrimSuffix(u, "/")
	}
	if c.Proxy.BaseURL != "" {
		return strings.TrimSuffix(c.Proxy.BaseURL, "/") + "/" + venue
	}
	switch venue {
	case "binance":
		return BinanceRESTBaseURL
	case "coinbase":
		return CoinbaseRESTBaseURL
	case "kraken":
		return KrakenRESTBaseURL
	case "okx":
		return OKXRESTBaseURL
	case "bybit":
		return BybitRESTBaseURL
	}
	return ""
}

// Millis converts a millisecond config value to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
