// Package config centralises runtime configuration for the NDAX streaming client.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Environment identifies the deployment environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Network selects the venue endpoints.
type Network string

const (
	NetworkProduction Network = "production"
	NetworkSandbox    Network = "sandbox"
)

type endpoints struct {
	websocket string
	rest      string
}

var networkEndpoints = map[Network]endpoints{
	NetworkProduction: {websocket: "wss://api.ndax.io/WSGateway", rest: "https://api.ndax.io:8443/AP"},
	NetworkSandbox:    {websocket: "wss://ndaxmarginstaging.cdnhop.net:10456/WSAdminGatewa/", rest: "https://ndaxmarginstaging.cdnhop.net:8443/AP"},
}

// Credentials authenticates private streams. All of APIKey, Secret and
// UserID are required together; AccountID overrides the REST account list.
type Credentials struct {
	APIKey    string `yaml:"apiKey" env:"API_KEY"`
	Secret    string `yaml:"secret" env:"SECRET"`
	UserID    string `yaml:"userId" env:"USER_ID"`
	AccountID int64  `yaml:"accountId" env:"ACCOUNT_ID"`
}

// Empty reports whether no credential field is set.
func (c Credentials) Empty() bool {
	return c.APIKey == "" && c.Secret == "" && c.UserID == ""
}

// ConnectionConfig tunes the gateway socket.
type ConnectionConfig struct {
	RequestTimeout       time.Duration `yaml:"requestTimeout" env:"REQUEST_TIMEOUT"`
	PingInterval         time.Duration `yaml:"pingInterval" env:"PING_INTERVAL"`
	MaxReconnectInterval time.Duration `yaml:"maxReconnectInterval" env:"MAX_RECONNECT_INTERVAL"`
	MessagesPerSecond    float64       `yaml:"messagesPerSecond" env:"MESSAGES_PER_SECOND"`
	Burst                int           `yaml:"burst" env:"BURST"`
}

// LimitsConfig bounds the client-side caches.
type LimitsConfig struct {
	Trades           int `yaml:"trades" env:"TRADES_LIMIT"`
	Orders           int `yaml:"orders" env:"ORDERS_LIMIT"`
	OHLCV            int `yaml:"ohlcv" env:"OHLCV_LIMIT"`
	OrderBookDepth   int `yaml:"orderBookDepth" env:"ORDER_BOOK_DEPTH"`
	IncludeLastCount int `yaml:"includeLastCount" env:"INCLUDE_LAST_COUNT"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled" env:"TELEMETRY_ENABLED"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint" env:"OTLP_ENDPOINT"`
	OTLPInsecure   bool          `yaml:"otlpInsecure" env:"OTLP_INSECURE"`
	ServiceName    string        `yaml:"serviceName" env:"SERVICE_NAME"`
	MetricInterval time.Duration `yaml:"metricInterval" env:"METRIC_INTERVAL"`
}

// Config is the full client configuration.
type Config struct {
	Environment  Environment      `yaml:"environment" env:"ENVIRONMENT"`
	Network      Network          `yaml:"network" env:"NETWORK"`
	WebsocketURL string           `yaml:"websocketUrl" env:"WS_URL"`
	RESTURL      string           `yaml:"restUrl" env:"REST_URL"`
	OMSID        int64            `yaml:"omsId" env:"OMS_ID"`
	Credentials  Credentials      `yaml:"credentials"`
	Connection   ConnectionConfig `yaml:"connection"`
	Limits       LimitsConfig     `yaml:"limits"`
	Logging      LoggingConfig    `yaml:"logging"`
	Telemetry    TelemetryConfig  `yaml:"telemetry"`
}

// Default returns the production configuration.
func Default() Config {
	return Config{
		Environment:  EnvProd,
		Network:      NetworkProduction,
		WebsocketURL: "",
		RESTURL:      "",
		OMSID:        1,
		Credentials:  Credentials{},
		Connection: ConnectionConfig{
			RequestTimeout:       10 * time.Second,
			PingInterval:         15 * time.Second,
			MaxReconnectInterval: 30 * time.Second,
			MessagesPerSecond:    10,
			Burst:                20,
		},
		Limits: LimitsConfig{
			Trades:           1000,
			Orders:           1000,
			OHLCV:            1000,
			OrderBookDepth:   100,
			IncludeLastCount: 100,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			OTLPEndpoint:   "localhost:4318",
			OTLPInsecure:   true,
			ServiceName:    "ndaxstream",
			MetricInterval: 30 * time.Second,
		},
	}
}

// Option mutates a Config when applied via Apply.
type Option func(*Config)

// Apply applies opts to a copy of base.
func Apply(base Config, opts ...Option) Config {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cfg.normalise()
	return cfg
}

// WithNetwork selects production or sandbox endpoints.
func WithNetwork(n Network) Option {
	return func(c *Config) {
		if n != "" {
			c.Network = n
			c.WebsocketURL = ""
			c.RESTURL = ""
		}
	}
}

// WithWebsocketURL overrides the gateway endpoint.
func WithWebsocketURL(u string) Option {
	return func(c *Config) {
		c.WebsocketURL = strings.TrimSpace(u)
	}
}

// WithCredentials sets the private-stream credentials.
func WithCredentials(creds Credentials) Option {
	return func(c *Config) {
		c.Credentials = creds
	}
}

func (c *Config) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Network = Network(strings.ToLower(strings.TrimSpace(string(c.Network))))
	if c.Network == "" {
		c.Network = NetworkProduction
	}
	c.WebsocketURL = strings.TrimSpace(c.WebsocketURL)
	c.RESTURL = strings.TrimSpace(c.RESTURL)
	if ep, ok := networkEndpoints[c.Network]; ok {
		if c.WebsocketURL == "" {
			c.WebsocketURL = ep.websocket
		}
		if c.RESTURL == "" {
			c.RESTURL = ep.rest
		}
	}
	c.Credentials.APIKey = strings.TrimSpace(c.Credentials.APIKey)
	c.Credentials.Secret = strings.TrimSpace(c.Credentials.Secret)
	c.Credentials.UserID = strings.TrimSpace(c.Credentials.UserID)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if _, ok := networkEndpoints[c.Network]; !ok {
		return fmt.Errorf("network must be production or sandbox, got %q", c.Network)
	}
	if err := checkURL("websocketUrl", c.WebsocketURL, "ws", "wss"); err != nil {
		return err
	}
	if err := checkURL("restUrl", c.RESTURL, "http", "https"); err != nil {
		return err
	}
	if c.OMSID <= 0 {
		return fmt.Errorf("omsId must be > 0")
	}
	if !c.Credentials.Empty() && (c.Credentials.APIKey == "" || c.Credentials.Secret == "" || c.Credentials.UserID == "") {
		return fmt.Errorf("credentials require apiKey, secret and userId together")
	}
	if c.Credentials.AccountID < 0 {
		return fmt.Errorf("credentials accountId must be >= 0")
	}
	if c.Connection.RequestTimeout <= 0 {
		return fmt.Errorf("connection requestTimeout must be > 0")
	}
	if c.Connection.PingInterval <= 0 {
		return fmt.Errorf("connection pingInterval must be > 0")
	}
	if c.Connection.MaxReconnectInterval <= 0 {
		return fmt.Errorf("connection maxReconnectInterval must be > 0")
	}
	if c.Connection.MessagesPerSecond < 0 {
		return fmt.Errorf("connection messagesPerSecond must be >= 0")
	}
	if c.Limits.Trades <= 0 || c.Limits.Orders <= 0 || c.Limits.OHLCV <= 0 {
		return fmt.Errorf("limits trades, orders and ohlcv must be > 0")
	}
	if c.Limits.OrderBookDepth <= 0 {
		return fmt.Errorf("limits orderBookDepth must be > 0")
	}
	if c.Limits.IncludeLastCount < 0 {
		return fmt.Errorf("limits includeLastCount must be >= 0")
	}
	switch c.Logging.Format {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("logging format must be json or pretty")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}
	return nil
}

func checkURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("%s must use scheme %s", field, strings.Join(schemes, " or "))
}
