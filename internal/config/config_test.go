package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ndax.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := finish(Default(), map[string]string{})
	require.NoError(t, err)
	require.Equal(t, "wss://api.ndax.io/WSGateway", cfg.WebsocketURL)
	require.Equal(t, "https://api.ndax.io:8443/AP", cfg.RESTURL)
	require.Equal(t, int64(1), cfg.OMSID)
	require.Equal(t, 100, cfg.Limits.OrderBookDepth)
	require.Equal(t, 1000, cfg.Limits.Trades)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
network: sandbox
omsId: 2
credentials:
  apiKey: key
  secret: secret
  userId: "42"
  accountId: 9
connection:
  requestTimeout: 3s
  pingInterval: 5s
limits:
  trades: 50
logging:
  level: DEBUG
  format: pretty
`)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, NetworkSandbox, cfg.Network)
	require.Equal(t, "wss://ndaxmarginstaging.cdnhop.net:10456/WSAdminGatewa/", cfg.WebsocketURL)
	require.Equal(t, int64(2), cfg.OMSID)
	require.Equal(t, int64(9), cfg.Credentials.AccountID)
	require.Equal(t, 3*time.Second, cfg.Connection.RequestTimeout)
	require.Equal(t, 5*time.Second, cfg.Connection.PingInterval)
	require.Equal(t, 30*time.Second, cfg.Connection.MaxReconnectInterval)
	require.Equal(t, 50, cfg.Limits.Trades)
	require.Equal(t, 1000, cfg.Limits.Orders)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	cfg := Default()
	cfg.WebsocketURL = "wss://from-file/WSGateway"
	out, err := finish(cfg, map[string]string{
		"NDAX_WS_URL":              "ws://localhost:9000/WSGateway",
		"NDAX_API_KEY":             "k",
		"NDAX_SECRET":              "s",
		"NDAX_USER_ID":             "7",
		"NDAX_ACCOUNT_ID":          "11",
		"NDAX_PING_INTERVAL":       "2s",
		"NDAX_TRADES_LIMIT":        "10",
		"NDAX_LOG_LEVEL":           "warn",
		"NDAX_ENVIRONMENT":         "dev",
		"NDAX_MESSAGES_PER_SECOND": "2.5",
	})
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:9000/WSGateway", out.WebsocketURL)
	require.Equal(t, Credentials{APIKey: "k", Secret: "s", UserID: "7", AccountID: 11}, out.Credentials)
	require.Equal(t, 2*time.Second, out.Connection.PingInterval)
	require.Equal(t, 10, out.Limits.Trades)
	require.Equal(t, "warn", out.Logging.Level)
	require.Equal(t, EnvDev, out.Environment)
	require.InDelta(t, 2.5, out.Connection.MessagesPerSecond, 1e-9)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	t.Setenv("NDAX_OMS_ID", "3")
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, int64(3), cfg.OMSID)

	cfg, err = LoadOrDefault(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "wss://api.ndax.io/WSGateway", cfg.WebsocketURL)
}

func TestLoadOrDefaultSurfacesParseErrors(t *testing.T) {
	path := writeConfig(t, "connection: [not, a, map]\n")
	_, err := LoadOrDefault(context.Background(), path)
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]Option{
		"environment":      func(c *Config) { c.Environment = "qa" },
		"network":          func(c *Config) { c.Network = "testnet" },
		"websocket scheme": WithWebsocketURL("https://api.ndax.io/WSGateway"),
		"partial creds":    WithCredentials(Credentials{APIKey: "k"}),
		"oms":              func(c *Config) { c.OMSID = 0 },
		"timeout":          func(c *Config) { c.Connection.RequestTimeout = 0 },
		"depth":            func(c *Config) { c.Limits.OrderBookDepth = 0 },
		"format":           func(c *Config) { c.Logging.Format = "xml" },
		"telemetry":        func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.OTLPEndpoint = "" },
	}
	for name, opt := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, Apply(Default(), opt).Validate())
		})
	}
}

func TestApplyNetworkResetsEndpoints(t *testing.T) {
	cfg := Apply(Default(), WithNetwork(NetworkSandbox))
	require.Equal(t, "https://ndaxmarginstaging.cdnhop.net:8443/AP", cfg.RESTURL)
	require.NoError(t, cfg.Validate())
}
