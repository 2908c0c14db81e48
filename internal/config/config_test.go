package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testConfig = `
env: development
log:
  log_level: debug
graceful_shutdown_timeout: 10s
feed:
  broker:
    name: upstox
    ping_interval: 30s
  default_underlying: "NSE_INDEX|Nifty 50"
  window_radius: 10
  underlyings:
    - key: "NSE_INDEX|Nifty 50"
      symbol: NIFTY
      strike_interval: 50
  ack_timeout: 30s
  market_hours:
    open: "09:15"
    close: "15:30"
snapshot:
  throttle: 250ms
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := LoadConfig(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if Env.GracefulShutdownTimeout != 10*time.Second {
		t.Fatalf("expected 10s shutdown timeout, got %s", Env.GracefulShutdownTimeout)
	}
	if Env.Feed.Broker.Name != "upstox" || Env.Feed.Broker.PingInterval != 30*time.Second {
		t.Fatalf("unexpected broker config %+v", Env.Feed.Broker)
	}
	if Env.Feed.AckTimeout != 30*time.Second || Env.Snapshot.Throttle != 250*time.Millisecond {
		t.Fatalf("durations not decoded: %s %s", Env.Feed.AckTimeout, Env.Snapshot.Throttle)
	}

	u, ok := Env.Feed.Underlying("nse_index|nifty 50")
	if !ok || u.Symbol != "NIFTY" || u.StrikeInterval != 50 {
		t.Fatalf("expected case-insensitive underlying lookup, got %+v %v", u, ok)
	}
	if _, ok := Env.Feed.Underlying("NSE_INDEX|Nifty Bank"); ok {
		t.Fatal("unexpected underlying")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}
