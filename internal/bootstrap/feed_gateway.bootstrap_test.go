package bootstrap

import (
	"testing"
	"time"

	"github.com/krobus00/option-feed-service/internal/config"
	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/shopspring/decimal"
)

func TestNewBridgeConfig(t *testing.T) {
	cfg := newBridgeConfig(config.FeedConfig{
		DefaultUnderlying: " NSE_INDEX:Nifty 50 ",
		OptionSegment:     "NSE_FO",
		WindowRadius:      10,
		AckTimeout:        20 * time.Second,
		MarketHours:       config.MarketHoursConfig{PollInterval: time.Minute},
		Underlyings:       []config.UnderlyingConfig{
			{Key: "NSE_INDEX:Nifty%20Bank", Symbol: "BANKNIFTY", StrikeInterval: 100, WindowRadius: 8},
			{Key: "broken"},
		},
	})

	if cfg.DefaultRadius != 10 || cfg.AckTimeout != 20*time.Second || cfg.MarketPollInterval != time.Minute {
		t.Fatalf("unexpected bridge config %+v", cfg)
	}
	if len(cfg.Underlyings) != 1 {
		t.Fatalf("expected the invalid key to be skipped, got %d underlyings", len(cfg.Underlyings))
	}

	settings, ok := cfg.Underlyings["NSE_INDEX|Nifty Bank"]
	if !ok || settings.Symbol != "BANKNIFTY" || settings.StrikeInterval != 100 || settings.WindowRadius != 8 {
		t.Fatalf("expected normalized underlying key, got %+v", cfg.Underlyings)
	}
}

func TestFallbackResolver(t *testing.T) {
	cfg := newBridgeConfig(config.FeedConfig{
		OptionSegment: "NSE_FO",
		Underlyings:   []config.UnderlyingConfig{
			{Key: "NSE_INDEX|Nifty Bank", Symbol: "BANKNIFTY"},
		},
	})
	resolve := fallbackResolver(cfg)

	key, err := resolve("NSE_INDEX|Nifty Bank").ResolveOptionKey("NSE_INDEX|Nifty Bank", decimal.NewFromInt(48000), entity.OptionTypeCall)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "NSE_FO|BANKNIFTY48000CE" {
		t.Fatalf("unexpected key %q", key)
	}
}
