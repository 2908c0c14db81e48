package feed

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/krobus00/option-feed-service/internal/entity"
)

func TestComputeGreeksRecoversVolatility(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	expiry := time.Date(2026, 11, 26, 0, 0, 0, 0, time.UTC)
	years := YearsToExpiry(expiry, now, time.UTC)

	for _, optionType := range []entity.OptionType{entity.OptionTypeCall, entity.OptionTypePut} {
		price := BlackScholesPrice(24500, 24600, years, DefaultRiskFreeRate, 0.18, optionType)

		g, err := ComputeGreeks(GreeksInput{
			Spot:        24500,
			Strike:      24600,
			OptionPrice: price,
			Type:        optionType,
			Expiry:      expiry,
			Now:         now,
			Rate:        DefaultRiskFreeRate,
			Location:    time.UTC,
		})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", optionType, err)
		}
		if math.Abs(g.IV-18) > 0.01 {
			t.Fatalf("%s: expected iv close to 18, got %v", optionType, g.IV)
		}
		if g.Gamma <= 0 || g.Vega <= 0 || g.Theta >= 0 {
			t.Fatalf("%s: unexpected greeks %+v", optionType, g)
		}
		if optionType == entity.OptionTypeCall && (g.Delta <= 0 || g.Delta >= 1) {
			t.Fatalf("call delta out of range: %v", g.Delta)
		}
		if optionType == entity.OptionTypePut && (g.Delta >= 0 || g.Delta <= -1) {
			t.Fatalf("put delta out of range: %v", g.Delta)
		}
	}
}

func TestComputeGreeksRejectsInvalidInput(t *testing.T) {
	_, err := ComputeGreeks(GreeksInput{Spot: 100, Strike: 100, OptionPrice: 0, Type: entity.OptionTypeCall})
	if !errors.Is(err, ErrInvalidGreeksInput) {
		t.Fatalf("expected ErrInvalidGreeksInput, got %v", err)
	}
}

func TestYearsToExpiryFloor(t *testing.T) {
	expiry := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	afterClose := time.Date(2026, 10, 19, 16, 0, 0, 0, time.UTC)

	got := YearsToExpiry(expiry, afterClose, time.UTC)
	if math.Abs(got-minDaysToExpiry/daysPerYear) > 1e-12 {
		t.Fatalf("expected floor of %v years, got %v", minDaysToExpiry/daysPerYear, got)
	}
}

func TestExpiryCutoffUsesExchangeTime(t *testing.T) {
	ist := time.FixedZone("IST", 5*60*60+30*60)
	expiry, err := time.Parse(expiryLayout, "2026-10-22")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cutoff := ExpiryCutoff(expiry, ist)
	want := time.Date(2026, 10, 22, 15, 30, 0, 0, ist)
	if !cutoff.Equal(want) {
		t.Fatalf("expected cutoff %v, got %v", want, cutoff)
	}
	if got := cutoff.UTC(); got.Hour() != 10 || got.Minute() != 0 {
		t.Fatalf("expected 10:00 UTC, got %v", got)
	}

	// one hour before the exchange close on expiry day
	now := time.Date(2026, 10, 22, 9, 0, 0, 0, time.UTC)
	years := YearsToExpiry(expiry, now, ist)
	if math.Abs(years*daysPerYear*24-1) > 1e-9 {
		t.Fatalf("expected one hour to expiry, got %v hours", years*daysPerYear*24)
	}
}
