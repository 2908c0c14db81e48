package repository

import (
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/option-feed-service/internal/entity"
)

func TestMarketRecordFieldsSkipAbsentValues(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fields := marketRecordFields(entity.MarketRecord{Volume: null.IntFrom(12)}, at)

	if _, ok := fields["lastTradedPrice"]; ok {
		t.Fatal("absent price must not be written")
	}
	if _, ok := fields["delta"]; ok {
		t.Fatal("absent greeks must not be written")
	}
	if fields["volume"] != int64(12) {
		t.Fatalf("unexpected volume %v", fields["volume"])
	}
}

func TestParseMarketRecordFields(t *testing.T) {
	record := parseMarketRecordFields(map[string]string{
		"lastTradedPrice": "25.5",
		"volume":          "1200",
		"delta":           "0.51",
		"iv":              "14.2",
		"updatedAt":       "2026-03-02T10:00:00Z",
	})

	if record.LastTradedPrice.Float64 != 25.5 || record.Volume.Int64 != 1200 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.OpenInterest.Valid {
		t.Fatal("missing open interest should stay unset")
	}
	if record.Greeks == nil || record.Greeks.Delta != 0.51 || record.Greeks.IV != 14.2 {
		t.Fatalf("unexpected greeks: %+v", record.Greeks)
	}
	if record.UpdatedAt.IsZero() {
		t.Fatal("updatedAt not parsed")
	}
}
