package feed

import (
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/option-feed-service/internal/entity"
)

func TestUpdateBufferCoalescesToLatest(t *testing.T) {
	buf := NewUpdateBuffer()
	now := time.Now()

	for i := 1; i <= 100; i++ {
		buf.Merge(entity.Tick{
			InstrumentKey:   "IDX_FO|A1000CE",
			LastTradedPrice: null.FloatFrom(float64(i)),
			Volume:          null.IntFrom(int64(i * 10)),
			ReceivedAt:      now.Add(time.Duration(i) * time.Millisecond),
		}, nil)
	}

	if buf.Len() != 1 {
		t.Fatalf("expected a single coalesced entry, got %d", buf.Len())
	}

	record, _ := buf.Get("IDX_FO|A1000CE")
	if record.LastTradedPrice.Float64 != 100 || record.Volume.Int64 != 1000 {
		t.Fatalf("expected last tick values, got ltp %v volume %v", record.LastTradedPrice.Float64, record.Volume.Int64)
	}
}

func TestUpdateBufferPartialMergeKeepsFields(t *testing.T) {
	buf := NewUpdateBuffer()
	key := entity.InstrumentKey("IDX_FO|A1000PE")

	buf.Merge(entity.Tick{
		InstrumentKey:   key,
		LastTradedPrice: null.FloatFrom(42.5),
		Volume:          null.IntFrom(700),
		OpenInterest:    null.FloatFrom(12000),
	}, &entity.Greeks{Delta: -0.4})
	buf.Merge(entity.Tick{InstrumentKey: key, Volume: null.IntFrom(750)}, nil)

	record, _ := buf.Get(key)
	if record.LastTradedPrice.Float64 != 42.5 || !record.OpenInterest.Valid {
		t.Fatalf("partial tick cleared fields: %+v", record)
	}
	if record.Volume.Int64 != 750 {
		t.Fatalf("expected volume 750, got %d", record.Volume.Int64)
	}
	if record.Greeks == nil || record.Greeks.Delta != -0.4 {
		t.Fatalf("partial tick dropped greeks: %+v", record.Greeks)
	}
}
