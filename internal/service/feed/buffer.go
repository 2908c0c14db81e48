package feed

import (
	"github.com/krobus00/option-feed-service/internal/entity"
)

// UpdateBuffer keeps the latest merged record per instrument since the last
// flush. It is not safe for concurrent use; the bridge guards it.
type UpdateBuffer struct {
	records map[entity.InstrumentKey]*entity.MarketRecord
}

func NewUpdateBuffer() *UpdateBuffer {
	return &UpdateBuffer{records: make(map[entity.InstrumentKey]*entity.MarketRecord)}
}

// Merge folds tick into the record for its key. greeks, when non-nil,
// replaces the published greeks.
func (b *UpdateBuffer) Merge(tick entity.Tick, greeks *entity.Greeks) {
	record, ok := b.records[tick.InstrumentKey]
	if !ok {
		record = &entity.MarketRecord{}
		b.records[tick.InstrumentKey] = record
	}

	record.Merge(tick)
	if tick.BrokerGreeks == nil {
		record.SetGreeks(greeks)
	}
}

// MergeGreeks publishes greeks computed after the tick was buffered.
func (b *UpdateBuffer) MergeGreeks(key entity.InstrumentKey, greeks entity.Greeks) {
	record, ok := b.records[key]
	if !ok {
		record = &entity.MarketRecord{}
		b.records[key] = record
	}

	record.SetGreeks(&greeks)
}

func (b *UpdateBuffer) Get(key entity.InstrumentKey) (entity.MarketRecord, bool) {
	record, ok := b.records[key]
	if !ok {
		return entity.MarketRecord{}, false
	}

	return *record, true
}

func (b *UpdateBuffer) Len() int {
	return len(b.records)
}

// Snapshot copies the records into a batch payload.
func (b *UpdateBuffer) Snapshot() map[entity.InstrumentKey]entity.MarketRecord {
	out := make(map[entity.InstrumentKey]entity.MarketRecord, len(b.records))
	for key, record := range b.records {
		out[key] = *record
	}

	return out
}
