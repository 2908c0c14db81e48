package feed

import (
	"context"
	"time"

	"github.com/krobus00/option-feed-service/internal/entity"
)

const DefaultBroadcastInterval = 100 * time.Millisecond

// FlushSource hands over everything buffered since the previous flush.
type FlushSource interface {
	Flush() map[entity.InstrumentKey]entity.MarketRecord
}

type BroadcastLoop struct {
	source   FlushSource
	hub      *Hub
	interval time.Duration
}

func NewBroadcastLoop(source FlushSource, hub *Hub, interval time.Duration) *BroadcastLoop {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}

	return &BroadcastLoop{source: source, hub: hub, interval: interval}
}

// Run flushes on every tick until ctx is done.
func (l *BroadcastLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.FlushOnce()
		}
	}
}

// FlushOnce sends one MARKET_UPDATE when anything was buffered.
func (l *BroadcastLoop) FlushOnce() bool {
	batch := l.source.Flush()
	if len(batch) == 0 {
		return false
	}

	l.hub.Broadcast(entity.NewMarketUpdate(batch))
	return true
}
