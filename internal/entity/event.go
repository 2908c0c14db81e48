package entity

import (
	"context"
	"time"
)

type Publisher interface {
	JetstreamEventInit(ctx context.Context) error
}

type Subscriber interface {
	JetstreamEventSubscribe(ctx context.Context) error
}

// MarketUpdateEvent is the JetStream payload for one broadcast batch.
type MarketUpdateEvent struct {
	RetryCount  int                            `json:"retry"`
	PublishedAt time.Time                      `json:"publishedAt"`
	Data        map[InstrumentKey]MarketRecord `json:"data"`
}

type FeedStatusEvent struct {
	Status      FeedStatus `json:"status"`
	PublishedAt time.Time  `json:"publishedAt"`
}
