package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/option-feed-service/internal/config"
	"github.com/krobus00/option-feed-service/internal/constant"
	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/krobus00/option-feed-service/internal/infrastructure"
	"github.com/krobus00/option-feed-service/internal/service/feed"
	"github.com/krobus00/option-feed-service/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	DefaultWriteThrottle   = 250 * time.Millisecond
	defaultHandlerTimeout  = 5 * time.Second
	defaultMaxEventAge     = time.Minute
	marketSnapshotHandler  = "market_snapshot"
	defaultSnapshotRetries = 3
)

type SnapshotStore interface {
	SaveBatch(ctx context.Context, records map[entity.InstrumentKey]entity.MarketRecord, updatedAt time.Time) error
}

// MarketSnapshotService keeps the latest value of every instrument in the
// snapshot store. Writes per key are throttled; values arriving inside the
// throttle window are merged and written once the window elapses.
type MarketSnapshotService struct {
	js       nats.JetStreamContext
	store    SnapshotStore
	throttle time.Duration
	now      func() time.Time

	mu        sync.Mutex
	pending   map[entity.InstrumentKey]entity.MarketRecord
	lastWrite map[entity.InstrumentKey]time.Time
	applied   map[entity.InstrumentKey]time.Time
}

func NewMarketSnapshotService(js nats.JetStreamContext, store SnapshotStore, throttle time.Duration) *MarketSnapshotService {
	if throttle <= 0 {
		throttle = DefaultWriteThrottle
	}

	return &MarketSnapshotService{
		js:        js,
		store:     store,
		throttle:  throttle,
		now:       time.Now,
		pending:   make(map[entity.InstrumentKey]entity.MarketRecord),
		lastWrite: make(map[entity.InstrumentKey]time.Time),
		applied:   make(map[entity.InstrumentKey]time.Time),
	}
}

func (s *MarketSnapshotService) JetstreamEventInit(ctx context.Context) error {
	return infrastructure.EnsureStream(ctx, s.js, feed.FeedStreamConfig())
}

func (s *MarketSnapshotService) JetstreamEventSubscribe(ctx context.Context) error {
	err := s.JetstreamEventInit(ctx)
	if err != nil {
		logrus.Error(err)
		return err
	}

	_, err = s.js.QueueSubscribe(
		constant.FeedStreamSubjectMarketUpdate,
		constant.MarketSnapshotQueueGroup,
		func(msg *nats.Msg) {
			err := util.ProcessWithTimeout(handlerTimeout(), msg, s.handleMarketUpdateEvent)
			if err != nil {
				logrus.Errorf("error processing message: %v", err)
				return
			}

			err = msg.Ack()
			if err != nil {
				logrus.Errorf("failed to acknowledge message: %v", err)
				return
			}
		},
		nats.ManualAck(),
		nats.DeliverNew(), // only the latest values matter
	)
	if err != nil {
		return err
	}

	return nil
}

// Run writes throttled values whose window has elapsed until ctx is done.
func (s *MarketSnapshotService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.throttle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.FlushDue(ctx); err != nil {
				logrus.Errorf("market snapshot flush failed: %v", err)
			}
		}
	}
}

func (s *MarketSnapshotService) handleMarketUpdateEvent(ctx context.Context, msg *nats.Msg) (err error) {
	logger := logrus.WithField("subject", msg.Subject)

	var req *entity.MarketUpdateEvent
	err = json.Unmarshal(msg.Data, &req)
	if err != nil {
		logger.WithField("req", string(msg.Data)).Error(err)
		return err
	}

	if !req.PublishedAt.IsZero() && req.PublishedAt.Add(defaultMaxEventAge).Before(s.now()) {
		logger.Info("skipping market update event that is too old")
		return nil
	}

	defer func() {
		if err != nil {
			req.RetryCount++
			if req.RetryCount >= maxRetries() {
				return
			}

			err := util.PublishEvent(s.js, constant.FeedStreamSubjectMarketUpdate, req)
			if err != nil {
				logger.Error(err)
				return
			}
		}
	}()

	publishedAt := req.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = s.now()
	}
	if skipped := s.Apply(req.Data, publishedAt); skipped > 0 {
		logger.WithField("retry", req.RetryCount).Debugf("skipped %d records older than stored values", skipped)
	}

	err = s.FlushDue(ctx)
	if err != nil {
		logger.Error(err)
		return err
	}

	return nil
}

// Apply merges records published at publishedAt into the pending set. A key
// whose last merged value was published later is left alone, so a
// republished event never overwrites newer values. It returns how many
// records were skipped.
func (s *MarketSnapshotService) Apply(records map[entity.InstrumentKey]entity.MarketRecord, publishedAt time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	skipped := 0
	for key, record := range records {
		if seen, ok := s.applied[key]; ok && publishedAt.Before(seen) {
			skipped++
			continue
		}
		s.applied[key] = publishedAt

		merged := s.pending[key]
		mergeRecord(&merged, record)
		s.pending[key] = merged
	}

	return skipped
}

// FlushDue writes every pending key whose throttle window has elapsed. Keys
// that fail to write stay pending.
func (s *MarketSnapshotService) FlushDue(ctx context.Context) error {
	now := s.now()

	s.mu.Lock()
	due := make(map[entity.InstrumentKey]entity.MarketRecord)
	for key, record := range s.pending {
		if last, ok := s.lastWrite[key]; ok && now.Sub(last) < s.throttle {
			continue
		}
		due[key] = record
		delete(s.pending, key)
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return nil
	}

	if err := s.store.SaveBatch(ctx, due, now); err != nil {
		s.mu.Lock()
		for key, record := range due {
			if newer, ok := s.pending[key]; ok {
				mergeRecord(&record, newer)
			}
			s.pending[key] = record
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	for key := range due {
		s.lastWrite[key] = now
	}
	s.mu.Unlock()

	return nil
}

func (s *MarketSnapshotService) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}

func mergeRecord(dst *entity.MarketRecord, src entity.MarketRecord) {
	if src.LastTradedPrice.Valid {
		dst.LastTradedPrice = src.LastTradedPrice
	}
	if src.Volume.Valid {
		dst.Volume = src.Volume
	}
	if src.OpenInterest.Valid {
		dst.OpenInterest = src.OpenInterest
	}
	dst.SetGreeks(src.Greeks)
}

func handlerTimeout() time.Duration {
	if config.Env != nil {
		if timeout := config.Env.NatsJetstream.TimeoutHandler[marketSnapshotHandler]; timeout > 0 {
			return timeout
		}
	}

	return defaultHandlerTimeout
}

func maxRetries() int {
	if config.Env != nil && config.Env.NatsJetstream.MaxRetries > 0 {
		return config.Env.NatsJetstream.MaxRetries
	}

	return defaultSnapshotRetries
}
