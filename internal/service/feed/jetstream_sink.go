package feed

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/option-feed-service/internal/constant"
	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/krobus00/option-feed-service/internal/infrastructure"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	jetstreamSinkID     = "jetstream"
	feedStreamMaxAge    = 5 * time.Minute
	feedStreamMaxMsgs   = 100_000
	feedStreamDuplicate = 30 * time.Second
	sinkQueueSize       = 1024
)

// JetstreamSink republishes broadcast batches and status changes to the FEED
// stream. It registers on the hub like any downstream session; Send only
// queues, and Run does the publishing.
type JetstreamSink struct {
	js    nats.JetStreamContext
	now   func() time.Time
	queue chan sinkEvent
}

type sinkEvent struct {
	subject string
	payload []byte
}

func NewJetstreamSink(js nats.JetStreamContext) *JetstreamSink {
	return newJetstreamSink(js, sinkQueueSize)
}

func newJetstreamSink(js nats.JetStreamContext, queueSize int) *JetstreamSink {
	return &JetstreamSink{
		js:    js,
		now:   time.Now,
		queue: make(chan sinkEvent, queueSize),
	}
}

// FeedStreamConfig is the FEED stream shared by the gateway and its consumers.
func FeedStreamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       constant.FeedStreamName,
		Subjects:   []string{constant.FeedStreamSubjectAll},
		Storage:    nats.MemoryStorage, // latest values only, history is not kept
		Retention:  nats.LimitsPolicy,
		MaxAge:     feedStreamMaxAge,
		MaxMsgs:    feedStreamMaxMsgs,
		Duplicates: feedStreamDuplicate,
		Replicas:   1,
	}
}

func (s *JetstreamSink) JetstreamEventInit(ctx context.Context) error {
	return infrastructure.EnsureStream(ctx, s.js, FeedStreamConfig())
}

func (s *JetstreamSink) ID() string {
	return jetstreamSinkID
}

// Send never blocks and never reports failure. When the queue is full the
// event is logged and dropped, and the sink stays registered.
func (s *JetstreamSink) Send(msg any) error {
	var (
		subject string
		event   any
	)

	switch m := msg.(type) {
	case entity.MarketUpdate:
		subject = constant.FeedStreamSubjectMarketUpdate
		event = entity.MarketUpdateEvent{PublishedAt: s.now(), Data: m.Data}
	case entity.FeedStatusMessage:
		subject = constant.FeedStreamSubjectStatus
		event = entity.FeedStatusEvent{Status: m.Status, PublishedAt: s.now()}
	default:
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		logrus.WithField("subject", subject).Errorf("failed to encode feed event: %v", err)
		return nil
	}

	select {
	case s.queue <- sinkEvent{subject: subject, payload: payload}:
	default:
		logrus.WithField("subject", subject).Warn("feed event queue full, dropping event")
	}

	return nil
}

// Run publishes queued events until ctx is done.
func (s *JetstreamSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			if _, err := s.js.PublishAsync(ev.subject, ev.payload); err != nil {
				logrus.WithField("subject", ev.subject).Warnf("failed to publish feed event: %v", err)
			}
		}
	}
}
