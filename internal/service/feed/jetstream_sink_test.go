package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/guregu/null/v6"
	"github.com/krobus00/option-feed-service/internal/constant"
	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/nats-io/nats.go"
)

type fakeJetStream struct {
	nats.JetStreamContext

	mu         sync.Mutex
	subjects   []string
	payloads   [][]byte
	publishErr error
}

func (f *fakeJetStream) PublishAsync(subject string, data []byte, _ ...nats.PubOpt) (nats.PubAckFuture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil, nil
}

func (f *fakeJetStream) published() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.subjects)
}

func runSink(t *testing.T, sink *JetstreamSink) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sink.Run(ctx)
}

func TestJetstreamSinkPublishesBroadcasts(t *testing.T) {
	js := &fakeJetStream{}
	sink := NewJetstreamSink(js)
	runSink(t, sink)
	hub := NewHub()
	hub.Register(sink)

	hub.Broadcast(entity.NewMarketUpdate(map[entity.InstrumentKey]entity.MarketRecord{
		"IDX_FO|A1000CE": {LastTradedPrice: null.FloatFrom(25)},
	}))
	hub.Broadcast(entity.NewFeedStatusMessage(entity.FeedStatusConnected))
	hub.Broadcast(entity.NewErrorMessage(entity.ReasonUnknownAction))

	waitFor(t, "publishes", func() bool { return js.published() == 2 })

	js.mu.Lock()
	defer js.mu.Unlock()
	if js.subjects[0] != constant.FeedStreamSubjectMarketUpdate || js.subjects[1] != constant.FeedStreamSubjectStatus {
		t.Fatalf("unexpected subjects %v", js.subjects)
	}

	var event entity.MarketUpdateEvent
	if err := json.Unmarshal(js.payloads[0], &event); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if event.Data["IDX_FO|A1000CE"].LastTradedPrice.Float64 != 25 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestJetstreamSinkStaysRegisteredOnPublishError(t *testing.T) {
	js := &fakeJetStream{publishErr: nats.ErrNoStreamResponse}
	sink := NewJetstreamSink(js)
	runSink(t, sink)
	hub := NewHub()
	hub.Register(sink)

	hub.Broadcast(entity.NewFeedStatusMessage(entity.FeedStatusDisconnected))
	waitFor(t, "queue drained", func() bool { return len(sink.queue) == 0 })

	if hub.Len() != 1 {
		t.Fatal("sink was dropped after a publish failure")
	}
}

func TestJetstreamSinkNeverBlocksBroadcast(t *testing.T) {
	js := &fakeJetStream{}
	sink := newJetstreamSink(js, 1)
	hub := NewHub()
	hub.Register(sink)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			hub.Broadcast(entity.NewFeedStatusMessage(entity.FeedStatusConnected))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a stalled publisher")
	}
	if hub.Len() != 1 {
		t.Fatal("sink must stay registered when its queue is full")
	}

	runSink(t, sink)
	waitFor(t, "queued event published", func() bool { return js.published() == 1 })
}
