package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/krobus00/option-feed-service/internal/service/feed"
)

type fakeFeedService struct {
	hub *feed.Hub

	mu       sync.Mutex
	requests []entity.ClientRequest
}

func (f *fakeFeedService) Hub() *feed.Hub {
	return f.hub
}

func (f *fakeFeedService) Status() entity.FeedStatus {
	return entity.FeedStatusConnected
}

func (f *fakeFeedService) SwitchUnderlying(_ context.Context, sub feed.Subscriber, req entity.ClientRequest) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	_ = sub.Send(entity.NewSubscriptionAck(entity.InstrumentKey(req.UnderlyingKey), 11))
}

type wireMessage struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	Underlying string `json:"underlying"`
	KeysCount  int    `json:"keysCount"`
}

func newTestServer(t *testing.T, cfg Config) (*fakeFeedService, *websocket.Conn) {
	t.Helper()

	svc := &fakeFeedService{hub: feed.NewHub()}
	mux := http.NewServeMux()
	NewFeedWSHandler(svc, cfg).Register(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return svc, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("invalid message %s: %v", payload, err)
	}
	return msg
}

func TestSessionReceivesStatusOnConnect(t *testing.T) {
	svc, conn := newTestServer(t, Config{})

	msg := readMessage(t, conn)
	if msg.Type != entity.MessageTypeFeedStatus || msg.Status != string(entity.FeedStatusConnected) {
		t.Fatalf("expected connected FEED_STATUS, got %+v", msg)
	}

	deadline := time.Now().Add(time.Second)
	for svc.hub.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session was not registered with the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"get_status"}`))
	if msg := readMessage(t, conn); msg.Type != entity.MessageTypeFeedStatus {
		t.Fatalf("expected FEED_STATUS reply, got %+v", msg)
	}
}

func TestSessionRejectsBadMessages(t *testing.T) {
	_, conn := newTestServer(t, Config{})
	readMessage(t, conn)

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"dance"}`))
	msg := readMessage(t, conn)
	if msg.Type != entity.MessageTypeError || msg.Reason != entity.ReasonUnknownAction {
		t.Fatalf("expected unknown_action error, got %+v", msg)
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"action":`))
	msg = readMessage(t, conn)
	if msg.Type != entity.MessageTypeError || msg.Reason != entity.ReasonMalformedRequest {
		t.Fatalf("expected malformed_request error, got %+v", msg)
	}
}

func TestSessionSwitchUnderlyingAndRateLimit(t *testing.T) {
	svc, conn := newTestServer(t, Config{RequestRate: 0.001, RequestBurst: 1})
	readMessage(t, conn)

	req := `{"action":"switch_underlying","underlyingKey":"NSE_INDEX|Nifty 50","candidateKeys":[]}`
	_ = conn.WriteMessage(websocket.TextMessage, []byte(req))
	msg := readMessage(t, conn)
	if msg.Type != entity.MessageTypeSubscriptionAck || msg.KeysCount != 11 {
		t.Fatalf("expected ack, got %+v", msg)
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte(req))
	msg = readMessage(t, conn)
	if msg.Type != entity.MessageTypeSubscriptionError || msg.Reason != entity.ReasonRateLimited {
		t.Fatalf("expected rate_limited error, got %+v", msg)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.requests) != 1 {
		t.Fatalf("expected one forwarded request, got %d", len(svc.requests))
	}
}

func TestSessionSendFailsWhenFull(t *testing.T) {
	s := &session{
		id:   "s1",
		send: make(chan any, 1),
		done: make(chan struct{}),
	}
	s.ackPending = true
	s.currentSubscriptionRequest = &entity.ClientRequest{UnderlyingKey: "IDX|A"}

	if err := s.Send(entity.NewSubscriptionAck("IDX|A", 5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req, pending := s.pendingRequest(); pending || req.UnderlyingKey != "IDX|A" {
		t.Fatalf("expected ack to clear pending flag, got pending=%v", pending)
	}

	if err := s.Send(entity.NewErrorMessage(entity.ReasonUnknownAction)); err != errSendBufferFull {
		t.Fatalf("expected full buffer error, got %v", err)
	}

	s.ackPending = true
	if err := s.Send(entity.NewSubscriptionAck("IDX|A", 5)); err != errSendBufferFull {
		t.Fatalf("expected full buffer error, got %v", err)
	}
	if _, pending := s.pendingRequest(); !pending {
		t.Fatal("an ack that was not queued must leave the request pending")
	}

	close(s.done)
	if err := s.Send(entity.NewErrorMessage(entity.ReasonUnknownAction)); err != errSessionClosed {
		t.Fatalf("expected closed error, got %v", err)
	}
}
