package exchange

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/krobus00/option-feed-service/internal/config"
	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/krobus00/option-feed-service/internal/service/feed"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestUpstoxAuthorize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status":"error","errors":[{"errorCode":"UDAPI100050","message":"Invalid token"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"authorized_redirect_uri":"wss://feed.example/abc"}}`))
	}))
	defer server.Close()

	broker := InitUpstoxBroker(config.BrokerConfig{AuthorizeURL: server.URL, AccessToken: "secret"})
	url, err := broker.Authorize(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "wss://feed.example/abc" {
		t.Fatalf("unexpected url %s", url)
	}

	rejected := InitUpstoxBroker(config.BrokerConfig{AuthorizeURL: server.URL, AccessToken: "wrong"})
	_, err = rejected.Authorize(context.Background())
	if !errors.Is(err, ErrUpstoxAuthorize) {
		t.Fatalf("expected ErrUpstoxAuthorize, got %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid token") {
		t.Fatalf("expected broker message in error, got %v", err)
	}
}

func TestUpstoxDialSubscribeAndRead(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan upstoxSubscribeRequest, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		msgType, payload, err := conn.ReadMessage()
		if err != nil || msgType != websocket.BinaryMessage {
			return
		}

		var req upstoxSubscribeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return
		}
		received <- req

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"feeds":{"IDX|A":{"ltp":1000}}}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	broker := InitUpstoxBroker(config.BrokerConfig{PingInterval: time.Hour})
	conn, err := broker.Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"))
	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	defer conn.Close()

	if err := conn.Subscribe([]entity.InstrumentKey{"IDX|A", "IDX_FO|A1000CE"}); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	select {
	case req := <-received:
		if req.Method != "sub" || req.Data.Mode != "full" || req.GUID == "" {
			t.Fatalf("unexpected subscribe request: %+v", req)
		}
		if len(req.Data.InstrumentKeys) != 2 || req.Data.InstrumentKeys[1] != "IDX_FO|A1000CE" {
			t.Fatalf("unexpected keys: %v", req.Data.InstrumentKeys)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe message not received")
	}

	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if !strings.Contains(string(msg), `"IDX|A"`) {
		t.Fatalf("unexpected message %s", msg)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if _, err := conn.ReadMessage(); err == nil {
		t.Fatal("read after close should fail")
	}
}

func TestInitBrokerRejectsUnknownName(t *testing.T) {
	if _, err := InitBroker(config.BrokerConfig{Name: "nope"}); err == nil {
		t.Fatal("expected an error for an unknown broker")
	}

	broker, err := InitBroker(config.BrokerConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if GlobalBrokerRegistry[BrokerUpstox] != broker {
		t.Fatal("broker was not registered")
	}
}

func TestUpstoxDecodeFeedResponse(t *testing.T) {
	var ltpc []byte
	ltpc = protowire.AppendTag(ltpc, 1, protowire.Fixed64Type)
	ltpc = protowire.AppendFixed64(ltpc, math.Float64bits(24610.5))

	var feedMsg []byte
	feedMsg = protowire.AppendTag(feedMsg, 1, protowire.BytesType)
	feedMsg = protowire.AppendBytes(feedMsg, ltpc)

	var entry []byte
	entry = protowire.AppendTag(entry, 1, protowire.BytesType)
	entry = protowire.AppendString(entry, "NSE_INDEX|Nifty 50")
	entry = protowire.AppendTag(entry, 2, protowire.BytesType)
	entry = protowire.AppendBytes(entry, feedMsg)

	var frame []byte
	frame = protowire.AppendTag(frame, 1, protowire.VarintType)
	frame = protowire.AppendVarint(frame, 1)
	frame = protowire.AppendTag(frame, 2, protowire.BytesType)
	frame = protowire.AppendBytes(frame, entry)

	var broker feed.Broker = InitUpstoxBroker(config.BrokerConfig{AccessToken: "secret"})
	decoder, ok := broker.(feed.FeedDecoder)
	if !ok {
		t.Fatal("upstox broker must decode its own frames")
	}

	ticks, err := decoder.DecodeFeed(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ticks) != 1 || ticks[0].InstrumentKey != "NSE_INDEX|Nifty 50" || ticks[0].LastTradedPrice.Float64 != 24610.5 {
		t.Fatalf("unexpected ticks: %+v", ticks)
	}
}
