package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/krobus00/option-feed-service/internal/service/feed"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultSendBuffer   = 256
	defaultRequestRate  = 2
	defaultRequestBurst = 5
	readLimit           = 64 << 10
	pongWait            = 60 * time.Second
	pingPeriod          = 25 * time.Second
	writeWait           = 10 * time.Second
)

var (
	errSessionClosed  = errors.New("session closed")
	errSendBufferFull = errors.New("session send buffer full")
)

// FeedService is the part of the feed bridge a session talks to.
type FeedService interface {
	Hub() *feed.Hub
	Status() entity.FeedStatus
	SwitchUnderlying(ctx context.Context, sub feed.Subscriber, req entity.ClientRequest)
}

type Config struct {
	SendBuffer   int
	RequestRate  float64
	RequestBurst int
}

type Handler struct {
	feedService FeedService
	cfg         Config
	upgrader    websocket.Upgrader
}

func NewFeedWSHandler(feedService FeedService, cfg Config) *Handler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.RequestRate <= 0 {
		cfg.RequestRate = defaultRequestRate
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = defaultRequestBurst
	}

	return &Handler{
		feedService: feedService,
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.ServeWS)
}

func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("ws upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:          uuid.NewString(),
		conn:        conn,
		feedService: h.feedService,
		send:        make(chan any, h.cfg.SendBuffer),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(h.cfg.RequestRate), h.cfg.RequestBurst),
		ctx:         ctx,
		cancel:      cancel,
	}

	// the current status goes out before any broadcast
	_ = s.Send(entity.NewFeedStatusMessage(h.feedService.Status()))
	h.feedService.Hub().Register(s)

	go s.writePump()
	s.readPump()
}

// session is one downstream websocket consumer.
type session struct {
	id          string
	conn        *websocket.Conn
	feedService FeedService
	send        chan any
	done        chan struct{}
	closeOnce   sync.Once
	limiter     *rate.Limiter
	ctx         context.Context
	cancel      context.CancelFunc

	mu                         sync.Mutex
	currentSubscriptionRequest *entity.ClientRequest
	ackPending                 bool
}

func (s *session) ID() string {
	return s.id
}

// Send queues msg without blocking. A full buffer is a delivery failure.
func (s *session) Send(msg any) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	select {
	case s.send <- msg:
	default:
		return errSendBufferFull
	}

	switch msg.(type) {
	case entity.SubscriptionAck, entity.SubscriptionError:
		s.mu.Lock()
		s.ackPending = false
		s.mu.Unlock()
	}

	return nil
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.feedService.Hub().Unregister(s.id)
		_ = s.conn.Close()
	})
}

func (s *session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithField("session", s.id).Warnf("ws read failed: %v", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		s.handleMessage(message)
	}
}

func (s *session) handleMessage(message []byte) {
	var req entity.ClientRequest
	if err := json.Unmarshal(message, &req); err != nil {
		logrus.WithFields(logrus.Fields{
			"session": s.id,
			"payload": string(message),
		}).Warnf("malformed client request: %v", err)
		_ = s.Send(entity.NewErrorMessage(entity.ReasonMalformedRequest))
		return
	}

	switch strings.TrimSpace(req.Action) {
	case entity.ActionSwitchUnderlying:
		if !s.limiter.Allow() {
			_ = s.Send(entity.NewSubscriptionError(req.UnderlyingKey, entity.ReasonRateLimited))
			return
		}

		s.mu.Lock()
		s.currentSubscriptionRequest = &req
		s.ackPending = true
		s.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"session":    s.id,
			"underlying": req.UnderlyingKey,
			"candidates": len(req.CandidateKeys),
		}).Info("subscription change requested")
		s.feedService.SwitchUnderlying(s.ctx, s, req)
	case entity.ActionGetStatus:
		_ = s.Send(entity.NewFeedStatusMessage(s.feedService.Status()))
	default:
		_ = s.Send(entity.NewErrorMessage(entity.ReasonUnknownAction))
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-s.send:
			payload, err := json.Marshal(msg)
			if err != nil {
				logrus.WithField("session", s.id).Errorf("failed to encode ws message: %v", err)
				continue
			}

			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logrus.WithField("session", s.id).Warnf("ws write failed: %v", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// pendingRequest reports the last subscription request still waiting for a
// terminal reply.
func (s *session) pendingRequest() (*entity.ClientRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentSubscriptionRequest, s.ackPending
}
