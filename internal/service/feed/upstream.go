package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	defaultAuthorizeTimeout = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

var (
	ErrAuthorization = errors.New("broker authorization failed")
	ErrHandshake     = errors.New("feed handshake failed")
	ErrMarketClosed  = errors.New("market closed")
	ErrStopped       = errors.New("feed stopped")
)

// Broker is the venue boundary: a single-use authorize call and a dial.
type Broker interface {
	Authorize(ctx context.Context) (string, error)
	Dial(ctx context.Context, url string) (FeedConn, error)
}

// FeedConn is one physical streaming connection.
type FeedConn interface {
	Subscribe(keys []entity.InstrumentKey) error
	ReadMessage() ([]byte, error)
	Close() error
}

type MarketHours interface {
	IsOpen(t time.Time) bool
}

type UpstreamConfig struct {
	AuthorizeTimeout time.Duration
	HandshakeTimeout time.Duration
}

type UpstreamHandlers struct {
	OnMessage func(msg []byte)
	OnStatus  func(state entity.FeedState, status entity.FeedStatus)
	OnDrop    func(err error)
}

// UpstreamConnection owns the single broker connection. Every subscription
// change is a full teardown, authorize, dial and subscribe cycle.
type UpstreamConnection struct {
	broker   Broker
	hours    MarketHours
	cfg      UpstreamConfig
	handlers UpstreamHandlers
	now      func() time.Time

	// cycleMu serializes Cycle and the teardown in Stop.
	cycleMu sync.Mutex

	mu            sync.Mutex
	state         entity.FeedState
	conn          FeedConn
	readDone      chan struct{}
	attemptCancel context.CancelFunc
	stopped       bool
}

func NewUpstreamConnection(broker Broker, hours MarketHours, cfg UpstreamConfig, handlers UpstreamHandlers) *UpstreamConnection {
	if cfg.AuthorizeTimeout <= 0 {
		cfg.AuthorizeTimeout = defaultAuthorizeTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	return &UpstreamConnection{
		broker:   broker,
		hours:    hours,
		cfg:      cfg,
		handlers: handlers,
		now:      time.Now,
		state:    entity.FeedStateDisconnected,
	}
}

func (u *UpstreamConnection) State() entity.FeedState {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.state
}

// Cycle tears down any live connection, waits for its read loop to exit and
// then connects with keys. It makes exactly one attempt; retrying is the
// caller's decision.
func (u *UpstreamConnection) Cycle(ctx context.Context, keys []entity.InstrumentKey) error {
	u.cycleMu.Lock()
	defer u.cycleMu.Unlock()

	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return ErrStopped
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	u.attemptCancel = cancel
	hasConn := u.conn != nil
	u.mu.Unlock()

	defer func() {
		cancel()
		u.mu.Lock()
		u.attemptCancel = nil
		u.mu.Unlock()
	}()

	if hasConn {
		u.transition(entity.FeedStateResetting)
		u.teardown()
	}

	if u.hours != nil && !u.hours.IsOpen(u.now()) {
		u.transitionStatus(entity.FeedStateDisconnected, entity.FeedStatusMarketClosed)
		return ErrMarketClosed
	}

	u.transition(entity.FeedStateAuthorizing)
	authCtx, authCancel := context.WithTimeout(attemptCtx, u.cfg.AuthorizeTimeout)
	url, err := u.broker.Authorize(authCtx)
	authCancel()
	if err != nil {
		return u.fail(attemptCtx, fmt.Errorf("%w: %w", ErrAuthorization, err))
	}

	u.transition(entity.FeedStateConnecting)
	dialCtx, dialCancel := context.WithTimeout(attemptCtx, u.cfg.HandshakeTimeout)
	conn, err := u.broker.Dial(dialCtx, url)
	dialCancel()
	if err != nil {
		return u.fail(attemptCtx, fmt.Errorf("%w: %w", ErrHandshake, err))
	}

	if err := conn.Subscribe(keys); err != nil {
		_ = conn.Close()
		return u.fail(attemptCtx, fmt.Errorf("%w: subscribe: %w", ErrHandshake, err))
	}

	u.mu.Lock()
	if u.stopped || attemptCtx.Err() != nil {
		u.mu.Unlock()
		_ = conn.Close()
		return ErrStopped
	}
	done := make(chan struct{})
	u.conn = conn
	u.readDone = done
	u.mu.Unlock()

	u.transition(entity.FeedStateConnected)
	logrus.WithField("keys_count", len(keys)).Info("upstream feed connected")

	go u.readLoop(conn, done)

	return nil
}

// Stop cancels an in-flight authorize or dial, lets a running teardown
// finish and leaves the connection STOPPED.
func (u *UpstreamConnection) Stop() {
	u.mu.Lock()
	u.stopped = true
	if u.attemptCancel != nil {
		u.attemptCancel()
	}
	u.mu.Unlock()

	u.cycleMu.Lock()
	defer u.cycleMu.Unlock()

	u.teardown()
	u.transition(entity.FeedStateStopped)
}

func (u *UpstreamConnection) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil && u.isStopped() {
		return ErrStopped
	}

	u.transition(entity.FeedStateDisconnected)
	return err
}

func (u *UpstreamConnection) isStopped() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.stopped
}

// teardown closes the live connection and blocks until its read loop exits.
func (u *UpstreamConnection) teardown() {
	u.mu.Lock()
	conn := u.conn
	done := u.readDone
	u.conn = nil
	u.readDone = nil
	u.mu.Unlock()

	if conn == nil {
		return
	}

	if err := conn.Close(); err != nil {
		logrus.Warnf("closing upstream connection: %v", err)
	}
	if done != nil {
		<-done
	}
}

func (u *UpstreamConnection) readLoop(conn FeedConn, done chan struct{}) {
	defer close(done)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			u.mu.Lock()
			unexpected := u.conn == conn
			if unexpected {
				u.conn = nil
				u.readDone = nil
			}
			u.mu.Unlock()

			if unexpected {
				logrus.Warnf("upstream feed dropped: %v", err)
				_ = conn.Close()
				u.transition(entity.FeedStateDisconnected)
				if u.handlers.OnDrop != nil {
					u.handlers.OnDrop(err)
				}
			}
			return
		}

		if u.handlers.OnMessage != nil {
			u.handlers.OnMessage(msg)
		}
	}
}

func (u *UpstreamConnection) transition(state entity.FeedState) {
	u.transitionStatus(state, state.Status())
}

func (u *UpstreamConnection) transitionStatus(state entity.FeedState, status entity.FeedStatus) {
	u.mu.Lock()
	prev := u.state
	u.state = state
	u.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"from":   prev,
		"to":     state,
		"status": status,
	}).Debug("upstream state changed")

	if u.handlers.OnStatus != nil {
		u.handlers.OnStatus(state, status)
	}
}
