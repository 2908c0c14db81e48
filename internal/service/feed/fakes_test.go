package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/krobus00/option-feed-service/internal/entity"
)

var (
	errFakeClosed = errors.New("use of closed connection")
	errTestDial   = errors.New("connection refused")
)

type fakeConn struct {
	mu           sync.Mutex
	subscribed   []entity.InstrumentKey
	closed       bool
	readerExited bool

	messages chan []byte
	done     chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		messages: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) Subscribe(keys []entity.InstrumentKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscribed = append([]entity.InstrumentKey(nil), keys...)
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.messages:
		return msg, nil
	case <-c.done:
		c.mu.Lock()
		c.readerExited = true
		c.mu.Unlock()
		return nil, errFakeClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) drop() {
	c.Close()
}

func (c *fakeConn) keys() []entity.InstrumentKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]entity.InstrumentKey(nil), c.subscribed...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *fakeConn) exited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.readerExited
}

type fakeBroker struct {
	mu             sync.Mutex
	authorizeCalls int
	dialCalls      int
	authErr        error
	dialErr        error
	gate           chan struct{}
	conns          []*fakeConn
	urls           []string
	// priorExited records, per dial, whether every earlier connection had
	// already finished reading when the dial started.
	priorExited []bool
}

func (b *fakeBroker) Authorize(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.authorizeCalls++
	if b.authErr != nil {
		return "", b.authErr
	}

	return fmt.Sprintf("wss://feed.example/%d", b.authorizeCalls), nil
}

func (b *fakeBroker) Dial(ctx context.Context, url string) (FeedConn, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dialCalls++
	b.urls = append(b.urls, url)
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	exited := true
	for _, c := range b.conns {
		if !c.exited() {
			exited = false
		}
	}
	b.priorExited = append(b.priorExited, exited)

	conn := newFakeConn()
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *fakeBroker) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.authorizeCalls, b.dialCalls
}

type fakeHours struct {
	open atomic.Bool
}

func newFakeHours(open bool) *fakeHours {
	h := &fakeHours{}
	h.open.Store(open)
	return h
}

func (h *fakeHours) IsOpen(time.Time) bool {
	return h.open.Load()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}
