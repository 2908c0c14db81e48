package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/krobus00/option-feed-service/internal/config"
	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/krobus00/option-feed-service/internal/service/feed"
	"github.com/sirupsen/logrus"
)

const (
	upstoxDefaultAuthorizeURL = "https://api.upstox.com/v3/feed/market-data-feed/authorize"
	upstoxDefaultPingInterval = 30 * time.Second
	upstoxDefaultHTTPTimeout  = 10 * time.Second
	upstoxWriteTimeout        = 5 * time.Second
	upstoxSubscribeMode       = "full"
)

var ErrUpstoxAuthorize = errors.New("upstox authorize rejected")

type UpstoxBroker struct {
	authorizeURL string
	accessToken  string
	pingInterval time.Duration
	httpClient   *http.Client
	dialer       *websocket.Dialer
}

type upstoxAuthorizeResponse struct {
	Status string `json:"status"`
	Data   struct {
		AuthorizedRedirectURI string `json:"authorized_redirect_uri"`
	} `json:"data"`
	Errors []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errors"`
}

type upstoxSubscribeRequest struct {
	GUID   string              `json:"guid"`
	Method string              `json:"method"`
	Data   upstoxSubscribeData `json:"data"`
}

type upstoxSubscribeData struct {
	Mode           string   `json:"mode"`
	InstrumentKeys []string `json:"instrumentKeys"`
}

func InitUpstoxBroker(cfg config.BrokerConfig) *UpstoxBroker {
	authorizeURL := strings.TrimSpace(cfg.AuthorizeURL)
	if authorizeURL == "" {
		authorizeURL = upstoxDefaultAuthorizeURL
	}

	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = upstoxDefaultPingInterval
	}

	httpTimeout := cfg.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = upstoxDefaultHTTPTimeout
	}

	broker := &UpstoxBroker{
		authorizeURL: authorizeURL,
		accessToken:  strings.TrimSpace(cfg.AccessToken),
		pingInterval: pingInterval,
		httpClient:   &http.Client{Timeout: httpTimeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: httpTimeout,
		},
	}

	RegisterBroker(BrokerUpstox, broker)

	return broker
}

// Authorize requests a single-use websocket url.
func (b *UpstoxBroker) Authorize(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.authorizeURL, nil)
	if err != nil {
		return "", err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.accessToken)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var apiResp upstoxAuthorizeResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("upstox authorize parse failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	if resp.StatusCode >= http.StatusBadRequest || apiResp.Status != "success" {
		errMsg := "unknown error"
		if len(apiResp.Errors) > 0 {
			errMsg = apiResp.Errors[0].Message
		}

		return "", fmt.Errorf("%w: status=%d message=%s", ErrUpstoxAuthorize, resp.StatusCode, errMsg)
	}

	redirectURI := strings.TrimSpace(apiResp.Data.AuthorizedRedirectURI)
	if redirectURI == "" {
		return "", fmt.Errorf("%w: empty authorized_redirect_uri", ErrUpstoxAuthorize)
	}

	return redirectURI, nil
}

// DecodeFeed decodes the binary FeedResponse frames of the v3 feed. JSON
// frames are still accepted.
func (b *UpstoxBroker) DecodeFeed(msg []byte) ([]entity.RawTick, error) {
	return feed.DecodeFeedFrame(msg)
}

func (b *UpstoxBroker) Dial(ctx context.Context, url string) (feed.FeedConn, error) {
	conn, resp, err := b.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("upstox ws dial failed: status=%d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("upstox ws dial failed: %w", err)
	}

	c := &upstoxConn{
		conn:     conn,
		stopPing: make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return nil
	})
	go c.pingLoop(b.pingInterval)

	return c, nil
}

type upstoxConn struct {
	conn *websocket.Conn

	// gorilla allows one concurrent writer
	writeMu   sync.Mutex
	stopPing  chan struct{}
	closeOnce sync.Once
}

func (c *upstoxConn) Subscribe(keys []entity.InstrumentKey) error {
	instrumentKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		instrumentKeys = append(instrumentKeys, key.String())
	}

	payload, err := json.Marshal(upstoxSubscribeRequest{
		GUID:   uuid.NewString(),
		Method: "sub",
		Data: upstoxSubscribeData{
			Mode:           upstoxSubscribeMode,
			InstrumentKeys: instrumentKeys,
		},
	})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(upstoxWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *upstoxConn) ReadMessage() ([]byte, error) {
	_, message, err := c.conn.ReadMessage()
	return message, err
}

func (c *upstoxConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopPing)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})

	return err
}

func (c *upstoxConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(upstoxWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				logrus.Warnf("upstox ws ping failed: %v", err)
				return
			}
		case <-c.stopPing:
			return
		}
	}
}
