// Package websocket keeps a push connection to the notification service and
// turns its messages into update or asset-sync triggers.
package websocket

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/syncbridge/internal/logging"
)

var log = logging.L("websocket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
	minBackoff     = time.Second
	maxBackoff     = time.Minute
	recentIDs      = 128
)

// Notification types sent by the server.
const (
	TypeUpdateAvailable = "update_available"
	TypeAssetsChanged   = "assets_changed"
)

type Config struct {
	URL string
	// Token returns the bearer token for the handshake; empty means none.
	Token func() string
	TLS   *tls.Config
	// OnState, when set, is told about every connect and disconnect. err is
	// the dial or read error that ended the previous attempt, if any.
	OnState func(connected bool, err error)
}

// Notification is a push message from the server.
type Notification struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ack struct {
	Type           string `json:"type"`
	NotificationID string `json:"notificationId"`
	Handled        bool   `json:"handled"`
}

// Handler processes a notification and reports whether it was acted on.
// It runs on the read goroutine and must not block.
type Handler func(n Notification) bool

// Client holds one connection at a time and redials with jittered
// exponential backoff until its context ends. The server may redeliver
// unacknowledged notifications after a reconnect; a delivery whose ID was
// seen recently is acked with its earlier result and not handled again.
type Client struct {
	cfg     Config
	handler Handler
	backoff func(d time.Duration) time.Duration

	seenMu sync.Mutex
	seen   map[string]bool
	order  []string

	connects atomic.Int64
	up       atomic.Bool
}

func New(cfg Config, handler Handler) *Client {
	return &Client{
		cfg:     cfg,
		handler: handler,
		backoff: jitter,
		seen:    make(map[string]bool, recentIDs),
	}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool { return c.up.Load() }

// Connects returns how many connections have been established.
func (c *Client) Connects() int64 { return c.connects.Load() }

// Run dials, serves and redials until ctx is done. It always returns
// ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	delay := minBackoff
	for ctx.Err() == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			c.notify(false, err)
			wait := c.backoff(delay)
			log.Warn("push connection failed", logging.KeyError, err, "retryIn", wait)
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			delay = min(delay*2, maxBackoff)
			continue
		}

		delay = minBackoff
		c.connects.Add(1)
		c.up.Store(true)
		c.notify(true, nil)
		log.Info("push connected", "url", c.cfg.URL)

		err = c.serve(ctx, conn)
		c.up.Store(false)
		if ctx.Err() == nil {
			log.Warn("push connection lost", logging.KeyError, err)
			c.notify(false, err)
		}
	}
	return ctx.Err()
}

func (c *Client) notify(connected bool, err error) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(connected, err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != nil {
		if tok := c.cfg.Token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  c.cfg.TLS,
	}
	conn, resp, err := d.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// serve reads until the connection fails or ctx ends. Acks are written by a
// single writer goroutine that also sends pings.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	acks := make(chan ack, 16)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.write(ctx, conn, acks, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Unblock ReadMessage when ctx ends.
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			log.Warn("malformed push message", logging.KeyError, err)
			continue
		}
		// Messages without an id are keepalives and server acknowledgements.
		if n.ID == "" {
			continue
		}

		handled, dup := c.dispatch(n)
		log.Debug("notification received", "id", n.ID, "type", n.Type, "handled", handled, "duplicate", dup)
		select {
		case acks <- ack{Type: "ack", NotificationID: n.ID, Handled: handled}:
		default:
			log.Warn("ack backlog full, dropping ack", "id", n.ID)
		}
	}
}

// dispatch calls the handler unless n.ID was seen recently.
func (c *Client) dispatch(n Notification) (handled, duplicate bool) {
	c.seenMu.Lock()
	if h, ok := c.seen[n.ID]; ok {
		c.seenMu.Unlock()
		return h, true
	}
	c.seenMu.Unlock()

	handled = c.handler(n)

	c.seenMu.Lock()
	if len(c.order) == recentIDs {
		delete(c.seen, c.order[0])
		c.order = c.order[1:]
	}
	c.seen[n.ID] = handled
	c.order = append(c.order, n.ID)
	c.seenMu.Unlock()
	return handled, false
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, acks <-chan ack, stop <-chan struct{}) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		var err error
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case a := <-acks:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = conn.WriteJSON(a)
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = conn.WriteMessage(websocket.PingMessage, nil)
		}
		if err != nil {
			log.Warn("push write failed", logging.KeyError, err)
			conn.Close()
			return
		}
	}
}

// jitter spreads d by up to 30% either way.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(float64(d)*0.3*(rand.Float64()*2-1))
}
