package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/scribe/internal/reliability"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 16 << 20
	wsBackoffBase    = 250 * time.Millisecond
	wsBackoffMax     = 4 * time.Second
)

var (
	// ErrUnauthorized means the backend rejected our credentials. It is never
	// retried.
	ErrUnauthorized = errors.New("upstream rejected credentials")
	// ErrClosed is returned by Send after the connection has gone away.
	ErrClosed = errors.New("upstream connection closed")
)

type DialerConfig struct {
	URL         string
	APIKey      string
	DialTimeout time.Duration
	Attempts    int
	CloseGrace  time.Duration
}

// Dialer opens one upstream websocket per relay session.
type Dialer struct {
	cfg    DialerConfig
	ws     websocket.Dialer
	logger *slog.Logger
}

func NewDialer(cfg DialerConfig, logger *slog.Logger) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		cfg:    cfg,
		ws:     websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment},
		logger: logger,
	}
}

// Dial connects for the given realtime model, retrying transient failures
// with capped exponential backoff.
func (d *Dialer) Dial(ctx context.Context, model string) (*Conn, error) {
	u, err := url.Parse(strings.TrimSpace(d.cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if d.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}
	headers.Set("OpenAI-Beta", "realtime=v1")

	var lastErr error
	for attempt := 0; attempt < d.cfg.Attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, wsBackoffBase, wsBackoffMax)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		conn, resp, err := d.ws.DialContext(ctx, u.String(), headers)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			conn.SetReadLimit(wsMaxMessageSize)
			return newConn(conn, d.cfg.CloseGrace), nil
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, fmt.Errorf("%w: HTTP %d", ErrUnauthorized, status)
		}
		lastErr = fmt.Errorf("dial upstream websocket: %w", err)
		if ctx.Err() != nil {
			return nil, lastErr
		}
		if status != 0 && !reliability.IsRetryableHTTPStatus(status) {
			return nil, lastErr
		}
		d.logger.Warn("upstream dial failed", "attempt", attempt+1, "max_attempts", d.cfg.Attempts, "status", status, "error", err)
	}
	return nil, lastErr
}

// Conn is one upstream websocket. Send may be called from one goroutine at a
// time; Messages is drained by the session loop.
type Conn struct {
	conn       *websocket.Conn
	closeGrace time.Duration
	writeMu    sync.Mutex
	closeOnce  sync.Once
	messages   chan []byte
	done       chan struct{}

	errMu sync.Mutex
	err   error
}

func newConn(conn *websocket.Conn, closeGrace time.Duration) *Conn {
	c := &Conn{
		conn:       conn,
		closeGrace: closeGrace,
		messages:   make(chan []byte, 256),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send marshals v and writes it as one text frame.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal upstream event: %w", err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write upstream event: %w", err)
	}
	return nil
}

// Messages yields raw inbound frames in receipt order. It is closed when the
// connection ends; Err then reports why.
func (c *Conn) Messages() <-chan []byte { return c.messages }

// Err is nil after a clean shutdown (local Close or a normal close frame).
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends a best-effort close frame and releases the socket.
func (c *Conn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.closeGrace))
		c.writeMu.Unlock()
		retErr = c.conn.Close()
	})
	return retErr
}

func (c *Conn) readLoop() {
	defer close(c.messages)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(err)
			_ = c.Close()
			return
		}
		select {
		case c.messages <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) setErr(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}
