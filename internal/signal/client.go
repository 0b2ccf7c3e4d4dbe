// Package signal is the relay transport: named events in a JSON envelope
// over a websocket, with a ping heartbeat and bounded redial.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"supportcall/native/internal/domain"
	"supportcall/native/internal/retry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// envelope is the generic WebSocket message envelope.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Options tunes the transport.
type Options struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	// Redial governs reconnecting after the connection drops.
	Redial retry.Policy
}

// DefaultOptions returns the stock heartbeat and redial settings.
func DefaultOptions() Options {
	return Options{
		PingInterval: 25 * time.Second,
		WriteTimeout: 5 * time.Second,
		Redial:       retry.Policy{Attempts: 5, Backoff: time.Second},
	}
}

// link is one live websocket; done closes when it is replaced or dropped.
type link struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (l *link) shut() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// Client manages the WebSocket connection to the signaling relay.
type Client struct {
	url       string
	token     string
	sessionID string
	opts      Options
	log       zerolog.Logger
	dialer    *websocket.Dialer

	handlerMu sync.RWMutex
	handler   domain.Handler

	dialMu sync.Mutex

	mu   sync.Mutex
	link *link

	closeOnce sync.Once
	closed    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a relay client for url authenticating with token.
func NewClient(url, token string, opts Options, log zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:       url,
		token:     token,
		sessionID: uuid.NewString(),
		opts:      opts,
		log:       log,
		dialer:    websocket.DefaultDialer,
		closed:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetHandler registers the receiver of inbound events.
func (c *Client) SetHandler(h domain.Handler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Connect dials the relay and starts the read and ping loops.
func (c *Client) Connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	select {
	case <-c.closed:
		return errors.New("signal client closed")
	default:
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("X-Session-ID", c.sessionID)

	c.log.Info().Str("url", c.url).Msg("connecting")
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	l := &link{conn: conn, done: make(chan struct{})}
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		conn.Close()
		return errors.New("signal client closed")
	default:
	}
	prev := c.link
	c.link = l
	c.mu.Unlock()
	if prev != nil {
		prev.shut()
	}

	go c.readLoop(l)
	go c.pingLoop(l)
	c.log.Info().Msg("connected")
	return nil
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Reconnect redials unless a connection is already up.
func (c *Client) Reconnect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if c.Connected() {
		return nil
	}
	return c.opts.Redial.Do(ctx, func(attempt int) error {
		err := c.dial(ctx)
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("redial failed")
		}
		return err
	})
}

// Close shuts down the connection and stops redialing.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
	})
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()
	if l != nil {
		l.shut()
	}
}

// Emit sends event with payload as its data.
func (c *Client) Emit(event string, payload domain.SignalPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	msg, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.link
	if l == nil {
		return domain.ErrNotConnected
	}
	c.log.Debug().Str("event", event).Str("call_id", payload.CallID).Msg(">>>")
	if c.opts.WriteTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.link = nil
		go func() {
			l.shut()
			c.redial()
		}()
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// drop forgets l if it is still the live link.
func (c *Client) drop(l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l {
		return false
	}
	c.link = nil
	return true
}

func (c *Client) readLoop(l *link) {
	defer l.shut()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			case <-l.done:
				return
			default:
			}
			c.log.Warn().Err(err).Msg("read error")
			if c.drop(l) {
				go c.redial()
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn().Err(err).Msg("unmarshal envelope")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) redial() {
	if err := c.Reconnect(c.ctx); err != nil {
		select {
		case <-c.closed:
		default:
			c.log.Error().Err(err).Msg("giving up on relay connection")
		}
	}
}

func (c *Client) dispatch(env envelope) {
	if env.Event == "" {
		c.log.Debug().Msg("message without event name")
		return
	}
	var payload domain.SignalPayload
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.log.Warn().Err(err).Str("event", env.Event).Msg("unmarshal payload")
			return
		}
	}
	c.log.Debug().Str("event", env.Event).Str("call_id", payload.CallID).Msg("<<<")

	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h == nil {
		c.log.Debug().Str("event", env.Event).Msg("no handler registered")
		return
	}
	h.OnSignal(env.Event, payload)
}

func (c *Client) pingLoop(l *link) {
	if c.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-l.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := l.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(5*time.Second),
			)
			c.mu.Unlock()
			if err != nil {
				c.log.Warn().Err(err).Msg("ping error")
				return
			}
		}
	}
}
