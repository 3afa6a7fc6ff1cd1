// Package websocket is the STOMP-over-WebSocket transport of a chat session.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"chat-client/internal/config"
	"chat-client/internal/models"
	"chat-client/pkg/logger"
)

var errSendBufferFull = errors.New("send buffer full")

// TokenSource supplies the bearer token presented in the CONNECT frame.
type TokenSource interface {
	Token() string
}

// Handler receives the body of every MESSAGE delivered for a subscription.
type Handler func(body []byte)

type Options struct {
	URL            string
	ConnectTimeout time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	SendBuffer     int
	Reconnect      bool
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

func OptionsFromConfig(wsURL string, cfg config.TransportConfig) Options {
	return Options{
		URL:            wsURL,
		ConnectTimeout: cfg.ConnectTimeout,
		PingPeriod:     cfg.PingPeriod,
		PongWait:       cfg.PongWait,
		SendBuffer:     cfg.SendBuffer,
		Reconnect:      cfg.Reconnect,
		ReconnectMin:   cfg.ReconnectMin,
		ReconnectMax:   cfg.ReconnectMax,
	}
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

type subscription struct {
	id          string
	destination string
	handler     Handler
}

// Client is the session-scoped transport. It holds at most one subscription per
// destination and survives unexpected drops by redialling and replaying them.
type Client struct {
	opts   Options
	tokens TokenSource
	dialer *websocket.Dialer

	mu              sync.Mutex
	state           connState
	conn            *conn
	subs            map[string]*subscription
	byID            map[string]*subscription
	nextID          int
	closed          bool
	// generation advances on every Connect and Disconnect; a dial that finishes under an
	// older generation is abandoned.
	generation      uint64
	cancelReconnect context.CancelFunc
	onReconnect     func()
}

func NewClient(opts Options, tokens TokenSource) *Client {
	if opts.SendBuffer < 1 {
		opts.SendBuffer = 256
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	return &Client{
		opts:   opts,
		tokens: tokens,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.ConnectTimeout,
			Subprotocols:     []string{"v12.stomp", "v11.stomp"},
		},
		subs: make(map[string]*subscription),
		byID: make(map[string]*subscription),
	}
}

// OnReconnect registers a callback run after a dropped connection was re-established
// and every subscription replayed.
func (c *Client) OnReconnect(f func()) {
	c.mu.Lock()
	c.onReconnect = f
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Connect opens the session and runs onReady once the broker accepted it. It is a no-op
// while a connection is live or being established. A failed handshake is not retried.
func (c *Client) Connect(ctx context.Context, onReady func()) error {
	c.mu.Lock()
	if c.state != stateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = stateConnecting
	c.closed = false
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	cn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		if c.generation == gen {
			c.state = stateDisconnected
		}
		c.mu.Unlock()
		logger.Error("STOMP connect to %s failed: %v", c.opts.URL, err)
		return err
	}

	c.mu.Lock()
	if c.closed || c.generation != gen {
		c.mu.Unlock()
		cn.close()
		logger.Debug("Abandoning STOMP session to %s opened after disconnect", c.opts.URL)
		return models.ErrNotConnected
	}
	c.conn = cn
	c.state = stateConnected
	c.mu.Unlock()

	go c.watch(cn)
	logger.Info("STOMP session established with %s", c.opts.URL)

	if onReady != nil {
		onReady()
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	ws, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.opts.URL, err)
	}

	if err := c.handshake(ctx, ws); err != nil {
		ws.Close()
		return nil, err
	}
	return newConn(ws, c.opts, c.dispatch), nil
}

func (c *Client) handshake(ctx context.Context, ws *websocket.Conn) error {
	host := ""
	if u, err := url.Parse(c.opts.URL); err == nil {
		host = u.Hostname()
	}
	data, err := encodeFrame(connectFrame(host, c.tokens.Token()))
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending CONNECT: %w", err)
	}

	ws.SetReadDeadline(deadline)
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("awaiting CONNECTED: %w", err)
		}
		f, err := decodeFrame(msg)
		if err != nil {
			return err
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			ws.SetReadDeadline(time.Time{})
			return nil
		case frame.ERROR:
			return fmt.Errorf("broker rejected connection: %s", f.Header.Get(frame.Message))
		default:
			return fmt.Errorf("unexpected %s frame during handshake", f.Command)
		}
	}
}

// Subscribe registers handler for destination, replacing any earlier subscription to it.
func (c *Client) Subscribe(destination string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return models.ErrNotConnected
	}

	if old, ok := c.subs[destination]; ok {
		if err := c.conn.enqueue(unsubscribeFrame(old.id)); err != nil {
			return fmt.Errorf("unsubscribing %s: %w", destination, err)
		}
		delete(c.byID, old.id)
		delete(c.subs, destination)
	}

	c.nextID++
	sub := &subscription{
		id:          fmt.Sprintf("sub-%d", c.nextID),
		destination: destination,
		handler:     handler,
	}
	if err := c.conn.enqueue(subscribeFrame(sub.id, destination)); err != nil {
		return fmt.Errorf("subscribing %s: %w", destination, err)
	}
	c.subs[destination] = sub
	c.byID[sub.id] = sub
	logger.Debug("Subscribed %s as %s", destination, sub.id)
	return nil
}

func (c *Client) Unsubscribe(destination string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[destination]
	if !ok {
		return nil
	}
	delete(c.subs, destination)
	delete(c.byID, sub.id)
	if c.conn == nil {
		return nil
	}
	return c.conn.enqueue(unsubscribeFrame(sub.id))
}

// Publish sends payload as JSON. Without a live connection the payload is dropped and
// ErrNotConnected returned.
func (c *Client) Publish(destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", destination, err)
	}

	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		logger.Warn("Dropping publish to %s: not connected", destination)
		return models.ErrNotConnected
	}
	if err := cn.enqueue(sendFrame(destination, body)); err != nil {
		logger.Warn("Dropping publish to %s: %v", destination, err)
		return err
	}
	return nil
}

// Disconnect unsubscribes everything and closes the session. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.generation++
	if c.cancelReconnect != nil {
		c.cancelReconnect()
		c.cancelReconnect = nil
	}
	cn := c.conn
	subs := c.subs
	c.conn = nil
	c.state = stateDisconnected
	c.subs = make(map[string]*subscription)
	c.byID = make(map[string]*subscription)
	c.mu.Unlock()

	if cn == nil {
		return
	}
	for _, sub := range subs {
		_ = cn.enqueue(unsubscribeFrame(sub.id))
	}
	_ = cn.enqueue(disconnectFrame())
	cn.close()
	logger.Info("STOMP session closed")
}

func (c *Client) dispatch(f *frame.Frame) {
	switch f.Command {
	case frame.MESSAGE:
		c.mu.Lock()
		sub, ok := c.byID[f.Header.Get(frame.Subscription)]
		if !ok {
			sub, ok = c.subs[f.Header.Get(frame.Destination)]
		}
		c.mu.Unlock()
		if !ok {
			logger.Debug("Dropping message for unknown subscription %q", f.Header.Get(frame.Subscription))
			return
		}
		sub.handler(f.Body)
	case frame.ERROR:
		logger.Error("Broker error: %s %s", f.Header.Get(frame.Message), string(f.Body))
	case frame.RECEIPT:
	default:
		logger.Debug("Ignoring %s frame", f.Command)
	}
}

// watch waits for cn to end and starts reconnecting if the end was not requested.
func (c *Client) watch(cn *conn) {
	<-cn.done

	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.closed || !c.opts.Reconnect {
		c.state = stateDisconnected
		c.mu.Unlock()
		logger.Warn("STOMP connection lost")
		return
	}
	c.state = stateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelReconnect = cancel
	gen := c.generation
	c.mu.Unlock()

	logger.Warn("STOMP connection lost, reconnecting")
	go c.reconnect(ctx, gen)
}
