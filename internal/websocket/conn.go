package websocket

import (
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"chat-client/internal/models"
	"chat-client/pkg/logger"
)

const writeWait = 10 * time.Second

// conn is one live STOMP session over a websocket. The read pump dispatches inbound
// frames in order; the write pump is the only writer and keeps the link alive with pings.
type conn struct {
	ws         *websocket.Conn
	send       chan []byte
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	pingPeriod time.Duration
	pongWait   time.Duration
	dispatch   func(*frame.Frame)
}

func newConn(ws *websocket.Conn, opts Options, dispatch func(*frame.Frame)) *conn {
	c := &conn{
		ws:         ws,
		send:       make(chan []byte, opts.SendBuffer),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		pingPeriod: opts.PingPeriod,
		pongWait:   opts.PongWait,
		dispatch:   dispatch,
	}
	go c.writePump()
	go c.readPump()
	return c
}

// enqueue hands a frame to the write pump without blocking.
func (c *conn) enqueue(f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case <-c.stop:
		return models.ErrNotConnected
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.stop:
		return models.ErrNotConnected
	default:
		return errSendBufferFull
	}
}

// close asks the write pump to flush queued frames and close the socket.
func (c *conn) close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *conn) readPump() {
	defer func() {
		c.close()
		c.ws.Close()
		close(c.done)
	}()

	c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Error("WebSocket error: %v", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.pongWait))

		f, err := decodeFrame(data)
		if err != nil {
			logger.Warn("Dropping malformed frame: %v", err)
			continue
		}
		if f == nil {
			continue
		}
		c.dispatch(f)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				logger.Error("Write error: %v", err)
				c.close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.stop:
			c.flush()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}
