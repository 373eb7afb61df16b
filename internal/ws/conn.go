package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBuffer = 256
)

var (
	ErrConnClosed = errors.New("connection closed")
	ErrSlowClient = errors.New("client too slow")
)

type closeFrame struct {
	code   int
	reason string
}

// conn is a websocket transport of one session. Writes go through a single
// writePump goroutine.
type conn struct {
	id     string
	ws     *websocket.Conn
	remote string
	logger *slog.Logger

	// sendTimeout bounds how long Send waits on a full buffer.
	sendTimeout time.Duration
	send        chan []byte

	closeOnce sync.Once
	closing   chan closeFrame
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func newConn(ws *websocket.Conn, remote string, logger *slog.Logger) *conn {
	id := uuid.NewString()
	c := &conn{
		id:          id,
		ws:          ws,
		remote:      remote,
		logger:      logger.With(slog.String("conn_id", id), slog.String("remote_addr", remote)),
		sendTimeout: writeWait,
		send:        make(chan []byte, sendBuffer),
		closing:     make(chan closeFrame, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *conn) ID() string         { return c.id }
func (c *conn) RemoteAddr() string { return c.remote }

// Send queues data for the write pump. It blocks while the buffer is full
// and closes the connection when the client does not catch up in time.
func (c *conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- data:
		return nil
	default:
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- data:
		return nil
	case <-timer.C:
		c.logger.Warn("Client too slow, disconnecting")
		c.Close(websocket.ClosePolicyViolation, "client too slow")
		return ErrSlowClient
	}
}

// Close sends a close frame after the queued messages and closes the
// connection. Only the first call has an effect.
func (c *conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closing <- closeFrame{code: code, reason: reason}
	})
	return nil
}

func (c *conn) shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("Write failed", slog.String("error", err.Error()))
				return
			}

		case frame := <-c.closing:
			c.drain()
			payload := websocket.FormatCloseMessage(frame.code, frame.reason)
			_ = c.write(websocket.CloseMessage, payload)
			return

		case <-c.stop:
			return

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain writes whatever is still buffered.
func (c *conn) drain() {
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

// readPump reads until the connection fails and reports the close status.
// Inbound messages carry no meaning in this protocol and are discarded.
func (c *conn) readPump(onClose func(code int, reason string)) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			code, reason := closeStatus(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Connection lost", slog.String("error", err.Error()))
			}
			c.shutdown()
			onClose(code, reason)
			return
		}
		c.logger.Debug("Ignoring inbound message", slog.Int("bytes", len(msg)))
	}
}

func closeStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
