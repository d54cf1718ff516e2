package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/roomchat/core"
)

// Conn is one authenticated client connection.
type Conn struct {
	id       string
	identity core.RoomIdentity
	conn     *websocket.Conn
	config   core.WSConfig

	writeStream chan []byte
	done        chan struct{}
	stopOnce    sync.Once

	onFrame          func(*Conn, core.ChatMessage)
	notifyDisconnect func()
	logger           *slog.Logger
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Identity() core.RoomIdentity {
	return c.identity
}

// enqueue hands frame to the write loop. It returns false when the
// connection is stopped or its buffer is full.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.writeStream <- frame:
		return true
	default:
		return false
	}
}

// stop makes the write loop send a close message and return.
func (c *Conn) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) readLoop() {
	c.logger.Debug("read loop started")
	defer func() {
		c.notifyDisconnect()
		c.conn.Close()
		c.logger.Debug("read loop stopped")
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if format != websocket.TextMessage {
			c.logger.Warn(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		b, err := io.ReadAll(r)
		if err != nil {
			c.logger.Error(fmt.Sprintf("reading frame: %v", err))
			return
		}
		msg, err := core.DecodeFrame(b)
		if err != nil {
			c.logger.Warn(err.Error())
			continue
		}
		c.onFrame(c, msg)
	}
}

func (c *Conn) writeLoop() {
	c.logger.Debug("write loop started")
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			// give the peer WriteWait to answer the close message
			c.conn.SetReadDeadline(time.Now().Add(c.config.WriteWait))
			return
		case frame := <-c.writeStream:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Error(fmt.Sprintf("writing frame: %v", err))
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				c.conn.Close()
				return
			}
		}
	}
}

// flush writes the frames queued before the connection was stopped, such as
// the last broadcasts of its room. It gives up after WriteWait.
func (c *Conn) flush() {
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
	for {
		select {
		case frame := <-c.writeStream:
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn(fmt.Sprintf("flushing frames: %v", err))
				return
			}
		default:
			return
		}
	}
}
