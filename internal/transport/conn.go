package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/models"
)

// wsConn is the registry Sender for one socket. Frames go through a bounded
// buffer to a single writer goroutine; gorilla connections allow one
// concurrent writer.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	send   chan models.Frame
	done   chan struct{}
	once   sync.Once
	cfg    Config
	logger zerolog.Logger
}

func newWSConn(id string, conn *websocket.Conn, cfg Config, logger zerolog.Logger) *wsConn {
	return &wsConn{
		id:     id,
		conn:   conn,
		send:   make(chan models.Frame, cfg.SendBuffer),
		done:   make(chan struct{}),
		cfg:    cfg,
		logger: logger,
	}
}

// Send queues f for writing. A full buffer is reported as transient so the
// router retries; a closed socket is reported as gone.
func (c *wsConn) Send(ctx context.Context, f models.Frame) error {
	select {
	case <-c.done:
		return models.ErrConnectionGone
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return models.ErrConnectionGone
	case <-ctx.Done():
		return ctx.Err()
	default:
		return models.ErrSendBufferFull
	}
}

// Close stops the writer and discards buffered frames.
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// writeLoop owns every write to the socket, including pings.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(f); err != nil {
				c.logger.Debug().Err(err).Str("connection_id", c.id).Msg("Write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			deadline := time.Now().Add(time.Second)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}
