package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/domain"
	"github.com/Lybley/lifeos-sub001/internal/registry"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline   = 5 * time.Second
	sendBufferSize  = 64
	maxFrameSize    = 4096
	closeReasonSize = 120
)

// clientConn owns the write side of one socket and implements domain.Sink.
// A single goroutine performs all writes; Send only enqueues.
type clientConn struct {
	ws        *websocket.Conn
	id        string
	clock     clockwork.Clock
	heartbeat time.Duration

	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newClientConn(ws *websocket.Conn, id string, clock clockwork.Clock, heartbeat time.Duration) *clientConn {
	c := &clientConn{
		ws:        ws,
		id:        id,
		clock:     clock,
		heartbeat: heartbeat,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Send enqueues msg without blocking.
func (c *clientConn) Send(msg domain.ServerMessage) error {
	select {
	case <-c.done:
		return domain.ErrSinkClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return domain.ErrSinkClosed
	default:
		return domain.ErrSinkFull
	}
}

// Close is invoked by the registry on its own goroutine, so the close
// handshake runs in the background.
func (c *clientConn) Close(reason string) {
	go c.closeGraceful(reason)
}

func (c *clientConn) closeGraceful(reason string) {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()

		code := websocket.CloseNormalClosure
		if reason == registry.ReasonShutdown {
			code = websocket.CloseGoingAway
		}
		if len(reason) > closeReasonSize {
			reason = reason[:closeReasonSize]
		}
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline)); err != nil {
			slog.Debug("Failed to write close frame", "connection_id", c.id, "error", err)
		}
		_ = c.ws.Close()
	})
}

// stop ends the writer after the read side has finished.
func (c *clientConn) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	_ = c.ws.Close()
}

// abort is the writer's own exit path after a failed write. Closing the socket
// unblocks the reader, which then unregisters the connection.
func (c *clientConn) abort() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	_ = c.ws.Close()
}

func (c *clientConn) run() {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				slog.Debug("WebSocket write failed", "connection_id", c.id, "error", err)
				c.abort()
				return
			}
		case <-ticker.Chan():
			if err := c.writeHeartbeat(); err != nil {
				slog.Debug("WebSocket heartbeat failed", "connection_id", c.id, "error", err)
				c.abort()
				return
			}
		case <-c.done:
			return
		}
	}
}

// writeHeartbeat sends an unsolicited pong message followed by a ping control
// frame. The client's automatic pong answer refreshes the read deadline.
func (c *clientConn) writeHeartbeat() error {
	data, err := json.Marshal(domain.PongMessage(c.clock.Now()))
	if err != nil {
		return err
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		return err
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
}

func (c *clientConn) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}
