package handler

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/rl1809/drone-inventory/internal/core/domain"
)

var (
	errOutboxFull = errors.New("outbox full")
	errConnClosed = errors.New("connection closed")
)

// wsConn is a port.Connection over one websocket. Frames are queued on a
// bounded outbox and written by a single writer goroutine, so Send never
// blocks on a slow peer.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	outbox       chan any
	writeTimeout time.Duration
	log          *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
	reason    string
	finished  chan struct{}
}

func newWSConn(ws *websocket.Conn, outboxSize int, writeTimeout time.Duration, log *zap.Logger) *wsConn {
	c := &wsConn{
		id:           uuid.NewString(),
		ws:           ws,
		outbox:       make(chan any, outboxSize),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
	}
	c.log = log.With(zap.String("conn_id", c.id))
	go c.writeLoop()
	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(frame any) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.outbox <- frame:
		return nil
	default:
		return errOutboxFull
	}
}

// Close stops the connection. A non-empty reason reaches the peer as a
// final error frame before the socket closes.
func (c *wsConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
	return nil
}

func (c *wsConn) writeLoop() {
	defer close(c.finished)
	defer c.ws.Close()

	for {
		select {
		case <-c.done:
			if c.reason != "" {
				_ = c.write(domain.ErrorEvent{Type: domain.EventError, Reason: c.reason})
			}
			return
		case frame := <-c.outbox:
			if err := c.write(frame); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				c.Close("")
				return
			}
		}
	}
}

func (c *wsConn) write(frame any) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return websocket.JSON.Send(c.ws, frame)
}

// wait blocks until the writer has closed the socket.
func (c *wsConn) wait() {
	<-c.finished
}
