// Package wschan carries frames over a websocket connection, one binary
// message per frame. The accepting side is an http.Handler that reports peer
// readiness as connections come and go; the dialing side registers by
// connecting.
package wschan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/rmbridge/internal/channel"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	HeaderIdentity = "X-Rmbridge-Identity"
	HeaderLabel    = "X-Rmbridge-Label"

	inboxDepth   = 64
	closeTimeout = time.Second
)

// conn adapts one websocket to channel.Endpoint. A reader goroutine feeds the
// inbox so Recv can honour ctx.
type conn struct {
	ws   *websocket.Conn
	max  int
	peer string
	log  zerolog.Logger

	in     chan []byte
	done   chan struct{}
	closed chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	readErr   error
}

func newConn(ws *websocket.Conn, peer string, max int, log zerolog.Logger) *conn {
	ws.SetReadLimit(int64(max))
	c := &conn{
		ws:     ws,
		max:    max,
		peer:   peer,
		log:    log,
		in:     make(chan []byte, inboxDepth),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *conn) readLoop() {
	defer func() {
		_ = c.ws.Close()
		close(c.done)
	}()
	for {
		typ, b, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		if typ != websocket.BinaryMessage {
			c.log.Debug().Int("type", typ).Msg("non-binary message ignored")
			continue
		}
		select {
		case c.in <- b:
		case <-c.closed:
			return
		}
	}
}

func (c *conn) Send(ctx context.Context, frame []byte) error {
	if err := channel.CheckSize(frame, c.max); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return channel.ErrNotRegistered
	case <-c.done:
		return fmt.Errorf("%w: %w", channel.ErrPeerUnknown, c.readErr)
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, channel.ErrNotRegistered
	case <-c.done:
		// Drain what arrived before the socket went away.
		select {
		case b := <-c.in:
			return b, nil
		default:
		}
		return nil, fmt.Errorf("%w: %w", channel.ErrPeerUnknown, c.readErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) MaxFrameSize() int { return c.max }

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unregistered")
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
		c.writeMu.Unlock()
		err = c.ws.Close()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			c.log.Debug().Err(werr).Msg("close frame not sent")
		}
	})
	return err
}
