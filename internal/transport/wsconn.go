/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/campusgrid/supernode/internal/protocol"
)

// ErrConnClosed is returned by Send after the connection has shut down.
var ErrConnClosed = errors.New("connection closed")

// WSConn adapts a websocket connection to the Conn interface with a buffered
// outbound queue and a single writer goroutine.
type WSConn struct {
	id     string
	conn   *ws.Conn
	sendCh chan protocol.Message
	logger zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSConn wraps an accepted websocket connection.
func NewWSConn(id string, conn *ws.Conn, logger zerolog.Logger) *WSConn {
	return &WSConn{
		id:     id,
		conn:   conn,
		sendCh: make(chan protocol.Message, 64),
		logger: logger.With().Str("conn_id", id).Logger(),
		closed: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *WSConn) ID() string { return c.id }

// Send enqueues a message. A full queue drops the message instead of
// blocking message handling on a slow consumer.
func (c *WSConn) Send(msg protocol.Message) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	select {
	case c.sendCh <- msg:
		return nil
	default:
		c.logger.Warn().Str("type", string(msg.Type)).Msg("send queue full, dropping message")
		return nil
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *WSConn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close(ws.StatusNormalClosure, reason)
	})
}

// WritePump drains the outbound queue onto the socket until the context ends
// or the connection closes. Run it in its own goroutine.
func (c *WSConn) WritePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case msg := <-c.sendCh:
			raw, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("encode outbound message")
				continue
			}
			if err := c.conn.Write(ctx, ws.MessageText, raw); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				c.Close("write failed")
				return
			}
		}
	}
}
