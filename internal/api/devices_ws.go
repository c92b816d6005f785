/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/campusgrid/supernode/internal/protocol"
	"github.com/campusgrid/supernode/internal/router"
	"github.com/campusgrid/supernode/internal/telemetry"
	"github.com/campusgrid/supernode/internal/transport"
)

// DeviceSocket accepts device connections and pumps their frames through
// the message router.
type DeviceSocket struct {
	hub    *transport.Hub
	router *router.Router
	logger zerolog.Logger
}

// NewDeviceSocket creates the socket handler.
func NewDeviceSocket(hub *transport.Hub, rt *router.Router, logger zerolog.Logger) *DeviceSocket {
	return &DeviceSocket{
		hub:    hub,
		router: rt,
		logger: logger.With().Str("component", "device_ws").Logger(),
	}
}

// Handle upgrades the request and runs the connection until it drops. Each
// connection gets a server-assigned id; device identity arrives later in its
// register frame.
func (h *DeviceSocket) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}

	connID := uuid.NewString()
	ip := clientIP(r)
	wsc := transport.NewWSConn(connID, conn, h.logger)
	h.hub.Add(wsc)

	telemetry.WebSocketConnections.Inc()
	h.logger.Debug().Str("conn_id", connID).Str("ip", ip).Msg("device connected")

	defer func() {
		h.router.Disconnect(connID)
		h.hub.Remove(connID)
		wsc.Close("connection closed")
		telemetry.WebSocketConnections.Dec()
		h.logger.Debug().Str("conn_id", connID).Msg("device connection closed")
	}()

	ctx := r.Context()
	go wsc.WritePump(ctx)

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if ws.CloseStatus(err) != ws.StatusNormalClosure && ctx.Err() == nil {
				h.logger.Debug().Err(err).Str("conn_id", connID).Msg("websocket read error")
			}
			return
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			_ = wsc.Send(protocol.MustNew(protocol.KindError, protocol.ErrorReply{
				Code:    protocol.ErrValidation,
				Message: err.Error(),
			}))
			continue
		}

		h.router.HandleMessage(ctx, connID, ip, msg)
	}
}

// clientIP prefers the RealIP middleware's result, falling back to the raw
// peer address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
