/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package transport maintains live client connections and their group
// membership, and delivers addressed, multicast, and broadcast messages.
package transport

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/campusgrid/supernode/internal/protocol"
)

// Conn is one live client connection.
type Conn interface {
	ID() string
	// Send enqueues a message for delivery. It must not block on the peer; a
	// slow consumer drops messages rather than stalling the caller.
	Send(msg protocol.Message) error
	Close(reason string)
}

// RoleGroup names the group holding every connection of a role.
func RoleGroup(role protocol.Role) string {
	return "role:" + string(role)
}

// DeviceGroup names the group scoped to one logical device id.
func DeviceGroup(deviceID string) string {
	return "device:" + deviceID
}

// Hub is a set-valued index from group name to connections, rebuilt on every
// register and disconnect.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	groups map[string]map[string]Conn
	logger zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]Conn),
		groups: make(map[string]map[string]Conn),
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

// Add tracks a new connection.
func (h *Hub) Add(conn Conn) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	h.mu.Unlock()
}

// Remove drops a connection and all of its group memberships.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connID)
	for name, members := range h.groups {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, name)
		}
	}
}

// Get returns the connection for an id.
func (h *Hub) Get(connID string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[connID]
	return conn, ok
}

// Join adds a connection to a group. Unknown connections are ignored.
func (h *Hub) Join(group, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]Conn)
		h.groups[group] = members
	}
	members[connID] = conn
}

// Leave removes a connection from a group.
func (h *Hub) Leave(group, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Unicast delivers to one connection. Returns false when the connection is
// gone.
func (h *Hub) Unicast(connID string, msg protocol.Message) bool {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if err := conn.Send(msg); err != nil {
		h.logger.Debug().Err(err).Str("conn_id", connID).Msg("unicast send failed")
		return false
	}
	return true
}

// ToGroup delivers to every member of a group, returning the delivery count.
// An empty or unknown group is not an error; the count is simply zero.
func (h *Hub) ToGroup(group string, msg protocol.Message) int {
	h.mu.RLock()
	members := make([]Conn, 0, len(h.groups[group]))
	for _, conn := range h.groups[group] {
		members = append(members, conn)
	}
	h.mu.RUnlock()

	sent := 0
	for _, conn := range members {
		if err := conn.Send(msg); err == nil {
			sent++
		}
	}
	return sent
}

// ToGroupExcept is ToGroup minus one connection, for echoes the sender should
// not receive.
func (h *Hub) ToGroupExcept(group, exceptConnID string, msg protocol.Message) int {
	h.mu.RLock()
	members := make([]Conn, 0, len(h.groups[group]))
	for id, conn := range h.groups[group] {
		if id != exceptConnID {
			members = append(members, conn)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, conn := range members {
		if err := conn.Send(msg); err == nil {
			sent++
		}
	}
	return sent
}

// Broadcast delivers to every live connection.
func (h *Hub) Broadcast(msg protocol.Message) int {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	sent := 0
	for _, conn := range conns {
		if err := conn.Send(msg); err == nil {
			sent++
		}
	}
	return sent
}

// GroupSize returns the current member count of a group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
