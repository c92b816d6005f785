/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package registry is the source of truth for device liveness and group
// membership. Records are memory-resident and rebuilt on reconnect.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/campusgrid/supernode/internal/events"
	"github.com/campusgrid/supernode/internal/protocol"
	"github.com/campusgrid/supernode/internal/telemetry"
	"github.com/campusgrid/supernode/internal/transport"
)

// Status is a device's liveness state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Device is the registry entry for one live connection. ConnectionID is the
// primary key; DeviceID is the stable logical identity that survives
// reconnects.
type Device struct {
	ConnectionID    string         `json:"connectionId"`
	DeviceID        string         `json:"deviceId"`
	Role            protocol.Role  `json:"role"`
	Name            string         `json:"name"`
	Capabilities    []string       `json:"capabilities,omitempty"`
	IP              string         `json:"ip,omitempty"`
	Status          Status         `json:"status"`
	RegisteredAt    time.Time      `json:"registeredAt"`
	LastHeartbeatAt time.Time      `json:"lastHeartbeatAt"`
	Metrics         map[string]any `json:"metrics,omitempty"`
}

// Options tunes registry timing.
type Options struct {
	HeartbeatInterval time.Duration
	DisconnectGrace   time.Duration
}

// Registry maps live connections to device records.
type Registry struct {
	mu           sync.Mutex
	devices      map[string]*Device // keyed by connection id
	byDeviceID   map[string]string  // logical device id -> current connection id
	removeTimers map[string]*time.Timer

	hub    *transport.Hub
	bus    *events.Bus
	logger zerolog.Logger
	opts   Options
	now    func() time.Time
}

// New creates an empty registry.
func New(hub *transport.Hub, bus *events.Bus, opts Options, logger zerolog.Logger) *Registry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = 30 * time.Second
	}
	return &Registry{
		devices:      make(map[string]*Device),
		byDeviceID:   make(map[string]string),
		removeTimers: make(map[string]*time.Timer),
		hub:          hub,
		bus:          bus,
		logger:       logger.With().Str("component", "registry").Logger(),
		opts:         opts,
		now:          time.Now,
	}
}

// Register creates or overwrites the record for a connection, joins it to its
// role and identity groups, and notifies dashboard observers. It always
// succeeds.
func (r *Registry) Register(connID, ip string, p protocol.Register) protocol.RegisterAck {
	now := r.now()

	r.mu.Lock()
	// A re-register on the same connection invalidates its pending removal. A
	// different connection from the same logical device does not.
	if timer, ok := r.removeTimers[connID]; ok {
		timer.Stop()
		delete(r.removeTimers, connID)
	}

	if prev, ok := r.devices[connID]; ok && prev.Status == StatusOnline {
		telemetry.DevicesOnline.WithLabelValues(string(prev.Role)).Dec()
	}

	dev := &Device{
		ConnectionID:    connID,
		DeviceID:        p.DeviceID,
		Role:            p.Role,
		Name:            p.Name,
		Capabilities:    append([]string(nil), p.Capabilities...),
		IP:              ip,
		Status:          StatusOnline,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
	r.devices[connID] = dev
	r.byDeviceID[p.DeviceID] = connID // most recent registration wins
	r.mu.Unlock()

	r.hub.Join(transport.RoleGroup(p.Role), connID)
	r.hub.Join(transport.DeviceGroup(p.DeviceID), connID)

	telemetry.DevicesOnline.WithLabelValues(string(p.Role)).Inc()

	r.logger.Info().
		Str("conn_id", connID).
		Str("device_id", p.DeviceID).
		Str("role", string(p.Role)).
		Str("name", p.Name).
		Msg("device registered")

	r.bus.Publish(events.EventDeviceRegistered, events.Payload{
		"device_id": p.DeviceID,
		"role":      string(p.Role),
		"name":      p.Name,
	})

	r.notifyDashboards()

	return protocol.RegisterAck{
		Success:             true,
		DeviceID:            p.DeviceID,
		HeartbeatIntervalMS: r.opts.HeartbeatInterval.Milliseconds(),
		ServerTime:          now,
	}
}

// Heartbeat refreshes a connection's liveness. Unknown connections are a
// no-op; the acknowledgment goes to dashboard observers only.
func (r *Registry) Heartbeat(connID string, p protocol.Heartbeat) bool {
	now := r.now()

	r.mu.Lock()
	dev, ok := r.devices[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	wasOffline := dev.Status == StatusOffline
	dev.Status = StatusOnline
	dev.LastHeartbeatAt = now
	dev.Metrics = p.Metrics // replaced wholesale, never merged
	deviceID, role := dev.DeviceID, dev.Role
	r.mu.Unlock()

	telemetry.HeartbeatsTotal.Inc()
	if wasOffline {
		telemetry.DevicesOnline.WithLabelValues(string(role)).Inc()
		r.bus.Publish(events.EventDeviceOnline, events.Payload{"device_id": deviceID})
	}

	ack := protocol.MustNew(protocol.KindHeartbeatAck, protocol.HeartbeatAck{
		DeviceID: deviceID,
		Status:   string(StatusOnline),
		SeenAt:   now,
	})
	r.hub.ToGroup(transport.RoleGroup(protocol.RoleDashboard), ack)
	return true
}

// Disconnect marks the record offline immediately and schedules its physical
// removal after the grace delay. Only a re-register on this exact connection
// cancels the removal.
func (r *Registry) Disconnect(connID string) {
	now := r.now()

	r.mu.Lock()
	dev, ok := r.devices[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	wasOnline := dev.Status == StatusOnline
	dev.Status = StatusOffline
	deviceID, role, name := dev.DeviceID, dev.Role, dev.Name

	if timer, ok := r.removeTimers[connID]; ok {
		timer.Stop()
	}
	r.removeTimers[connID] = time.AfterFunc(r.opts.DisconnectGrace, func() {
		r.expire(connID)
	})
	r.mu.Unlock()

	if wasOnline {
		telemetry.DevicesOnline.WithLabelValues(string(role)).Dec()
	}

	r.logger.Info().
		Str("conn_id", connID).
		Str("device_id", deviceID).
		Msg("device disconnected, removal scheduled")

	r.bus.Publish(events.EventDeviceOffline, events.Payload{
		"device_id": deviceID,
		"reason":    "disconnect",
	})

	status := protocol.MustNew(protocol.KindDeviceStatus, protocol.DeviceStatus{
		DeviceID: deviceID,
		Role:     role,
		Name:     name,
		Status:   string(StatusOffline),
		At:       now,
	})
	r.hub.ToGroup(transport.RoleGroup(protocol.RoleDashboard), status)
	r.notifyDashboards()
}

// expire physically removes a record once its grace window lapses.
func (r *Registry) expire(connID string) {
	r.mu.Lock()
	dev, ok := r.devices[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.devices, connID)
	delete(r.removeTimers, connID)
	// The identity index only unmaps if it still points at this connection;
	// a reconnect under a fresh connection id owns the mapping now.
	if r.byDeviceID[dev.DeviceID] == connID {
		delete(r.byDeviceID, dev.DeviceID)
	}
	deviceID := dev.DeviceID
	r.mu.Unlock()

	r.logger.Debug().Str("conn_id", connID).Str("device_id", deviceID).Msg("device record expired")
	r.bus.Publish(events.EventDeviceRemoved, events.Payload{"device_id": deviceID})
}

// Lookup resolves the current record for a logical device id.
func (r *Registry) Lookup(deviceID string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.byDeviceID[deviceID]
	if !ok {
		return Device{}, false
	}
	dev, ok := r.devices[connID]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// Get returns the record for a connection id.
func (r *Registry) Get(connID string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[connID]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// Snapshot returns a copy of every registry entry.
func (r *Registry) Snapshot() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev)
	}
	return out
}

// Counts aggregates online/offline totals per role.
func (r *Registry) Counts() map[protocol.Role]map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[protocol.Role]map[Status]int)
	for _, dev := range r.devices {
		byStatus, ok := out[dev.Role]
		if !ok {
			byStatus = make(map[Status]int)
			out[dev.Role] = byStatus
		}
		byStatus[dev.Status]++
	}
	return out
}

// sweepStale transitions every online entry whose heartbeat lapsed beyond
// timeout, returning the demoted records.
func (r *Registry) sweepStale(timeout time.Duration) []Device {
	now := r.now()

	r.mu.Lock()
	var stale []Device
	for _, dev := range r.devices {
		if dev.Status == StatusOnline && now.Sub(dev.LastHeartbeatAt) > timeout {
			dev.Status = StatusOffline
			stale = append(stale, *dev)
		}
	}
	r.mu.Unlock()

	for _, dev := range stale {
		telemetry.DevicesOnline.WithLabelValues(string(dev.Role)).Dec()
		telemetry.LivenessTimeoutsTotal.Inc()
		r.bus.Publish(events.EventDeviceOffline, events.Payload{
			"device_id": dev.DeviceID,
			"reason":    "heartbeat_timeout",
		})
	}
	return stale
}

// notifyDashboards pushes a full registry snapshot to dashboard observers.
func (r *Registry) notifyDashboards() {
	msg, err := protocol.New(protocol.KindDevicesList, map[string]any{
		"devices": r.Snapshot(),
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("encode registry snapshot")
		return
	}
	r.hub.ToGroup(transport.RoleGroup(protocol.RoleDashboard), msg)
}

// Close stops pending removal timers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID, timer := range r.removeTimers {
		timer.Stop()
		delete(r.removeTimers, connID)
	}
}
