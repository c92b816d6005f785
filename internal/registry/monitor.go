/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/campusgrid/supernode/internal/protocol"
)

// Monitor periodically demotes devices whose heartbeat has lapsed. This is
// the only mechanism that detects connections that died without an explicit
// disconnect.
type Monitor struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewMonitor creates a liveness monitor. The timeout should cover several
// heartbeat intervals so one transient drop does not flap a device offline.
func NewMonitor(registry *Registry, interval, timeout time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Monitor{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With().Str("component", "liveness_monitor").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Run starts the sweep loop.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Debug().
		Dur("interval", m.interval).
		Dur("timeout", m.timeout).
		Msg("liveness monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug().Msg("liveness monitor stopped (context)")
			return
		case <-m.stopCh:
			m.logger.Debug().Msg("liveness monitor stopped")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one pass, broadcasting a status change for every demoted device.
func (m *Monitor) Sweep() int {
	stale := m.registry.sweepStale(m.timeout)
	for _, dev := range stale {
		m.logger.Warn().
			Str("device_id", dev.DeviceID).
			Str("role", string(dev.Role)).
			Time("last_heartbeat", dev.LastHeartbeatAt).
			Msg("device heartbeat timed out")

		m.registry.hub.Broadcast(protocol.MustNew(protocol.KindDeviceStatus, protocol.DeviceStatus{
			DeviceID: dev.DeviceID,
			Role:     dev.Role,
			Name:     dev.Name,
			Status:   string(StatusOffline),
			At:       m.registry.now(),
		}))
	}
	return len(stale)
}

// Stop ends the sweep loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}
