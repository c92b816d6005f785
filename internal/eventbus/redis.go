/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus bridges the in-process event bus across supernode
// instances over Redis pub/sub. A campus running one supernode never needs
// it; with several, dashboards on any instance see the whole fleet's
// lifecycle events.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/campusgrid/supernode/internal/events"
)

// Options configures the Redis bridge.
type Options struct {
	Addr     string
	Password string
	DB       int

	// MaxFailures trips the circuit breaker to local-only delivery.
	MaxFailures int
	// RetryInterval bounds how often a tripped breaker probes Redis.
	RetryInterval time.Duration
}

// DefaultOptions returns the standard bridge configuration.
func DefaultOptions() Options {
	return Options{
		Addr:          "localhost:6379",
		MaxFailures:   5,
		RetryInterval: 30 * time.Second,
	}
}

// RedisBus mirrors local events to Redis and replays remote ones into the
// local bus. When Redis is unreachable it degrades to local-only delivery
// and probes for recovery in the background.
type RedisBus struct {
	client *redis.Client
	local  *events.Bus
	nodeID string
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	degraded  bool
	failures  int
	lastProbe time.Time
}

// envelope is the cross-instance wire format. NodeID suppresses echo of a
// node's own events.
type envelope struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
}

// NewRedisBus connects to Redis and starts mirroring the given event types.
// Connection failure is not fatal: the bridge starts degraded and recovers
// when Redis appears.
func NewRedisBus(opts Options, nodeID string, local *events.Bus, mirror []events.EventType, logger zerolog.Logger) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())

	rb := &RedisBus{
		client: redis.NewClient(&redis.Options{
			Addr:         opts.Addr,
			Password:     opts.Password,
			DB:           opts.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}),
		local:  local,
		nodeID: nodeID,
		opts:   opts,
		logger: logger.With().Str("component", "eventbus").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := rb.client.Ping(pingCtx).Err(); err != nil {
		rb.logger.Warn().Err(err).Msg("redis unreachable, starting degraded")
		rb.degraded = true
		rb.lastProbe = time.Now()
	} else {
		rb.logger.Info().Str("addr", opts.Addr).Msg("redis event bridge connected")
	}

	for _, et := range mirror {
		rb.wg.Add(2)
		go rb.mirrorOut(et)
		go rb.receive(et)
	}
	return rb
}

// mirrorOut republishes local events of one type to Redis.
func (rb *RedisBus) mirrorOut(et events.EventType) {
	defer rb.wg.Done()

	sub := rb.local.Subscribe(et)
	defer rb.local.Unsubscribe(et, sub)

	for {
		select {
		case <-rb.ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			// Remote replays carry the origin node; republishing them would
			// loop the event between instances.
			if origin, _ := payload["origin_node"].(string); origin != "" && origin != rb.nodeID {
				continue
			}
			rb.publish(et, payload)
		}
	}
}

func (rb *RedisBus) publish(et events.EventType, payload events.Payload) {
	if rb.isDegraded() {
		rb.probe()
		if rb.isDegraded() {
			return
		}
	}

	data, err := json.Marshal(envelope{
		EventType: et,
		Payload:   payload,
		Timestamp: time.Now(),
		NodeID:    rb.nodeID,
	})
	if err != nil {
		rb.logger.Error().Err(err).Msg("encode bridge envelope")
		return
	}

	ctx, cancel := context.WithTimeout(rb.ctx, 2*time.Second)
	defer cancel()
	if err := rb.client.Publish(ctx, channelName(et), data).Err(); err != nil {
		rb.logger.Error().Err(err).Str("event_type", string(et)).Msg("redis publish failed")
		rb.recordFailure()
		return
	}

	rb.mu.Lock()
	rb.failures = 0
	rb.mu.Unlock()
}

// receive replays one event type from Redis into the local bus.
func (rb *RedisBus) receive(et events.EventType) {
	defer rb.wg.Done()

	pubsub := rb.client.Subscribe(rb.ctx, channelName(et))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-rb.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				rb.recordFailure()
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				rb.logger.Error().Err(err).Msg("decode bridge envelope")
				continue
			}
			if env.NodeID == rb.nodeID {
				continue
			}
			payload := env.Payload
			if payload == nil {
				payload = events.Payload{}
			}
			payload["origin_node"] = env.NodeID
			rb.local.Publish(env.EventType, payload)
		}
	}
}

func (rb *RedisBus) isDegraded() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.degraded
}

func (rb *RedisBus) recordFailure() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.failures++
	if rb.failures >= rb.opts.MaxFailures && !rb.degraded {
		rb.logger.Warn().Int("failures", rb.failures).Msg("redis failure threshold reached, degrading to local-only")
		rb.degraded = true
		rb.lastProbe = time.Now()
	}
}

// probe re-pings Redis at most once per retry interval while degraded.
func (rb *RedisBus) probe() {
	rb.mu.Lock()
	if !rb.degraded || time.Since(rb.lastProbe) < rb.opts.RetryInterval {
		rb.mu.Unlock()
		return
	}
	rb.lastProbe = time.Now()
	rb.mu.Unlock()

	ctx, cancel := context.WithTimeout(rb.ctx, 5*time.Second)
	defer cancel()
	if err := rb.client.Ping(ctx).Err(); err != nil {
		return
	}

	rb.mu.Lock()
	rb.degraded = false
	rb.failures = 0
	rb.mu.Unlock()
	rb.logger.Info().Msg("redis recovered, resuming bridge")
}

// Close stops the bridge and releases the Redis connection.
func (rb *RedisBus) Close() error {
	rb.cancel()
	rb.wg.Wait()
	return rb.client.Close()
}

func channelName(et events.EventType) string {
	return fmt.Sprintf("supernode:%s", et)
}
