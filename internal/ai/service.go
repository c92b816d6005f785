/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ai

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/campusgrid/supernode/internal/models"
	"github.com/campusgrid/supernode/internal/protocol"
	"github.com/campusgrid/supernode/internal/telemetry"
)

// apology is returned when no provider could answer. Clients render it
// verbatim, so it stays a complete sentence rather than an error code.
const apology = "I'm sorry, I couldn't answer that right now. Please try asking again in a moment."

// Service runs the provider chain for each query. The primary provider is
// skipped for a cool-down window after a failure so an outage does not cost
// its full timeout on every query.
type Service struct {
	primary   Provider
	secondary Provider
	timeout   time.Duration
	cooldown  time.Duration

	db     *gorm.DB
	logger zerolog.Logger

	mu            sync.Mutex
	primaryDownAt time.Time
	now           func() time.Time
}

// NewService creates the relay. secondary and db may be nil; the apology
// fallback always exists.
func NewService(primary, secondary Provider, timeout, cooldown time.Duration, db *gorm.DB, logger zerolog.Logger) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Service{
		primary:   primary,
		secondary: secondary,
		timeout:   timeout,
		cooldown:  cooldown,
		db:        db,
		logger:    logger.With().Str("component", "ai").Logger(),
		now:       time.Now,
	}
}

// healthChecker is implemented by providers with a cheap liveness probe.
type healthChecker interface {
	Healthy(ctx context.Context) bool
}

// primaryHealthy reports whether the primary may be tried. After a failure it
// is skipped for the cool-down window; once that lapses, a provider exposing
// a probe must also pass it before a real query is spent on it. A failed
// probe restarts the cool-down.
func (s *Service) primaryHealthy(ctx context.Context) bool {
	s.mu.Lock()
	downAt := s.primaryDownAt
	s.mu.Unlock()

	if downAt.IsZero() {
		return true
	}
	if s.now().Sub(downAt) < s.cooldown {
		return false
	}
	hc, ok := s.primary.(healthChecker)
	if !ok {
		return true
	}
	if hc.Healthy(ctx) {
		return true
	}
	s.markPrimaryDown()
	s.logger.Debug().Msg("primary probe failed, cool-down restarted")
	return false
}

func (s *Service) markPrimaryDown() {
	s.mu.Lock()
	s.primaryDownAt = s.now()
	s.mu.Unlock()
}

func (s *Service) markPrimaryUp() {
	s.mu.Lock()
	s.primaryDownAt = time.Time{}
	s.mu.Unlock()
}

// Answer tries the primary, then the secondary, then degrades to the fixed
// apology. It never returns an error: callers always get something to show.
func (s *Service) Answer(ctx context.Context, q protocol.AIQuery) protocol.AIResponse {
	start := s.now()

	text, source, failed := s.run(ctx, q)
	latency := s.now().Sub(start)

	resp := protocol.AIResponse{
		Response:  text,
		Source:    source,
		Error:     failed,
		LatencyMS: latency.Milliseconds(),
	}
	s.logQuery(q, resp)
	return resp
}

func (s *Service) run(ctx context.Context, q protocol.AIQuery) (text, source string, failed bool) {
	qc := QueryContext(q.Context)

	if s.primary != nil {
		if s.primaryHealthy(ctx) {
			answer, err := s.call(ctx, s.primary, q.Text, qc)
			if err == nil {
				s.markPrimaryUp()
				return answer, s.primary.Name(), false
			}
			s.markPrimaryDown()
			s.logger.Warn().Err(err).
				Dur("cooldown", s.cooldown).
				Msg("primary provider failed, cooling down")
		} else {
			s.logger.Debug().Msg("primary provider in cool-down, skipping")
		}
	}

	if s.secondary != nil {
		answer, err := s.call(ctx, s.secondary, q.Text, qc)
		if err == nil {
			return answer, s.secondary.Name(), false
		}
		s.logger.Error().Err(err).Msg("secondary provider failed")
	}

	return apology, "error", true
}

// call bounds one provider attempt with the service timeout so a hung
// provider never holds a query open indefinitely.
func (s *Service) call(ctx context.Context, p Provider, question string, qc QueryContext) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	answer, err := p.Answer(ctx, question, qc)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.AIQueryDuration.WithLabelValues(p.Name(), outcome).Observe(s.now().Sub(start).Seconds())
	return answer, err
}

// logQuery persists the exchange for the dashboard's query history. Storage
// failures are logged and swallowed; answering matters more than the log.
func (s *Service) logQuery(q protocol.AIQuery, resp protocol.AIResponse) {
	if s.db == nil {
		return
	}
	row := models.QueryLog{
		QueryID:   q.QueryID,
		Question:  q.Text,
		Speaker:   q.Speaker,
		Response:  resp.Response,
		Source:    resp.Source,
		Failed:    resp.Error,
		LatencyMS: resp.LatencyMS,
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.logger.Error().Err(err).Str("query_id", q.QueryID).Msg("persist query log")
	}
}
