/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package attendance persists recognized entries from gate and classroom
// cameras, with a per-student cooldown so one person lingering in frame does
// not produce a record per video frame.
package attendance

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/campusgrid/supernode/internal/models"
	"github.com/campusgrid/supernode/internal/protocol"
	"github.com/campusgrid/supernode/internal/storage"
)

// DefaultCooldown matches the camera runners' own duplicate suppression, so
// the server-side window never admits what a healthy client would have
// filtered.
const DefaultCooldown = 5 * time.Minute

// Service records attendance entries.
type Service struct {
	db       *gorm.DB
	store    storage.ObjectStore
	cooldown time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time // student name -> last recorded
	now      func() time.Time
}

// NewService creates the recorder. store may be nil when snapshot capture is
// disabled; entries are then persisted without an image reference.
func NewService(db *gorm.DB, store storage.ObjectStore, cooldown time.Duration, logger zerolog.Logger) *Service {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Service{
		db:       db,
		store:    store,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "attendance").Logger(),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Record persists one entry. It returns false without error when the student
// was already recorded inside the cooldown window.
func (s *Service) Record(ctx context.Context, deviceID string, e protocol.AttendanceEntry) (bool, error) {
	now := s.now()

	s.mu.Lock()
	if last, ok := s.lastSeen[e.StudentName]; ok && now.Sub(last) < s.cooldown {
		s.mu.Unlock()
		return false, nil
	}
	s.lastSeen[e.StudentName] = now
	s.mu.Unlock()

	recordedAt := e.Timestamp
	if recordedAt.IsZero() {
		recordedAt = now
	}

	row := models.AttendanceRecord{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		StudentName: e.StudentName,
		Roll:        e.Roll,
		Confidence:  e.Confidence,
		RecordedAt:  recordedAt,
	}

	if e.ImageSnapshot != "" && s.store != nil {
		ref, err := s.storeSnapshot(ctx, deviceID, row.ID, e.ImageSnapshot)
		if err != nil {
			// The entry still counts; only the image is lost.
			s.logger.Error().Err(err).Str("student", e.StudentName).Msg("store snapshot")
		} else {
			row.SnapshotRef = ref
		}
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		// Failed writes must not poison the cooldown map or the next
		// sighting would be silently swallowed.
		s.mu.Lock()
		delete(s.lastSeen, e.StudentName)
		s.mu.Unlock()
		return false, fmt.Errorf("persist attendance: %w", err)
	}

	s.logger.Info().
		Str("student", e.StudentName).
		Str("device_id", deviceID).
		Float64("confidence", e.Confidence).
		Msg("attendance recorded")
	return true, nil
}

// storeSnapshot decodes the base64 frame and writes it to object storage.
func (s *Service) storeSnapshot(ctx context.Context, deviceID, recordID, encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode snapshot: %w", err)
	}
	key := fmt.Sprintf("%s/%s/%s.jpg", deviceID, s.now().Format("2006-01-02"), recordID)
	if err := s.store.Put(ctx, key, data); err != nil {
		return "", err
	}
	return key, nil
}

// Recent returns the newest entries, most recent first.
func (s *Service) Recent(ctx context.Context, limit int) ([]models.AttendanceRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.AttendanceRecord
	err := s.db.WithContext(ctx).
		Order("recorded_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	return rows, nil
}

// Snapshot fetches a stored camera frame by its reference.
func (s *Service) Snapshot(ctx context.Context, ref string) ([]byte, error) {
	if s.store == nil {
		return nil, fmt.Errorf("snapshot storage is disabled")
	}
	return s.store.Get(ctx, ref)
}
