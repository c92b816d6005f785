/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package models holds the persisted record types.
package models

import "time"

// AttendanceRecord is one recognized entry at a gate or classroom camera.
type AttendanceRecord struct {
	ID          string    `gorm:"type:uuid;primaryKey"`
	DeviceID    string    `gorm:"type:varchar(128);index:idx_attendance_device;not null"`
	StudentName string    `gorm:"type:varchar(255);index:idx_attendance_student;not null"`
	Roll        string    `gorm:"type:varchar(64)"`
	Confidence  float64   // recognizer confidence, 0..1
	SnapshotRef string    `gorm:"type:varchar(512)"` // storage key of the captured frame
	RecordedAt  time.Time `gorm:"index:idx_attendance_time;not null"`
	CreatedAt   time.Time
}

// TableName returns the table name for GORM.
func (AttendanceRecord) TableName() string {
	return "attendance_records"
}

// QueryLog is one question/answer exchange for the dashboard history.
type QueryLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	QueryID   string `gorm:"type:varchar(64);index:idx_querylog_query"`
	Question  string `gorm:"type:text;not null"`
	Speaker   string `gorm:"type:varchar(255)"`
	Response  string `gorm:"type:text"`
	Source    string `gorm:"type:varchar(32)"` // provider tag, or "error"
	Failed    bool
	LatencyMS int64
	CreatedAt time.Time `gorm:"index:idx_querylog_time"`
}

// TableName returns the table name for GORM.
func (QueryLog) TableName() string {
	return "query_logs"
}
