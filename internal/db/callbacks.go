/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"time"

	"gorm.io/gorm"

	"github.com/campusgrid/supernode/internal/telemetry"
)

const startTimeKey = "gorm:start_time"

// registerCallbacks hooks Prometheus timing into every gorm CRUD path.
func registerCallbacks(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Query().Before("gorm:query").Register("telemetry:before_query", recordStart); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("telemetry:after_query", recordDuration("query")); err != nil {
		return err
	}
	if err := cb.Create().Before("gorm:create").Register("telemetry:before_create", recordStart); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("telemetry:after_create", recordDuration("create")); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("telemetry:before_update", recordStart); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("telemetry:after_update", recordDuration("update")); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("telemetry:before_delete", recordStart); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("telemetry:after_delete", recordDuration("delete")); err != nil {
		return err
	}

	return nil
}

func recordStart(db *gorm.DB) {
	db.InstanceSet(startTimeKey, time.Now())
}

func recordDuration(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		value, ok := db.InstanceGet(startTimeKey)
		if !ok {
			return
		}
		started, ok := value.(time.Time)
		if !ok {
			return
		}

		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}

		telemetry.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(time.Since(started).Seconds())

		if db.Error != nil && db.Error != gorm.ErrRecordNotFound {
			telemetry.DatabaseErrorsTotal.WithLabelValues(operation).Inc()
		}
	}
}
