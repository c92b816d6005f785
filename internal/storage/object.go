/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package storage abstracts where captured camera snapshots live.
package storage

import (
	"context"
	"fmt"

	"github.com/campusgrid/supernode/internal/config"
)

// ObjectStore abstracts object storage operations.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Open builds the store selected by the snapshot configuration.
func Open(ctx context.Context, cfg *config.Config) (ObjectStore, error) {
	switch cfg.SnapshotBackend {
	case config.SnapshotFilesystem:
		return NewFilesystem(cfg.SnapshotRoot)
	case config.SnapshotS3:
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown snapshot backend: %s", cfg.SnapshotBackend)
	}
}
