// Package database persists feed cache snapshots between runs.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cryptogramllc/squibturf-sub000/internal/config"
	"github.com/cryptogramllc/squibturf-sub000/internal/model"
)

// ErrNotFound is returned by LoadSnapshot when nothing was saved for a feed.
var ErrNotFound = errors.New("snapshot not found")

// Store defines the interface for snapshot persistence.
// SQLite, PostgreSQL and Redis implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the backend ("SQLite", "PostgreSQL" or "Redis").
	DatabaseType() string

	SaveSnapshot(ctx context.Context, kind model.FeedKind, rec model.CacheRecord) error
	LoadSnapshot(ctx context.Context, kind model.FeedKind) (model.CacheRecord, error)
	DeleteSnapshot(ctx context.Context, kind model.FeedKind) error
}

// Open returns the store selected by cfg.Driver, or nil when persistence is disabled.
func Open(ctx context.Context, cfg config.SnapshotConfig) (Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case config.DriverSQLite:
		db, err := New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.DriverPostgres:
		db, err := NewPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.DriverRedis:
		rs, err := NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown snapshot driver %q", cfg.Driver)
	}
}

func encodeItems(items []model.FeedItem) (string, error) {
	if items == nil {
		items = []model.FeedItem{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode items: %w", err)
	}
	return string(b), nil
}

func decodeItems(s string) ([]model.FeedItem, error) {
	var items []model.FeedItem
	if s == "" {
		return items, nil
	}
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return items, nil
}
