// Package database provides SQLite storage for cache snapshots.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cryptogramllc/squibturf-sub000/internal/model"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS feed_snapshots (
		feed TEXT PRIMARY KEY,
		items TEXT NOT NULL,
		cursor TEXT NOT NULL DEFAULT '',
		refreshed_at DATETIME,
		query_lon REAL,
		query_lat REAL,
		scroll_offset REAL NOT NULL DEFAULT 0,
		saved_at DATETIME NOT NULL
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveSnapshot upserts the record of a feed.
func (db *DB) SaveSnapshot(ctx context.Context, kind model.FeedKind, rec model.CacheRecord) error {
	items, err := encodeItems(rec.Items)
	if err != nil {
		return err
	}
	var lon, lat sql.NullFloat64
	if rec.Query != nil {
		lon = sql.NullFloat64{Float64: rec.Query.Longitude, Valid: true}
		lat = sql.NullFloat64{Float64: rec.Query.Latitude, Valid: true}
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO feed_snapshots (feed, items, cursor, refreshed_at, query_lon, query_lat, scroll_offset, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(feed) DO UPDATE SET
			items = excluded.items,
			cursor = excluded.cursor,
			refreshed_at = excluded.refreshed_at,
			query_lon = excluded.query_lon,
			query_lat = excluded.query_lat,
			scroll_offset = excluded.scroll_offset,
			saved_at = excluded.saved_at`,
		string(kind), items, rec.Cursor, nullTime(rec.LastRefreshedAt), lon, lat, rec.ScrollOffset, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", kind, err)
	}
	return nil
}

// LoadSnapshot returns the saved record of a feed or ErrNotFound.
func (db *DB) LoadSnapshot(ctx context.Context, kind model.FeedKind) (model.CacheRecord, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT items, cursor, refreshed_at, query_lon, query_lat, scroll_offset
		FROM feed_snapshots WHERE feed = ?`, string(kind))
	return scanSnapshot(row, kind)
}

// DeleteSnapshot removes the saved record of a feed. Deleting a missing record is not an error.
func (db *DB) DeleteSnapshot(ctx context.Context, kind model.FeedKind) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM feed_snapshots WHERE feed = ?", string(kind)); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", kind, err)
	}
	return nil
}

func scanSnapshot(row *sql.Row, kind model.FeedKind) (model.CacheRecord, error) {
	var (
		rec         model.CacheRecord
		items       string
		refreshedAt sql.NullTime
		lon, lat    sql.NullFloat64
	)
	err := row.Scan(&items, &rec.Cursor, &refreshedAt, &lon, &lat, &rec.ScrollOffset)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CacheRecord{}, ErrNotFound
	}
	if err != nil {
		return model.CacheRecord{}, fmt.Errorf("load snapshot %s: %w", kind, err)
	}
	if rec.Items, err = decodeItems(items); err != nil {
		return model.CacheRecord{}, err
	}
	if refreshedAt.Valid {
		rec.LastRefreshedAt = refreshedAt.Time
	}
	if lon.Valid && lat.Valid {
		rec.Query = &model.Coordinates{Longitude: lon.Float64, Latitude: lat.Float64}
	}
	return rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
