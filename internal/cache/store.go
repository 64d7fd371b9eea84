package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/lucasvieira/streamfinder/internal/models"
)

const (
	busyTimeoutMs = 5000
	cachePages    = -8000 // 8MB page cache
)

const schema = `
CREATE TABLE IF NOT EXISTS negative_entries (
	partition   TEXT PRIMARY KEY,
	media_type  TEXT NOT NULL,
	media_id    TEXT NOT NULL,
	season      INTEGER NOT NULL DEFAULT 0,
	episode     INTEGER NOT NULL DEFAULT 0,
	provider    TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	ttl_seconds INTEGER NOT NULL
);`

// Store persists negative cache entries to SQLite so that a restart does
// not re-pay the browser-extraction cost for content already confirmed
// unavailable. Positive entries are deliberately not persisted: their
// stream URLs are often short-lived signed URLs and must not be assumed
// dereferenceable after a restart.
type Store struct {
	db       *sql.DB
	upsertPS *sql.Stmt
	deletePS *sql.Stmt
	loadPS   *sql.Stmt
}

// OpenStore opens (or creates) the snapshot database at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, errors.Wrap(err, "creating data directory")
	}

	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_cache_size=%d",
		dbPath, busyTimeoutMs, cachePages,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening snapshot db")
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}

	s := &Store{db: db}
	if s.upsertPS, err = db.Prepare(
		`INSERT INTO negative_entries
		 (partition, media_type, media_id, season, episode, provider, created_at, ttl_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(partition) DO UPDATE SET created_at=excluded.created_at, ttl_seconds=excluded.ttl_seconds`,
	); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "preparing upsert")
	}
	if s.deletePS, err = db.Prepare(`DELETE FROM negative_entries WHERE partition = ?`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "preparing delete")
	}
	if s.loadPS, err = db.Prepare(
		`SELECT media_type, media_id, season, episode, provider, created_at, ttl_seconds FROM negative_entries`,
	); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "preparing load")
	}
	return s, nil
}

// SaveNegative upserts a negative entry.
func (s *Store) SaveNegative(e *Entry) error {
	_, err := s.upsertPS.Exec(
		partition(e.Key, e.Provider),
		string(e.Key.Type), e.Key.ID, e.Key.Season, e.Key.Episode,
		e.Provider, e.CreatedAt.Unix(), int64(e.TTL/time.Second),
	)
	return err
}

// Delete removes the row for a partition key, if present.
func (s *Store) Delete(part string) error {
	_, err := s.deletePS.Exec(part)
	return err
}

// LoadNegatives returns every persisted negative entry, expired or not;
// the cache filters on load.
func (s *Store) LoadNegatives() ([]*Entry, error) {
	rows, err := s.loadPS.Query()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		var (
			mediaType, mediaID, provider string
			season, episode              int
			createdAt, ttlSeconds        int64
		)
		if err := rows.Scan(&mediaType, &mediaID, &season, &episode, &provider, &createdAt, &ttlSeconds); err != nil {
			return out, err
		}
		out = append(out, &Entry{
			Key: models.ContentKey{
				Type:    models.MediaType(mediaType),
				ID:      mediaID,
				Season:  season,
				Episode: episode,
			},
			Provider:  provider,
			CreatedAt: time.Unix(createdAt, 0),
			TTL:       time.Duration(ttlSeconds) * time.Second,
			Negative:  true,
		})
	}
	return out, rows.Err()
}

// Close releases the prepared statements and the database handle.
func (s *Store) Close() error {
	for _, ps := range []*sql.Stmt{s.upsertPS, s.deletePS, s.loadPS} {
		if ps != nil {
			_ = ps.Close()
		}
	}
	return s.db.Close()
}
