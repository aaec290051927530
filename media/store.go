package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed index of downloaded media, so a repeated Get can
// reuse the file already on disk instead of re-fetching it.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the download index at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode: the agent's handlers may download concurrently.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS downloads (
		media_id      TEXT PRIMARY KEY,
		path          TEXT NOT NULL,
		size          INTEGER NOT NULL,
		downloaded_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return err
	}
	return nil
}

// Record remembers where a media id was saved.
func (s *Store) Record(ctx context.Context, mediaID, path string, size int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (media_id, path, size, downloaded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(media_id) DO UPDATE SET
			path = excluded.path,
			size = excluded.size,
			downloaded_at = excluded.downloaded_at`,
		mediaID, path, size, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}

// Lookup returns the recorded path for a media id, or ok=false when the id
// was never downloaded.
func (s *Store) Lookup(ctx context.Context, mediaID string) (path string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path FROM downloads WHERE media_id = ?`, mediaID)
	if err := row.Scan(&path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup download: %w", err)
	}
	return path, true, nil
}

// Forget drops the index entry for a media id.
func (s *Store) Forget(ctx context.Context, mediaID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM downloads WHERE media_id = ?`, mediaID); err != nil {
		return fmt.Errorf("forget download: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
