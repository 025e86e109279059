package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// timeFormat is the timestamp layout stored in SQLite TEXT columns.
const timeFormat = "2006-01-02T15:04:05.000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stored_files (
	id               TEXT PRIMARY KEY,
	content_hash     TEXT NOT NULL UNIQUE,
	size_bytes       INTEGER NOT NULL,
	blob_ref         TEXT NOT NULL,
	category         TEXT NOT NULL DEFAULT 'other',
	created_at       TEXT NOT NULL,
	last_accessed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ownership_links (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	stored_file_id TEXT NOT NULL REFERENCES stored_files(id) ON DELETE RESTRICT,
	display_name   TEXT NOT NULL,
	display_path   TEXT NOT NULL DEFAULT '',
	linked_at      TEXT NOT NULL,
	UNIQUE (owner_id, stored_file_id)
);

CREATE INDEX IF NOT EXISTS idx_ownership_links_owner ON ownership_links(owner_id, linked_at);

CREATE TABLE IF NOT EXISTS api_tokens (
	id           TEXT PRIMARY KEY,
	token_hash   TEXT NOT NULL UNIQUE,
	subject      TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	disabled     INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL,
	last_used_at TEXT
);
`

// SQLiteStore is the embedded file catalog for single-node deployments.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// PRAGMAs are per connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) stamp() string {
	return s.now().UTC().Format(timeFormat)
}

func (s *SQLiteStore) FindStoredFileByHash(ctx context.Context, contentHash string) (StoredFile, error) {
	return scanSQLiteStoredFile(s.db.QueryRowContext(ctx, `
		SELECT id, content_hash, size_bytes, blob_ref, category, created_at, last_accessed_at
		FROM stored_files
		WHERE content_hash = ?
	`, contentHash))
}

func (s *SQLiteStore) GetStoredFile(ctx context.Context, id uuid.UUID) (StoredFile, error) {
	return scanSQLiteStoredFile(s.db.QueryRowContext(ctx, `
		SELECT id, content_hash, size_bytes, blob_ref, category, created_at, last_accessed_at
		FROM stored_files
		WHERE id = ?
	`, id.String()))
}

func (s *SQLiteStore) InsertStoredFile(ctx context.Context, f StoredFile) (StoredFile, bool, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := s.stamp()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stored_files (id, content_hash, size_bytes, blob_ref, category, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (content_hash) DO NOTHING
	`, f.ID.String(), f.ContentHash, f.SizeBytes, f.BlobRef, f.Category, now, now)
	if err != nil {
		return StoredFile{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return StoredFile{}, false, err
	}
	stored, err := s.FindStoredFileByHash(ctx, f.ContentHash)
	if err != nil {
		return StoredFile{}, false, err
	}
	return stored, n == 1, nil
}

func (s *SQLiteStore) TouchStoredFile(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE stored_files SET last_accessed_at = ? WHERE id = ?`, s.stamp(), id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpsertOwnershipLink(ctx context.Context, link OwnershipLink) (OwnershipLink, error) {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	var (
		out               OwnershipLink
		id, fileID, stamp string
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ownership_links (id, owner_id, stored_file_id, display_name, display_path, linked_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, stored_file_id)
		DO UPDATE SET display_name = excluded.display_name,
		              display_path = excluded.display_path,
		              linked_at = excluded.linked_at
		RETURNING id, owner_id, stored_file_id, display_name, display_path, linked_at
	`, link.ID.String(), link.OwnerID, link.StoredFileID.String(), link.DisplayName, link.DisplayPath, s.stamp()).Scan(
		&id, &out.OwnerID, &fileID, &out.DisplayName, &out.DisplayPath, &stamp,
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return OwnershipLink{}, ErrNotFound
		}
		return OwnershipLink{}, err
	}
	if out.ID, err = uuid.Parse(id); err != nil {
		return OwnershipLink{}, err
	}
	if out.StoredFileID, err = uuid.Parse(fileID); err != nil {
		return OwnershipLink{}, err
	}
	if out.LinkedAt, err = parseTime(stamp); err != nil {
		return OwnershipLink{}, err
	}
	return out, nil
}

func (s *SQLiteStore) ListOwnedFiles(ctx context.Context, ownerID string) ([]OwnedFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.owner_id, l.stored_file_id, l.display_name, l.display_path, l.linked_at,
		       f.id, f.content_hash, f.size_bytes, f.blob_ref, f.category, f.created_at, f.last_accessed_at
		FROM ownership_links l
		JOIN stored_files f ON f.id = l.stored_file_id
		WHERE l.owner_id = ?
		ORDER BY l.linked_at DESC, l.id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OwnedFile
	for rows.Next() {
		item, err := scanSQLiteOwnedFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetOwnedFile(ctx context.Context, ownerID string, linkID uuid.UUID) (OwnedFile, error) {
	return scanSQLiteOwnedFile(s.db.QueryRowContext(ctx, `
		SELECT l.id, l.owner_id, l.stored_file_id, l.display_name, l.display_path, l.linked_at,
		       f.id, f.content_hash, f.size_bytes, f.blob_ref, f.category, f.created_at, f.last_accessed_at
		FROM ownership_links l
		JOIN stored_files f ON f.id = l.stored_file_id
		WHERE l.owner_id = ? AND l.id = ?
	`, ownerID, linkID.String()))
}

func (s *SQLiteStore) CreateToken(ctx context.Context, subject, name, tokenHash string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_tokens (id, token_hash, subject, name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), tokenHash, subject, name, s.stamp())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return uuid.Nil, ErrConflict
		}
		return uuid.Nil, err
	}
	return id, nil
}

func (s *SQLiteStore) AuthenticateToken(ctx context.Context, tokenHash string) (APIToken, error) {
	var (
		t           APIToken
		id, created string
		lastUsed    sql.NullString
		disabled    int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject, name, disabled, created_at, last_used_at
		FROM api_tokens
		WHERE token_hash = ?
	`, tokenHash).Scan(&id, &t.Subject, &t.Name, &disabled, &created, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return APIToken{}, ErrNotFound
		}
		return APIToken{}, err
	}
	if t.ID, err = uuid.Parse(id); err != nil {
		return APIToken{}, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return APIToken{}, err
	}
	if lastUsed.Valid {
		ts, err := parseTime(lastUsed.String)
		if err != nil {
			return APIToken{}, err
		}
		t.LastUsedAt = &ts
	}
	t.Disabled = disabled != 0
	return t, nil
}

func (s *SQLiteStore) TouchTokenLastUsed(ctx context.Context, id uuid.UUID) {
	_, _ = s.db.ExecContext(ctx, `UPDATE api_tokens SET last_used_at = ? WHERE id = ?`, s.stamp(), id.String())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteStoredFile(row rowScanner) (StoredFile, error) {
	var (
		f                      StoredFile
		id, created, lastTouch string
	)
	err := row.Scan(&id, &f.ContentHash, &f.SizeBytes, &f.BlobRef, &f.Category, &created, &lastTouch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredFile{}, ErrNotFound
		}
		return StoredFile{}, err
	}
	if f.ID, err = uuid.Parse(id); err != nil {
		return StoredFile{}, err
	}
	if f.CreatedAt, err = parseTime(created); err != nil {
		return StoredFile{}, err
	}
	if f.LastAccessedAt, err = parseTime(lastTouch); err != nil {
		return StoredFile{}, err
	}
	return f, nil
}

func scanSQLiteOwnedFile(row rowScanner) (OwnedFile, error) {
	var (
		item                              OwnedFile
		linkID, linkFileID, linked        string
		fileID, fileCreated, fileAccessed string
	)
	err := row.Scan(
		&linkID, &item.OwnerID, &linkFileID, &item.DisplayName, &item.DisplayPath, &linked,
		&fileID, &item.File.ContentHash, &item.File.SizeBytes, &item.File.BlobRef, &item.File.Category,
		&fileCreated, &fileAccessed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OwnedFile{}, ErrNotFound
		}
		return OwnedFile{}, err
	}
	for _, p := range []struct {
		raw string
		dst *uuid.UUID
	}{
		{linkID, &item.ID},
		{linkFileID, &item.StoredFileID},
		{fileID, &item.File.ID},
	} {
		if *p.dst, err = uuid.Parse(p.raw); err != nil {
			return OwnedFile{}, err
		}
	}
	for _, p := range []struct {
		raw string
		dst *time.Time
	}{
		{linked, &item.LinkedAt},
		{fileCreated, &item.File.CreatedAt},
		{fileAccessed, &item.File.LastAccessedAt},
	} {
		if *p.dst, err = parseTime(p.raw); err != nil {
			return OwnedFile{}, err
		}
	}
	return item, nil
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeFormat, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}
