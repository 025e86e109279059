package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS stored_files (
	id               UUID PRIMARY KEY,
	content_hash     TEXT NOT NULL UNIQUE,
	size_bytes       BIGINT NOT NULL,
	blob_ref         TEXT NOT NULL,
	category         TEXT NOT NULL DEFAULT 'other',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ownership_links (
	id             UUID PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	stored_file_id UUID NOT NULL REFERENCES stored_files(id) ON DELETE RESTRICT,
	display_name   TEXT NOT NULL,
	display_path   TEXT NOT NULL DEFAULT '',
	linked_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (owner_id, stored_file_id)
);

CREATE INDEX IF NOT EXISTS idx_ownership_links_owner ON ownership_links(owner_id, linked_at DESC);

CREATE TABLE IF NOT EXISTS api_tokens (
	id           UUID PRIMARY KEY,
	token_hash   TEXT NOT NULL UNIQUE,
	subject      TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	disabled     BOOLEAN NOT NULL DEFAULT false,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at TIMESTAMPTZ
);
`

// Store is the Postgres-backed file catalog.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) FindStoredFileByHash(ctx context.Context, contentHash string) (StoredFile, error) {
	return s.scanStoredFile(s.db.QueryRow(ctx, `
		SELECT id, content_hash, size_bytes, blob_ref, category, created_at, last_accessed_at
		FROM stored_files
		WHERE content_hash = $1
	`, contentHash))
}

func (s *Store) GetStoredFile(ctx context.Context, id uuid.UUID) (StoredFile, error) {
	return s.scanStoredFile(s.db.QueryRow(ctx, `
		SELECT id, content_hash, size_bytes, blob_ref, category, created_at, last_accessed_at
		FROM stored_files
		WHERE id = $1
	`, id))
}

// InsertStoredFile registers f unless a file with the same content hash
// exists, in which case the existing row is returned with created=false.
func (s *Store) InsertStoredFile(ctx context.Context, f StoredFile) (StoredFile, bool, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	inserted, err := s.scanStoredFile(s.db.QueryRow(ctx, `
		INSERT INTO stored_files (id, content_hash, size_bytes, blob_ref, category)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (content_hash) DO NOTHING
		RETURNING id, content_hash, size_bytes, blob_ref, category, created_at, last_accessed_at
	`, f.ID, f.ContentHash, f.SizeBytes, f.BlobRef, f.Category))
	if err == nil {
		return inserted, true, nil
	}
	if !IsNotFound(err) {
		return StoredFile{}, false, err
	}
	existing, err := s.FindStoredFileByHash(ctx, f.ContentHash)
	if err != nil {
		return StoredFile{}, false, err
	}
	return existing, false, nil
}

func (s *Store) TouchStoredFile(ctx context.Context, id uuid.UUID) error {
	ct, err := s.db.Exec(ctx, `UPDATE stored_files SET last_accessed_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertOwnershipLink creates the (owner, file) link or overwrites its
// display fields.
func (s *Store) UpsertOwnershipLink(ctx context.Context, link OwnershipLink) (OwnershipLink, error) {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	var out OwnershipLink
	err := s.db.QueryRow(ctx, `
		INSERT INTO ownership_links (id, owner_id, stored_file_id, display_name, display_path)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, stored_file_id)
		DO UPDATE SET display_name = EXCLUDED.display_name,
		              display_path = EXCLUDED.display_path,
		              linked_at = now()
		RETURNING id, owner_id, stored_file_id, display_name, display_path, linked_at
	`, link.ID, link.OwnerID, link.StoredFileID, link.DisplayName, link.DisplayPath).Scan(
		&out.ID, &out.OwnerID, &out.StoredFileID, &out.DisplayName, &out.DisplayPath, &out.LinkedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return OwnershipLink{}, ErrNotFound
		}
		return OwnershipLink{}, err
	}
	return out, nil
}

func (s *Store) ListOwnedFiles(ctx context.Context, ownerID string) ([]OwnedFile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT l.id, l.owner_id, l.stored_file_id, l.display_name, l.display_path, l.linked_at,
		       f.id, f.content_hash, f.size_bytes, f.blob_ref, f.category, f.created_at, f.last_accessed_at
		FROM ownership_links l
		JOIN stored_files f ON f.id = l.stored_file_id
		WHERE l.owner_id = $1
		ORDER BY l.linked_at DESC, l.id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OwnedFile
	for rows.Next() {
		item, err := scanOwnedFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) GetOwnedFile(ctx context.Context, ownerID string, linkID uuid.UUID) (OwnedFile, error) {
	row := s.db.QueryRow(ctx, `
		SELECT l.id, l.owner_id, l.stored_file_id, l.display_name, l.display_path, l.linked_at,
		       f.id, f.content_hash, f.size_bytes, f.blob_ref, f.category, f.created_at, f.last_accessed_at
		FROM ownership_links l
		JOIN stored_files f ON f.id = l.stored_file_id
		WHERE l.owner_id = $1 AND l.id = $2
	`, ownerID, linkID)
	item, err := scanOwnedFile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OwnedFile{}, ErrNotFound
		}
		return OwnedFile{}, err
	}
	return item, nil
}

// CreateToken stores the sha256 hash of a token issued to subject.
func (s *Store) CreateToken(ctx context.Context, subject, name, tokenHash string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.Exec(ctx, `
		INSERT INTO api_tokens (id, token_hash, subject, name)
		VALUES ($1, $2, $3, $4)
	`, id, tokenHash, subject, name)
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, ErrConflict
		}
		return uuid.Nil, err
	}
	return id, nil
}

// AuthenticateToken looks up a token by hash and returns its metadata.
func (s *Store) AuthenticateToken(ctx context.Context, tokenHash string) (APIToken, error) {
	var t APIToken
	err := s.db.QueryRow(ctx, `
		SELECT id, subject, name, disabled, created_at, last_used_at
		FROM api_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&t.ID, &t.Subject, &t.Name, &t.Disabled, &t.CreatedAt, &t.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return APIToken{}, ErrNotFound
		}
		return APIToken{}, err
	}
	return t, nil
}

// TouchTokenLastUsed updates the last_used_at timestamp.
func (s *Store) TouchTokenLastUsed(ctx context.Context, id uuid.UUID) {
	_, _ = s.db.Exec(ctx, `UPDATE api_tokens SET last_used_at = now() WHERE id = $1`, id)
}

func (s *Store) scanStoredFile(row pgx.Row) (StoredFile, error) {
	var f StoredFile
	err := row.Scan(&f.ID, &f.ContentHash, &f.SizeBytes, &f.BlobRef, &f.Category, &f.CreatedAt, &f.LastAccessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StoredFile{}, ErrNotFound
		}
		return StoredFile{}, err
	}
	return f, nil
}

func scanOwnedFile(row pgx.Row) (OwnedFile, error) {
	var item OwnedFile
	err := row.Scan(
		&item.ID, &item.OwnerID, &item.StoredFileID, &item.DisplayName, &item.DisplayPath, &item.LinkedAt,
		&item.File.ID, &item.File.ContentHash, &item.File.SizeBytes, &item.File.BlobRef, &item.File.Category,
		&item.File.CreatedAt, &item.File.LastAccessedAt,
	)
	return item, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
