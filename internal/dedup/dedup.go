// Package dedup maps whole-file content hashes to stored files and links
// owners to them.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"filevault/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by FindByContentHash on a miss.
var ErrNotFound = errors.New("no stored file for content hash")

// Catalog is the subset of the file catalog the index needs. Both the
// Postgres and SQLite stores implement it.
type Catalog interface {
	FindStoredFileByHash(ctx context.Context, contentHash string) (store.StoredFile, error)
	InsertStoredFile(ctx context.Context, f store.StoredFile) (store.StoredFile, bool, error)
	UpsertOwnershipLink(ctx context.Context, link store.OwnershipLink) (store.OwnershipLink, error)
}

type Index struct {
	catalog Catalog
	logger  zerolog.Logger
}

func NewIndex(catalog Catalog, logger zerolog.Logger) *Index {
	return &Index{catalog: catalog, logger: logger.With().Str("component", "dedup").Logger()}
}

func (i *Index) FindByContentHash(ctx context.Context, contentHash string) (store.StoredFile, error) {
	f, err := i.catalog.FindStoredFileByHash(ctx, NormalizeHash(contentHash))
	if err != nil {
		if store.IsNotFound(err) {
			return store.StoredFile{}, ErrNotFound
		}
		return store.StoredFile{}, fmt.Errorf("find stored file: %w", err)
	}
	return f, nil
}

// Register records f, or returns the file already registered for its
// content hash. created reports whether f itself was inserted.
func (i *Index) Register(ctx context.Context, f store.StoredFile) (store.StoredFile, bool, error) {
	f.ContentHash = NormalizeHash(f.ContentHash)
	if f.ContentHash == "" {
		return store.StoredFile{}, false, fmt.Errorf("content hash is required")
	}
	got, created, err := i.catalog.InsertStoredFile(ctx, f)
	if err != nil {
		return store.StoredFile{}, false, fmt.Errorf("register stored file: %w", err)
	}
	if !created {
		i.logger.Debug().Str("hash", f.ContentHash).Str("file_id", got.ID.String()).Msg("content already registered")
	}
	return got, created, nil
}

// Link creates the owner's link to a stored file or overwrites its display
// fields. A pair never gets more than one link.
func (i *Index) Link(ctx context.Context, storedFileID uuid.UUID, ownerID, displayName, displayPath string) (store.OwnershipLink, error) {
	if ownerID == "" {
		return store.OwnershipLink{}, fmt.Errorf("owner id is required")
	}
	link, err := i.catalog.UpsertOwnershipLink(ctx, store.OwnershipLink{
		OwnerID:      ownerID,
		StoredFileID: storedFileID,
		DisplayName:  displayName,
		DisplayPath:  displayPath,
	})
	if err != nil {
		return store.OwnershipLink{}, fmt.Errorf("link %s to %s: %w", ownerID, storedFileID, err)
	}
	return link, nil
}

func NormalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
