package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
)

// StoredFile is one content-addressed assembled blob. ContentHash is unique.
type StoredFile struct {
	ID             uuid.UUID
	ContentHash    string
	SizeBytes      int64
	BlobRef        string
	Category       string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// OwnershipLink associates an owner's display name and path with a
// StoredFile. It is unique on (OwnerID, StoredFileID).
type OwnershipLink struct {
	ID           uuid.UUID
	OwnerID      string
	StoredFileID uuid.UUID
	DisplayName  string
	DisplayPath  string
	LinkedAt     time.Time
}

// OwnedFile is a link joined with the file it references.
type OwnedFile struct {
	OwnershipLink
	File StoredFile
}

// APIToken represents a row in the api_tokens table.
type APIToken struct {
	ID         uuid.UUID  `json:"id"`
	Subject    string     `json:"subject"`
	Name       string     `json:"name"`
	Disabled   bool       `json:"disabled"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}
