package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

var ErrNotFound = errors.New("blob not found")

// Blob describes a stored object. Ref is the backend key accepted by Open;
// Digest is the lowercase hex MD5 of the content.
type Blob struct {
	Ref       string
	Name      string
	Size      int64
	Digest    string
	CreatedAt time.Time
}

// BlobStorage is the interface for blob storage backends. Objects are
// addressed by a caller-chosen flat name; storing under an existing name
// replaces the object. Local-disk, S3-compatible and in-memory stores
// implement it, and all methods are safe for concurrent use.
type BlobStorage interface {
	// Put writes data from r under name and returns the stored blob.
	Put(ctx context.Context, name string, r io.Reader) (Blob, error)

	// Open retrieves a previously stored blob by its ref.
	// The returned BlobFile must be closed by the caller.
	Open(ctx context.Context, ref string) (*BlobFile, error)

	// DeleteByName removes the named blob. Deleting a missing blob is not
	// an error.
	DeleteByName(ctx context.Context, name string) error

	// FindByName returns ErrNotFound when nothing is stored under name.
	FindByName(ctx context.Context, name string) (Blob, error)

	// FindByContentHash returns a blob whose content has the given MD5, or
	// ErrNotFound.
	FindByContentHash(ctx context.Context, digest string) (Blob, error)

	// List returns blobs whose name starts with prefix. Backends that cannot
	// list digests cheaply leave Digest empty.
	List(ctx context.Context, prefix string) ([]Blob, error)
}

// BlobFile is an opened blob stream that reports its size.
type BlobFile struct {
	rc   io.ReadCloser
	size int64
}

func NewBlobFile(rc io.ReadCloser, size int64) *BlobFile {
	return &BlobFile{rc: rc, size: size}
}

func (b *BlobFile) Read(p []byte) (int, error) { return b.rc.Read(p) }
func (b *BlobFile) Close() error               { return b.rc.Close() }
func (b *BlobFile) Size() int64                { return b.size }

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

func normalizeDigest(digest string) string {
	return strings.ToLower(strings.TrimSpace(digest))
}
