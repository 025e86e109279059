package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LocalBlobStore stores named blobs on local disk:
//
//	objects/<name>         blob bytes
//	meta/<name>.json       digest, size and creation time
//	digests/<md5>          name of a blob holding that content
type LocalBlobStore struct {
	root string
}

var _ BlobStorage = (*LocalBlobStore)(nil)

type localMeta struct {
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewLocalBlobStore(root string) (*LocalBlobStore, error) {
	for _, dir := range []string{"objects", "meta", "digests", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}
	return &LocalBlobStore{root: root}, nil
}

func (b *LocalBlobStore) objectPath(name string) string {
	return filepath.Join(b.root, "objects", name)
}

func (b *LocalBlobStore) metaPath(name string) string {
	return filepath.Join(b.root, "meta", name+".json")
}

func (b *LocalBlobStore) digestPath(digest string) string {
	return filepath.Join(b.root, "digests", digest)
}

func (b *LocalBlobStore) Put(ctx context.Context, name string, r io.Reader) (blob Blob, err error) {
	if !validName(name) {
		return Blob{}, fmt.Errorf("invalid blob name %q", name)
	}

	tmpFile, err := os.CreateTemp(filepath.Join(b.root, "tmp"), "blob-*")
	if err != nil {
		return Blob{}, fmt.Errorf("create tmp file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmpFile, h), r)
	if err != nil {
		return Blob{}, fmt.Errorf("write blob: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}
	if err := tmpFile.Close(); err != nil {
		return Blob{}, fmt.Errorf("close tmp file: %w", err)
	}

	if err := os.Rename(tmpName, b.objectPath(name)); err != nil {
		return Blob{}, fmt.Errorf("move blob: %w", err)
	}

	meta := localMeta{
		Digest:    hex.EncodeToString(h.Sum(nil)),
		Size:      n,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return Blob{}, err
	}
	if err := b.writeFileAtomic(b.metaPath(name), raw); err != nil {
		return Blob{}, fmt.Errorf("write blob meta: %w", err)
	}
	if err := b.writeFileAtomic(b.digestPath(meta.Digest), []byte(name)); err != nil {
		return Blob{}, fmt.Errorf("write digest index: %w", err)
	}

	return Blob{
		Ref:       name,
		Name:      name,
		Size:      meta.Size,
		Digest:    meta.Digest,
		CreatedAt: meta.CreatedAt,
	}, nil
}

func (b *LocalBlobStore) Open(_ context.Context, ref string) (*BlobFile, error) {
	if !validName(ref) {
		return nil, fmt.Errorf("invalid blob ref %q", ref)
	}
	f, err := os.Open(b.objectPath(ref))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return NewBlobFile(f, info.Size()), nil
}

func (b *LocalBlobStore) DeleteByName(_ context.Context, name string) error {
	if !validName(name) {
		return fmt.Errorf("invalid blob name %q", name)
	}

	meta, err := b.readMeta(name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil {
		indexed, readErr := os.ReadFile(b.digestPath(meta.Digest))
		if readErr == nil && string(indexed) == name {
			if err := os.Remove(b.digestPath(meta.Digest)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove digest index: %w", err)
			}
		}
	}

	if err := os.Remove(b.objectPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	if err := os.Remove(b.metaPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob meta: %w", err)
	}
	return nil
}

func (b *LocalBlobStore) FindByName(_ context.Context, name string) (Blob, error) {
	if !validName(name) {
		return Blob{}, ErrNotFound
	}
	meta, err := b.readMeta(name)
	if err != nil {
		return Blob{}, err
	}
	if _, err := os.Stat(b.objectPath(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Blob{}, ErrNotFound
		}
		return Blob{}, err
	}
	return Blob{
		Ref:       name,
		Name:      name,
		Size:      meta.Size,
		Digest:    meta.Digest,
		CreatedAt: meta.CreatedAt,
	}, nil
}

func (b *LocalBlobStore) FindByContentHash(ctx context.Context, digest string) (Blob, error) {
	digest = normalizeDigest(digest)
	if !validName(digest) {
		return Blob{}, ErrNotFound
	}
	raw, err := os.ReadFile(b.digestPath(digest))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Blob{}, ErrNotFound
		}
		return Blob{}, err
	}
	blob, err := b.FindByName(ctx, string(raw))
	if err != nil {
		return Blob{}, err
	}
	if blob.Digest != digest {
		// index entry outlived an overwrite of the named blob
		return Blob{}, ErrNotFound
	}
	return blob, nil
}

func (b *LocalBlobStore) List(ctx context.Context, prefix string) ([]Blob, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "objects"))
	if err != nil {
		return nil, fmt.Errorf("read objects dir: %w", err)
	}

	blobs := make([]Blob, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		blob, err := b.FindByName(ctx, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		blobs = append(blobs, blob)
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Name < blobs[j].Name })
	return blobs, nil
}

func (b *LocalBlobStore) readMeta(name string) (localMeta, error) {
	raw, err := os.ReadFile(b.metaPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return localMeta{}, ErrNotFound
		}
		return localMeta{}, err
	}
	var meta localMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return localMeta{}, fmt.Errorf("decode blob meta %q: %w", name, err)
	}
	return meta, nil
}

func (b *LocalBlobStore) writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(b.root, "tmp"), "meta-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
