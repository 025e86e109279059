package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBlobStore keeps blobs in process memory. It backs tests and
// single-process development setups.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	digests map[string]string
	now     func() time.Time
}

type memoryObject struct {
	data      []byte
	digest    string
	createdAt time.Time
}

var _ BlobStorage = (*MemoryBlobStore)(nil)

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		objects: make(map[string]memoryObject),
		digests: make(map[string]string),
		now:     time.Now,
	}
}

// SetClock replaces the clock used to stamp new blobs.
func (m *MemoryBlobStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryBlobStore) Put(ctx context.Context, name string, r io.Reader) (Blob, error) {
	if !validName(name) {
		return Blob{}, fmt.Errorf("invalid blob name %q", name)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Blob{}, fmt.Errorf("read blob: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}
	sum := md5.Sum(data)
	digest := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	obj := memoryObject{data: data, digest: digest, createdAt: m.now().UTC()}
	m.objects[name] = obj
	m.digests[digest] = name
	return obj.blob(name), nil
}

func (m *MemoryBlobStore) Open(_ context.Context, ref string) (*BlobFile, error) {
	m.mu.RLock()
	obj, ok := m.objects[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return NewBlobFile(io.NopCloser(bytes.NewReader(data)), int64(len(data))), nil
}

func (m *MemoryBlobStore) DeleteByName(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[name]
	if !ok {
		return nil
	}
	delete(m.objects, name)
	if m.digests[obj.digest] == name {
		delete(m.digests, obj.digest)
	}
	return nil
}

func (m *MemoryBlobStore) FindByName(_ context.Context, name string) (Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[name]
	if !ok {
		return Blob{}, ErrNotFound
	}
	return obj.blob(name), nil
}

func (m *MemoryBlobStore) FindByContentHash(_ context.Context, digest string) (Blob, error) {
	digest = normalizeDigest(digest)
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.digests[digest]
	if !ok {
		return Blob{}, ErrNotFound
	}
	obj, ok := m.objects[name]
	if !ok || obj.digest != digest {
		return Blob{}, ErrNotFound
	}
	return obj.blob(name), nil
}

func (m *MemoryBlobStore) List(_ context.Context, prefix string) ([]Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blobs := make([]Blob, 0, len(m.objects))
	for name, obj := range m.objects {
		if strings.HasPrefix(name, prefix) {
			blobs = append(blobs, obj.blob(name))
		}
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Name < blobs[j].Name })
	return blobs, nil
}

func (o memoryObject) blob(name string) Blob {
	return Blob{
		Ref:       name,
		Name:      name,
		Size:      int64(len(o.data)),
		Digest:    o.digest,
		CreatedAt: o.createdAt,
	}
}
