package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func backends(t *testing.T) map[string]BlobStorage {
	t.Helper()
	local, err := NewLocalBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBlobStore() error = %v", err)
	}
	return map[string]BlobStorage{
		"local":  local,
		"memory": NewMemoryBlobStore(),
		"s3":     newFakeS3Store(t, "filevault/"),
	}
}

func readAll(t *testing.T, s BlobStorage, ref string) string {
	t.Helper()
	f, err := s.Open(context.Background(), ref)
	if err != nil {
		t.Fatalf("Open(%q) error = %v", ref, err)
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if f.Size() != int64(len(raw)) {
		t.Fatalf("Size() = %d, want %d", f.Size(), len(raw))
	}
	return string(raw)
}

func TestBlobStorage_PutFindOpen(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			blob, err := s.Put(ctx, "task_chunk_1", strings.NewReader("hello"))
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if blob.Digest != md5Hex("hello") || blob.Size != 5 || blob.Name != "task_chunk_1" {
				t.Fatalf("Put() = %+v", blob)
			}

			found, err := s.FindByName(ctx, "task_chunk_1")
			if err != nil {
				t.Fatalf("FindByName() error = %v", err)
			}
			if found.Ref != blob.Ref || found.Digest != blob.Digest {
				t.Fatalf("FindByName() = %+v, want %+v", found, blob)
			}

			byHash, err := s.FindByContentHash(ctx, strings.ToUpper(md5Hex("hello")))
			if err != nil {
				t.Fatalf("FindByContentHash() error = %v", err)
			}
			if byHash.Name != "task_chunk_1" {
				t.Fatalf("FindByContentHash().Name = %q", byHash.Name)
			}

			if got := readAll(t, s, blob.Ref); got != "hello" {
				t.Fatalf("content = %q, want hello", got)
			}
		})
	}
}

func TestBlobStorage_OverwriteReplacesContent(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			if _, err := s.Put(ctx, "x_chunk_1", strings.NewReader("first")); err != nil {
				t.Fatalf("Put(first) error = %v", err)
			}
			blob, err := s.Put(ctx, "x_chunk_1", strings.NewReader("second"))
			if err != nil {
				t.Fatalf("Put(second) error = %v", err)
			}
			if got := readAll(t, s, blob.Ref); got != "second" {
				t.Fatalf("content = %q, want second", got)
			}
			if _, err := s.FindByContentHash(ctx, md5Hex("first")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("FindByContentHash(first) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestBlobStorage_DeleteAndMissing(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			if err := s.DeleteByName(ctx, "never_stored"); err != nil {
				t.Fatalf("DeleteByName(missing) error = %v", err)
			}
			if _, err := s.FindByName(ctx, "never_stored"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("FindByName(missing) error = %v, want ErrNotFound", err)
			}

			blob, err := s.Put(ctx, "gone_output.txt", strings.NewReader("bye"))
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if err := s.DeleteByName(ctx, "gone_output.txt"); err != nil {
				t.Fatalf("DeleteByName() error = %v", err)
			}
			if _, err := s.FindByName(ctx, "gone_output.txt"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("FindByName(deleted) error = %v, want ErrNotFound", err)
			}
			if _, err := s.FindByContentHash(ctx, blob.Digest); !errors.Is(err, ErrNotFound) {
				t.Fatalf("FindByContentHash(deleted) error = %v, want ErrNotFound", err)
			}
			if _, err := s.Open(ctx, blob.Ref); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Open(deleted) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestBlobStorage_DeleteKeepsOtherHolderOfDigest(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			if _, err := s.Put(ctx, "a_chunk_1", strings.NewReader("same")); err != nil {
				t.Fatalf("Put(a) error = %v", err)
			}
			if _, err := s.Put(ctx, "b_chunk_1", strings.NewReader("same")); err != nil {
				t.Fatalf("Put(b) error = %v", err)
			}
			if err := s.DeleteByName(ctx, "a_chunk_1"); err != nil {
				t.Fatalf("DeleteByName(a) error = %v", err)
			}
			found, err := s.FindByContentHash(ctx, md5Hex("same"))
			if err != nil {
				t.Fatalf("FindByContentHash() error = %v", err)
			}
			if found.Name != "b_chunk_1" {
				t.Fatalf("FindByContentHash().Name = %q, want b_chunk_1", found.Name)
			}
		})
	}
}

func TestBlobStorage_ListByPrefix(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			for _, n := range []string{"t1_chunk_2", "t1_chunk_1", "t2_chunk_1", "t1_output.bin"} {
				if _, err := s.Put(ctx, n, strings.NewReader(n)); err != nil {
					t.Fatalf("Put(%s) error = %v", n, err)
				}
			}

			blobs, err := s.List(ctx, "t1_chunk_")
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(blobs) != 2 || blobs[0].Name != "t1_chunk_1" || blobs[1].Name != "t1_chunk_2" {
				t.Fatalf("List() = %+v", blobs)
			}
		})
	}
}

func TestBlobStorage_RejectsInvalidNames(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			for _, bad := range []string{"", "..", "a/b", `a\b`} {
				if _, err := s.Put(context.Background(), bad, strings.NewReader("x")); err == nil {
					t.Fatalf("Put(%q) error = nil, want non-nil", bad)
				}
			}
		})
	}
}
