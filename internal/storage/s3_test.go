package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

func TestIsS3NotFound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, true},
		{"head not found", &smithy.GenericAPIError{Code: "NotFound"}, true},
		{"wrapped", fmt.Errorf("get: %w", &smithy.GenericAPIError{Code: "NoSuchKey"}), true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"bare 404", &smithyhttp.ResponseError{Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusNotFound}}, Err: errors.New("not found")}, true},
		{"bare 500", &smithyhttp.ResponseError{Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusInternalServerError}}, Err: errors.New("boom")}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isS3NotFound(tt.err); got != tt.want {
				t.Fatalf("isS3NotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestS3ObjectKeyPrefix(t *testing.T) {
	t.Parallel()

	plain := NewS3BlobStore(S3Options{Bucket: "b"})
	if got := plain.objectKey("objects/a"); got != "objects/a" {
		t.Fatalf("objectKey() = %q, want objects/a", got)
	}
	prefixed := NewS3BlobStore(S3Options{Bucket: "b", Prefix: "vault/"})
	if got := prefixed.objectKey("digests/x"); got != "vault/digests/x" {
		t.Fatalf("objectKey() = %q, want vault/digests/x", got)
	}
}

func TestS3BlobStore_ListSkipsDigestMarkers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newFakeS3Store(t, "vault/")

	for _, name := range []string{"b_output.bin", "a_chunk_1"} {
		if _, err := s.Put(ctx, name, strings.NewReader(name)); err != nil {
			t.Fatalf("Put(%s) error = %v", name, err)
		}
	}

	blobs, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(blobs) != 2 || blobs[0].Name != "a_chunk_1" || blobs[1].Name != "b_output.bin" {
		t.Fatalf("List() = %+v", blobs)
	}
	for _, b := range blobs {
		if b.Ref != "objects/"+b.Name || b.Size != int64(len(b.Name)) || b.CreatedAt.IsZero() {
			t.Fatalf("listed blob = %+v", b)
		}
	}
}

func TestS3BlobStore_FindByNameReadsDigestMetadata(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newFakeS3Store(t, "")

	put, err := s.Put(ctx, "meta_chunk_1", strings.NewReader("metadata"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	found, err := s.FindByName(ctx, "meta_chunk_1")
	if err != nil {
		t.Fatalf("FindByName() error = %v", err)
	}
	if found.Digest != md5Hex("metadata") || found.Size != put.Size || found.CreatedAt.IsZero() {
		t.Fatalf("FindByName() = %+v, want digest %s", found, md5Hex("metadata"))
	}
	if _, err := s.FindByContentHash(ctx, md5Hex("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindByContentHash(missing) error = %v, want ErrNotFound", err)
	}
}
