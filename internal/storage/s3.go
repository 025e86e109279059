package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const s3DigestMetaKey = "content-md5-hex"

// S3BlobStore stores blobs in an S3-compatible bucket (AWS S3, MinIO, etc.).
// Objects live under <prefix>objects/<name>; <prefix>digests/<md5> marker
// objects hold the name of a blob with that content.
type S3BlobStore struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ BlobStorage = (*S3BlobStore)(nil)

type S3Options struct {
	Client *s3.Client
	Bucket string
	Prefix string // optional key prefix, e.g. "filevault/"
}

func NewS3BlobStore(opts S3Options) *S3BlobStore {
	return &S3BlobStore{
		client: opts.Client,
		bucket: opts.Bucket,
		prefix: opts.Prefix,
	}
}

func (s *S3BlobStore) objectKey(key string) string {
	if s.prefix != "" {
		return s.prefix + key
	}
	return key
}

func (s *S3BlobStore) Put(ctx context.Context, name string, r io.Reader) (Blob, error) {
	if !validName(name) {
		return Blob{}, fmt.Errorf("invalid blob name %q", name)
	}

	// Spool first to compute the digest and get a seekable body.
	tmpFile, err := os.CreateTemp("", "s3-blob-*")
	if err != nil {
		return Blob{}, fmt.Errorf("create tmp file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmpFile, h), r)
	if err != nil {
		return Blob{}, fmt.Errorf("write tmp blob: %w", err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return Blob{}, fmt.Errorf("seek tmp file: %w", err)
	}

	ref := "objects/" + name
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(ref)),
		Body:          tmpFile,
		ContentLength: aws.Int64(n),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      map[string]string{s3DigestMetaKey: digest},
	})
	if err != nil {
		return Blob{}, fmt.Errorf("s3 put: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey("digests/" + digest)),
		Body:          strings.NewReader(name),
		ContentLength: aws.Int64(int64(len(name))),
		ContentType:   aws.String("text/plain"),
	})
	if err != nil {
		return Blob{}, fmt.Errorf("s3 put digest marker: %w", err)
	}

	return Blob{
		Ref:       ref,
		Name:      name,
		Size:      n,
		Digest:    digest,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (s *S3BlobStore) Open(ctx context.Context, ref string) (*BlobFile, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(ref)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get %q: %w", ref, err)
	}
	return NewBlobFile(resp.Body, aws.ToInt64(resp.ContentLength)), nil
}

func (s *S3BlobStore) DeleteByName(ctx context.Context, name string) error {
	if !validName(name) {
		return fmt.Errorf("invalid blob name %q", name)
	}

	blob, err := s.FindByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(blob.Ref)),
	}); err != nil {
		return fmt.Errorf("s3 delete %q: %w", name, err)
	}

	if blob.Digest == "" {
		return nil
	}
	indexed, err := s.readDigestMarker(ctx, blob.Digest)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if indexed != name {
		return nil
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey("digests/" + blob.Digest)),
	}); err != nil {
		return fmt.Errorf("s3 delete digest marker: %w", err)
	}
	return nil
}

func (s *S3BlobStore) FindByName(ctx context.Context, name string) (Blob, error) {
	if !validName(name) {
		return Blob{}, ErrNotFound
	}
	ref := "objects/" + name
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(ref)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return Blob{}, ErrNotFound
		}
		return Blob{}, fmt.Errorf("s3 head %q: %w", name, err)
	}
	return Blob{
		Ref:       ref,
		Name:      name,
		Size:      aws.ToInt64(head.ContentLength),
		Digest:    head.Metadata[s3DigestMetaKey],
		CreatedAt: aws.ToTime(head.LastModified),
	}, nil
}

func (s *S3BlobStore) FindByContentHash(ctx context.Context, digest string) (Blob, error) {
	digest = normalizeDigest(digest)
	if !validName(digest) {
		return Blob{}, ErrNotFound
	}
	name, err := s.readDigestMarker(ctx, digest)
	if err != nil {
		return Blob{}, err
	}
	blob, err := s.FindByName(ctx, name)
	if err != nil {
		return Blob{}, err
	}
	if blob.Digest != digest {
		return Blob{}, ErrNotFound
	}
	return blob, nil
}

func (s *S3BlobStore) List(ctx context.Context, prefix string) ([]Blob, error) {
	base := s.objectKey("objects/")
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(base + prefix),
	})

	var blobs []Blob
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, base)
			if !validName(name) {
				continue
			}
			blobs = append(blobs, Blob{
				Ref:       "objects/" + name,
				Name:      name,
				Size:      aws.ToInt64(obj.Size),
				CreatedAt: aws.ToTime(obj.LastModified),
			})
		}
	}
	return blobs, nil
}

func (s *S3BlobStore) readDigestMarker(ctx context.Context, digest string) (string, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey("digests/" + digest)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("s3 get digest marker: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("read digest marker: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
