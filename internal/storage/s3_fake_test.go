package storage

import (
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const fakeBucket = "vault"

type fakeObject struct {
	data     []byte
	meta     http.Header
	modified time.Time
}

// fakeS3 is an in-process bucket speaking the path-style subset of the S3
// REST API the blob store uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

type listBucketResult struct {
	XMLName     xml.Name       `xml:"ListBucketResult"`
	Name        string         `xml:"Name"`
	Prefix      string         `xml:"Prefix"`
	KeyCount    int            `xml:"KeyCount"`
	IsTruncated bool           `xml:"IsTruncated"`
	Contents    []listedObject `xml:"Contents"`
}

type listedObject struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	Size         int64  `xml:"Size"`
}

func newFakeS3Store(t *testing.T, prefix string) *S3BlobStore {
	t.Helper()
	fake := &fakeS3{objects: make(map[string]fakeObject)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                credentials.NewStaticCredentialsProvider("key", "secret", ""),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	return NewS3BlobStore(S3Options{Client: client, Bucket: fakeBucket, Prefix: prefix})
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == fakeBucket || path == fakeBucket+"/" {
		if r.Method == http.MethodGet {
			f.list(w, r.URL.Query().Get("prefix"))
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	key, ok := strings.CutPrefix(path, fakeBucket+"/")
	if !ok || key == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPut:
		f.put(w, r, key)
	case http.MethodGet, http.MethodHead:
		f.get(w, r, key)
	case http.MethodDelete:
		f.mu.Lock()
		delete(f.objects, key)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) put(w http.ResponseWriter, r *http.Request, key string) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	meta := make(http.Header)
	for name, values := range r.Header {
		if strings.HasPrefix(strings.ToLower(name), "x-amz-meta-") {
			meta[name] = values
		}
	}
	f.mu.Lock()
	f.objects[key] = fakeObject{data: data, meta: meta, modified: time.Now().UTC()}
	f.mu.Unlock()
	w.Header().Set("ETag", strconv.Quote(strconv.Itoa(len(data))))
	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) get(w http.ResponseWriter, r *http.Request, key string) {
	f.mu.Lock()
	obj, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
		return
	}

	h := w.Header()
	for name, values := range obj.meta {
		h[name] = values
	}
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.Itoa(len(obj.data)))
	h.Set("Last-Modified", obj.modified.Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(obj.data)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, prefix string) {
	f.mu.Lock()
	out := listBucketResult{Name: fakeBucket, Prefix: prefix}
	for key, obj := range f.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out.Contents = append(out.Contents, listedObject{
			Key:          key,
			LastModified: obj.modified.Format("2006-01-02T15:04:05.000Z"),
			Size:         int64(len(obj.data)),
		})
	}
	f.mu.Unlock()
	sort.Slice(out.Contents, func(i, j int) bool { return out.Contents[i].Key < out.Contents[j].Key })
	out.KeyCount = len(out.Contents)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(out)
}
