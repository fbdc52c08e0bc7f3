package payload

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/scanorch/internal/config"
)

// fakeS3 implements the handful of path-style S3 calls the payload store makes.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{buckets: map[string]bool{}, objects: map[string][]byte{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(p, "/")
	if _, ok := r.URL.Query()["location"]; ok {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`)
		return
	}

	if key == "" {
		switch r.Method {
		case http.MethodHead:
			if !f.buckets[bucket] {
				w.WriteHeader(http.StatusNotFound)
			}
		case http.MethodPut:
			f.buckets[bucket] = true
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	id := bucket + "/" + key
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("X-Amz-Decoded-Content-Length") != "" {
			body = decodeAWSChunked(body)
		}
		f.objects[id] = body
		w.Header().Set("ETag", `"etag-1"`)
	case http.MethodGet, http.MethodHead:
		data, ok := f.objects[id]
		if !ok {
			noSuchKey(w, r, bucket, key)
			return
		}
		w.Header().Set("ETag", `"etag-1"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	case http.MethodDelete:
		delete(f.objects, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func noSuchKey(w http.ResponseWriter, r *http.Request, bucket, key string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusNotFound)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message><Key>%s</Key><BucketName>%s</BucketName><Resource>/%s/%s</Resource><RequestId>1</RequestId><HostId>1</HostId></Error>`,
		key, bucket, bucket, key)
}

// decodeAWSChunked strips aws-chunked framing ("<hex>;chunk-signature=..\r\n<data>\r\n").
func decodeAWSChunked(body []byte) []byte {
	var out bytes.Buffer
	rd := bufio.NewReader(bytes.NewReader(body))
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return out.Bytes()
		}
		size, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		n, err := strconv.ParseInt(size, 16, 64)
		if err != nil || n == 0 {
			return out.Bytes()
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(rd, chunk); err != nil {
			return out.Bytes()
		}
		out.Write(chunk)
		_, _ = rd.ReadString('\n')
	}
}

func newTestMinIO(t *testing.T) (*MinIO, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewMinIO(context.Background(), config.MinIOConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "scanorch-results",
	})
	require.NoError(t, err)
	return store, fake
}

func TestNewMinIOCreatesBucket(t *testing.T) {
	_, fake := newTestMinIO(t)
	assert.True(t, fake.buckets["scanorch-results"])
}

func TestMinIOPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestMinIO(t)

	key := Key("job-1", "result-1")
	assert.Equal(t, "results/job-1/result-1", key)

	ref, err := store.Put(ctx, key, "<CxXMLResults/>")
	require.NoError(t, err)
	assert.Equal(t, key, ref)
	assert.Contains(t, fake.objects, "scanorch-results/"+key)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "<CxXMLResults/>", got)

	require.NoError(t, store.Delete(ctx, ref))
	assert.NotContains(t, fake.objects, "scanorch-results/"+key)

	_, err = store.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, store.Delete(ctx, ref), "deleting a missing payload is fine")
}

func TestNewSelectsStore(t *testing.T) {
	s, err := New(context.Background(), config.PayloadsConfig{Store: "database"})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = New(context.Background(), config.PayloadsConfig{Store: "ftp"})
	assert.Error(t, err)

	_, err = New(context.Background(), config.PayloadsConfig{Store: "minio"})
	assert.Error(t, err, "minio needs an endpoint")
}
