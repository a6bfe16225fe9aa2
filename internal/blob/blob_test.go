package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	info, err := s.Put(ctx, "backups/2026-03-01.json", strings.NewReader(`{"ok":true}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, "backups/2026-03-01.json", info.Key)
	assert.EqualValues(t, 11, info.Size)

	_, err = s.Put(ctx, "backups/2026-03-01.json", strings.NewReader("again"), "")
	assert.ErrorIs(t, err, ErrExists)

	_, err = s.Put(ctx, "../escape", strings.NewReader("x"), "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, rc, err := s.Get(ctx, "backups/2026-03-01.json")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, `{"ok":true}`, string(data))

	_, _, err = s.Get(ctx, "backups/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Put(ctx, "backups/2026-02-01.json", strings.NewReader("{}"), "application/json")
	require.NoError(t, err)
	_, err = s.Put(ctx, "other/file.txt", strings.NewReader("x"), "text/plain")
	require.NoError(t, err)

	list, err := s.List(ctx, "backups/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "backups/2026-02-01.json", list[0].Key)
	assert.Equal(t, "backups/2026-03-01.json", list[1].Key)

	require.NoError(t, s.Delete(ctx, "backups/2026-02-01.json"))
	list, err = s.List(ctx, "backups/")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	assert.Equal(t, DriverMemory, s.Driver())
	storeContract(t, s)
	assert.ErrorIs(t, s.Delete(context.Background(), "nope"), ErrNotFound)
}

func TestFSStore(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())
	storeContract(t, s)
	assert.ErrorIs(t, s.Delete(context.Background(), "nope"), ErrNotFound)
}

func TestS3Store(t *testing.T) {
	rt := &fakeS3{objects: map[string]fakeObject{}}
	s, err := NewS3(context.Background(), S3Config{
		Bucket:          "tsoam-backups",
		Endpoint:        "https://s3.test.local",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
	}, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	require.NoError(t, err)
	assert.Equal(t, DriverS3, s.Driver())
	storeContract(t, s)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Options{Driver: "memory"})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	s, err = Open(ctx, Options{Driver: "fs", Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())

	_, err = Open(ctx, Options{Driver: "s3"})
	assert.Error(t, err, "bucket is required")

	_, err = Open(ctx, Options{Driver: "ftp"})
	assert.Error(t, err)
}

type fakeObject struct {
	body        []byte
	contentType string
}

// fakeS3 serves the path-style subset of the S3 API the store uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	respond := func(status int, body []byte, header http.Header) *http.Response {
		if header == nil {
			header = http.Header{}
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: header, Request: req}
	}
	objectHeader := func(o fakeObject) http.Header {
		return http.Header{
			"Content-Length": {fmt.Sprintf("%d", len(o.body))},
			"Content-Type":   {o.contentType},
			"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
			"Etag":           {`"etag"`},
		}
	}

	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		prefix := req.URL.Query().Get("prefix")
		keys := make([]string, 0)
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2026-01-01T00:00:00Z</LastModified></Contents>", k, len(f.objects[k].body))
		}
		b.WriteString("</ListBucketResult>")
		return respond(http.StatusOK, []byte(b.String()), http.Header{"Content-Type": {"application/xml"}}), nil
	}

	switch req.Method {
	case http.MethodHead:
		if o, ok := f.objects[key]; ok {
			return respond(http.StatusOK, nil, objectHeader(o)), nil
		}
		return respond(http.StatusNotFound, nil, nil), nil
	case http.MethodGet:
		if o, ok := f.objects[key]; ok {
			return respond(http.StatusOK, o.body, objectHeader(o)), nil
		}
		return respond(http.StatusNotFound, []byte(`<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`),
			http.Header{"Content-Type": {"application/xml"}}), nil
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		f.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type")}
		return respond(http.StatusOK, nil, http.Header{"Etag": {`"etag"`}}), nil
	case http.MethodDelete:
		delete(f.objects, key)
		return respond(http.StatusNoContent, nil, nil), nil
	}
	return respond(http.StatusNotImplemented, nil, nil), nil
}
