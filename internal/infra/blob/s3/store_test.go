package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"

	"cascadecore/internal/blob/core"
)

// fakeBucket serves the subset of the S3 REST API the store uses:
// HEAD/GET/PUT/DELETE on objects and ListObjectsV2 paged one key at a time.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	// failPut makes every PUT answer 403.
	failPut bool
}

type fakeObject struct {
	body        []byte
	contentType string
	metadata    http.Header
}

func newFakeBucket() *fakeBucket { return &fakeBucket{objects: make(map[string]fakeObject)} }

func respond(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: header}
}

func (f *fakeBucket) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return f.list(req), nil
	}
	switch req.Method {
	case http.MethodHead, http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			return respond(http.StatusNotFound, "", nil), nil
		}
		h := http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Etag":           {`"etag-` + key + `"`},
			"Last-Modified":  {time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(http.TimeFormat)},
		}
		for k, v := range obj.metadata {
			h[k] = v
		}
		if req.Method == http.MethodHead {
			return respond(http.StatusOK, "", h), nil
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(obj.body)), Header: h}, nil
	case http.MethodPut:
		if f.failPut {
			return respond(http.StatusForbidden, "", nil), nil
		}
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		md := http.Header{}
		for k, v := range req.Header {
			if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") {
				md[k] = v
			}
		}
		f.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type"), metadata: md}
		return respond(http.StatusOK, "", http.Header{"Etag": {`"etag"`}}), nil
	case http.MethodDelete:
		delete(f.objects, key)
		return respond(http.StatusNoContent, "", nil), nil
	}
	return respond(http.StatusNotImplemented, "", nil), nil
}

func (f *fakeBucket) list(req *http.Request) *http.Response {
	q := req.URL.Query()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, q.Get("prefix")) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if tok := q.Get("continuation-token"); tok != "" {
		start, _ = strconv.Atoi(tok)
	}
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult>`)
	if start+1 < len(keys) {
		fmt.Fprintf(&b, "<IsTruncated>true</IsTruncated><NextContinuationToken>%d</NextContinuationToken>", start+1)
	} else {
		b.WriteString("<IsTruncated>false</IsTruncated>")
	}
	if start < len(keys) {
		k := keys[start]
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2026-01-02T03:04:05Z</LastModified></Contents>", k, len(f.objects[k].body))
	}
	b.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, b.String(), http.Header{"Content-Type": {"application/xml"}})
}

// decodeChunked unwraps a single-chunk aws-chunked payload.
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 || parts[2] != "0" {
		return nil, false
	}
	size, err := strconv.ParseInt(strings.SplitN(parts[0], ";", 2)[0], 16, 64)
	if err != nil || int64(len(parts[1])) != size {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newTestStore(t *testing.T, bucket *fakeBucket) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{
		Bucket:          "tombstones",
		Endpoint:        "https://s3.test.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      &http.Client{Transport: bucket},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeBucket())
	if s.Driver() != core.DriverS3 || s.Bucket() != "tombstones" {
		t.Fatalf("unexpected store %s %s", s.Driver(), s.Bucket())
	}
	info, err := s.Put(ctx, "t/a.json", bytes.NewReader([]byte(`{"id":"a"}`)), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"actor": "admin"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "t/a.json" || info.ContentType != "application/json" || info.ETag != "etag-t/a.json" {
		t.Fatalf("unexpected info %+v", info)
	}
	got, rc, err := s.Get(ctx, "t/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"id":"a"}` || got.Size != int64(len(body)) {
		t.Fatalf("unexpected get %+v %q", got, body)
	}
	if got.Metadata["actor"] != "admin" && got.Metadata["Actor"] != "admin" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}
	if ok, err := s.Delete(ctx, "t/a.json"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := s.Delete(ctx, "t/a.json"); err != nil || ok {
		t.Fatalf("expected missing delete: %v %v", ok, err)
	}
}

func TestStoreErrorMapping(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	s := newTestStore(t, bucket)
	if _, err := s.Head(ctx, "missing"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected not found from head, got %v", err)
	}
	if _, _, err := s.Get(ctx, "missing"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected not found from get, got %v", err)
	}
	if _, err := s.Put(ctx, "k", bytes.NewReader([]byte("x")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(ctx, "k", bytes.NewReader([]byte("y")), core.PutOptions{}); !errors.Is(err, errors.AlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if _, err := s.Put(ctx, "", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected not valid, got %v", err)
	}
	bucket.failPut = true
	_, err := s.Put(ctx, "other", bytes.NewReader([]byte("z")), core.PutOptions{})
	if err == nil || errors.Is(err, errors.NotFound) {
		t.Fatalf("expected upload failure, got %v", err)
	}
	if _, err := New(ctx, Config{}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected missing bucket to be rejected, got %v", err)
	}
}

func TestStoreListPaginates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeBucket())
	for _, k := range []string{"t/b", "t/a", "t/c", "other"} {
		if _, err := s.Put(ctx, k, bytes.NewReader([]byte(k)), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	list, err := s.List(ctx, "t/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var keys []string
	for _, info := range list {
		keys = append(keys, info.Key)
	}
	if strings.Join(keys, ",") != "t/a,t/b,t/c" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if list[0].Size != 3 {
		t.Fatalf("unexpected size %+v", list[0])
	}
}
