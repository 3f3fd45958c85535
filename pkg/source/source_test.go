package source

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return p
}

func TestNormalizeMimetype(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"text/csv; charset=utf-8", MimeCSV},
		{"application/csv", MimeCSV},
		{"application/JSON", MimeJSON},
		{"application/jsonl", MimeNDJSON},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeMimetype(tt.in); got != tt.want {
			t.Fatalf("NormalizeMimetype(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGuessMimetype(t *testing.T) {
	tests := map[string]string{
		"a/meetings.csv":   MimeCSV,
		"b/records.ndjson": MimeNDJSON,
		"c/rows.jsonl":     MimeNDJSON,
		"d/data.json":      MimeJSON,
		"e/blob":           MimeOther,
	}
	for name, want := range tests {
		if got := GuessMimetype(name); got != want {
			t.Fatalf("GuessMimetype(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestLocalResolver(t *testing.T) {
	ctx := context.Background()
	p := writeFile(t, "rows.csv", "a,b\n1,2\n3,4\n")

	r, err := Resolve(ctx, Source{URI: p}, Options{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if r.Mimetype() != MimeCSV {
		t.Fatalf("expected csv, got %s", r.Mimetype())
	}
	if !r.Stream() {
		t.Fatal("expected csv to stream by default")
	}

	var lines []string
	for line, err := range r.Lines(ctx) {
		if err != nil {
			t.Fatalf("lines failed: %v", err)
		}
		lines = append(lines, string(line))
	}
	if !reflect.DeepEqual(lines, []string{"a,b", "1,2", "3,4"}) {
		t.Fatalf("unexpected lines %v", lines)
	}

	k1, err := r.Key(ctx)
	if err != nil {
		t.Fatalf("key failed: %v", err)
	}
	k2, _ := r.Key(ctx)
	if k1 != k2 {
		t.Fatal("expected stable key")
	}

	if err := os.WriteFile(p, []byte("a,b\n9,9\n"), 0o644); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}
	k3, _ := r.Key(ctx)
	if k3 == k1 {
		t.Fatal("expected key to change with content")
	}
}

func TestLocalResolverOverrides(t *testing.T) {
	ctx := context.Background()
	p := writeFile(t, "export.txt", `[{"a":1}]`)
	no := false
	r, err := Resolve(ctx, Source{URI: p, Mimetype: "application/json", Stream: &no}, Options{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if r.Mimetype() != MimeJSON || r.Stream() {
		t.Fatalf("expected json without streaming, got %s stream=%v", r.Mimetype(), r.Stream())
	}
	data, err := r.Content(ctx)
	if err != nil || string(data) != `[{"a":1}]` {
		t.Fatalf("unexpected content %q err=%v", data, err)
	}
}

func TestLocalResolverMissingFile(t *testing.T) {
	if _, err := Resolve(context.Background(), Source{URI: filepath.Join(t.TempDir(), "nope.csv")}, Options{}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestHTTPResolverUsesETag(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		if r.Method == http.MethodGet {
			gets.Add(1)
			io.WriteString(w, "a\n1\n")
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	r, err := Resolve(ctx, Source{URI: srv.URL + "/data"}, Options{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if r.Mimetype() != MimeCSV {
		t.Fatalf("expected csv from content type, got %s", r.Mimetype())
	}
	if _, err := r.Key(ctx); err != nil {
		t.Fatalf("key failed: %v", err)
	}
	if n := gets.Load(); n != 0 {
		t.Fatalf("expected etag key without download, got %d GETs", n)
	}

	n := 0
	for _, err := range r.Lines(ctx) {
		if err != nil {
			t.Fatalf("lines failed: %v", err)
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 lines, got %d", n)
	}
}

func TestHTTPResolverFallsBackToChecksum(t *testing.T) {
	var body atomic.Value
	body.Store("x\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		io.WriteString(w, body.Load().(string))
	}))
	defer srv.Close()

	ctx := context.Background()
	src := Source{URI: srv.URL + "/rows.csv"}
	r, err := Resolve(ctx, src, Options{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	k1, err := r.Key(ctx)
	if err != nil {
		t.Fatalf("key failed: %v", err)
	}

	body.Store("y\n")
	r2, _ := Resolve(ctx, src, Options{HTTPClient: srv.Client()})
	k2, _ := r2.Key(ctx)
	if k1 == k2 {
		t.Fatal("expected checksum key to follow content")
	}
}

func TestHTTPResolverErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	if _, err := Resolve(context.Background(), Source{URI: srv.URL}, Options{HTTPClient: srv.Client()}); err == nil {
		t.Fatal("expected error for 404")
	}
}

type fakeS3 struct {
	objects map[string][]byte
	etag    string
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.objects[aws.ToString(in.Key)]))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	now := time.Unix(1700000000, 0)
	return &s3.HeadObjectOutput{
		ETag:          aws.String(`"` + f.etag + `"`),
		ContentType:   aws.String("application/x-ndjson"),
		ContentLength: aws.Int64(int64(len(f.objects[aws.ToString(in.Key)]))),
		LastModified:  &now,
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return &s3.ListObjectsV2Output{}, nil
}

func TestS3Resolver(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{objects: map[string][]byte{"ec/rows.bin": []byte("{\"a\":1}\n{\"a\":2}\n")}, etag: "abc"}

	if _, err := Resolve(ctx, Source{URI: "s3://data/ec/rows.bin"}, Options{}); err == nil {
		t.Fatal("expected error without s3 client")
	}

	r, err := Resolve(ctx, Source{URI: "s3://data/ec/rows.bin"}, Options{S3: client})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if r.Mimetype() != MimeNDJSON || !r.Stream() {
		t.Fatalf("expected streamed ndjson, got %s stream=%v", r.Mimetype(), r.Stream())
	}
	k1, _ := r.Key(ctx)
	client.etag = "def"
	r2, _ := Resolve(ctx, Source{URI: "s3://data/ec/rows.bin"}, Options{S3: client})
	k2, _ := r2.Key(ctx)
	if k1 == k2 {
		t.Fatal("expected key to follow the etag")
	}
	data, err := r.Content(ctx)
	if err != nil || len(data) == 0 {
		t.Fatalf("expected content, got %q err=%v", data, err)
	}
}

func TestDisplayName(t *testing.T) {
	if got := (Source{URI: "https://x.test/a/meetings.csv"}).DisplayName(); got != "meetings.csv" {
		t.Fatalf("expected meetings.csv, got %s", got)
	}
	if got := (Source{Name: "ec", URI: "x"}).DisplayName(); got != "ec" {
		t.Fatalf("expected ec, got %s", got)
	}
}
