// Package sink reads and writes newline-delimited JSON on the local
// filesystem or S3. Files are written to a temporary location and published
// on Close, so readers never observe a partially written file.
package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/tabgraph/internal/storage"
	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/source"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const ContentTypeNDJSON = "application/x-ndjson"

// Storage resolves URIs to local paths or S3 objects.
type Storage struct {
	s3 storage.S3API
}

// New creates a Storage. s3 may be nil when no S3 URIs are used.
func New(s3 storage.S3API) *Storage {
	return &Storage{s3: s3}
}

func isS3(uri string) bool {
	return strings.HasPrefix(uri, "s3://")
}

func localPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

func (s *Storage) s3Object(uri string) (storage.Object, error) {
	if s.s3 == nil {
		return storage.Object{}, fmt.Errorf("no s3 client configured for %s", uri)
	}
	return storage.ParseS3URI(uri)
}

// Writer encodes one JSON value per line.
type Writer struct {
	uri    string
	file   *os.File
	buf    *bufio.Writer
	enc    *json.Encoder
	count  int
	commit func() error
	closed bool
}

// Create opens uri for writing. The previous content, if any, is replaced
// when the writer is closed.
func (s *Storage) Create(ctx context.Context, uri string) (*Writer, error) {
	if isS3(uri) {
		obj, err := s.s3Object(uri)
		if err != nil {
			return nil, err
		}
		f, err := os.CreateTemp("", "tabgraph-upload-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create upload buffer: %w", err)
		}
		w := newWriter(uri, f)
		w.commit = func() error {
			defer os.Remove(f.Name())
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				f.Close()
				return err
			}
			err := storage.PutFile(ctx, s.s3, obj, f, ContentTypeNDJSON)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			return err
		}
		return w, nil
	}

	p := localPath(uri)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", uri, err)
	}
	suffix, err := gonanoid.New(8)
	if err != nil {
		return nil, err
	}
	tmp := p + ".tmp-" + suffix
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", uri, err)
	}
	w := newWriter(uri, f)
	w.commit = func() error {
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			return err
		}
		return os.Rename(tmp, p)
	}
	return w, nil
}

func newWriter(uri string, f *os.File) *Writer {
	buf := bufio.NewWriterSize(f, 256*1024)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &Writer{uri: uri, file: f, buf: buf, enc: enc}
}

// Encode writes v as one line.
func (w *Writer) Encode(v any) error {
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write to %s: %w", w.uri, err)
	}
	w.count++
	return nil
}

// Count returns the number of values written.
func (w *Writer) Count() int { return w.count }

// URI returns the destination of the writer.
func (w *Writer) URI() string { return w.uri }

// Close flushes and publishes the file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		os.Remove(w.file.Name())
		return fmt.Errorf("failed to flush %s: %w", w.uri, err)
	}
	if err := w.commit(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", w.uri, err)
	}
	return nil
}

// Abort discards everything written so far.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.file.Close()
	os.Remove(w.file.Name())
}

// WriteFile replaces uri with data.
func (s *Storage) WriteFile(ctx context.Context, uri string, data []byte, contentType string) error {
	if isS3(uri) {
		obj, err := s.s3Object(uri)
		if err != nil {
			return err
		}
		return storage.PutFile(ctx, s.s3, obj, bytes.NewReader(data), contentType)
	}
	p := localPath(uri)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", uri, err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", uri, err)
	}
	return os.Rename(tmp, p)
}

// ReadFile reads the whole content of uri.
func (s *Storage) ReadFile(ctx context.Context, uri string) ([]byte, error) {
	if isS3(uri) {
		obj, err := s.s3Object(uri)
		if err != nil {
			return nil, err
		}
		return storage.GetFile(ctx, s.s3, obj)
	}
	return os.ReadFile(localPath(uri))
}

func (s *Storage) open(uri string) func(ctx context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		if isS3(uri) {
			obj, err := s.s3Object(uri)
			if err != nil {
				return nil, err
			}
			return storage.OpenFile(ctx, s.s3, obj)
		}
		f, err := os.Open(localPath(uri))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", uri, err)
		}
		return f, nil
	}
}

// Lines streams the lines of uri.
func (s *Storage) Lines(ctx context.Context, uri string) iter.Seq2[[]byte, error] {
	return source.ScanLines(ctx, s.open(uri))
}

// Exists reports whether a local file exists. S3 URIs are assumed to exist.
func (s *Storage) Exists(uri string) bool {
	if isS3(uri) {
		return true
	}
	_, err := os.Stat(localPath(uri))
	return err == nil
}

// Entities decodes the entities stored in every uri, in order. Blank lines
// are skipped.
func (s *Storage) Entities(ctx context.Context, uris ...string) iter.Seq2[common.Entity, error] {
	return func(yield func(common.Entity, error) bool) {
		for _, uri := range uris {
			for line, err := range s.Lines(ctx, uri) {
				if err != nil {
					yield(common.Entity{}, err)
					return
				}
				if len(strings.TrimSpace(string(line))) == 0 {
					continue
				}
				var e common.Entity
				if err := json.Unmarshal(line, &e); err != nil {
					yield(common.Entity{}, fmt.Errorf("failed to decode entity in %s: %w", uri, err))
					return
				}
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}

// List returns every file below root: a local directory or an
// s3://bucket/prefix location. Results are URIs sorted lexically.
func (s *Storage) List(ctx context.Context, root string) ([]string, error) {
	if isS3(root) {
		obj, err := s.s3Object(root)
		if err != nil {
			return nil, err
		}
		keys, err := storage.ListFilesWithPrefix(ctx, s.s3, obj.Bucket, obj.Key)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, storage.Object{Bucket: obj.Bucket, Key: k}.String())
		}
		slices.Sort(out)
		return out, nil
	}

	var out []string
	err := filepath.WalkDir(localPath(root), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}
	slices.Sort(out)
	return out, nil
}
