package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/tabgraph/internal/storage"
	"github.com/OFFIS-RIT/tabgraph/pkg/common"

	"golang.org/x/sync/singleflight"
)

const (
	MimeCSV    = "text/csv"
	MimeJSON   = "application/json"
	MimeNDJSON = "application/x-ndjson"
	MimeOther  = "application/octet-stream"
)

// maxLineSize bounds a single line handed out by Lines.
const maxLineSize = 64 << 20

var ErrUnsupportedScheme = errors.New("unsupported source scheme")

// Source describes one input of a dataset.
type Source struct {
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	URI      string `yaml:"uri" json:"uri" validate:"required"`
	Mimetype string `yaml:"mimetype,omitempty" json:"mimetype,omitempty"`
	// Stream overrides whether the source is read line by line.
	Stream *bool `yaml:"stream,omitempty" json:"stream,omitempty"`
	// Options are passed to the extract handler (delimiter, skip_rows, ...).
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// DisplayName is Name or, when empty, the last path element of URI.
func (s Source) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return path.Base(strings.TrimSuffix(s.URI, "/"))
}

// Scheme classifies URI as "file", "http" or "s3".
func (s Source) Scheme() string {
	switch {
	case strings.HasPrefix(s.URI, "http://"), strings.HasPrefix(s.URI, "https://"):
		return "http"
	case strings.HasPrefix(s.URI, "s3://"):
		return "s3"
	default:
		return "file"
	}
}

// Option returns the extract option called name or def.
func (s Source) Option(name, def string) string {
	if v, ok := s.Options[name]; ok && v != "" {
		return v
	}
	return def
}

// Resolver gives uniform access to a source regardless of where it lives.
//
// Key identifies the current content of the source: it changes when the
// content changes and is stable otherwise. Content reads the whole source,
// Lines streams it line by line.
type Resolver interface {
	Source() Source
	Mimetype() string
	Stream() bool
	Key(ctx context.Context) (string, error)
	Content(ctx context.Context) ([]byte, error)
	Lines(ctx context.Context) iter.Seq2[[]byte, error]
}

// Options carries the clients a resolver may need.
type Options struct {
	HTTPClient *http.Client
	S3         storage.S3API
}

// Resolve inspects src and returns a resolver for it. HTTP and S3 sources
// are probed here for their validators.
func Resolve(ctx context.Context, src Source, opts Options) (Resolver, error) {
	switch src.Scheme() {
	case "http":
		client := opts.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		return newHTTPResolver(ctx, src, client)
	case "s3":
		if opts.S3 == nil {
			return nil, fmt.Errorf("%w: no s3 client configured for %s", ErrUnsupportedScheme, src.URI)
		}
		return newS3Resolver(ctx, src, opts.S3)
	case "file":
		return newLocalResolver(src)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, src.URI)
}

var extensionTypes = map[string]string{
	".csv":    MimeCSV,
	".tsv":    MimeCSV,
	".json":   MimeJSON,
	".ndjson": MimeNDJSON,
	".jsonl":  MimeNDJSON,
}

// NormalizeMimetype strips parameters and maps common aliases.
func NormalizeMimetype(value string) string {
	if value == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(value)
	if err != nil {
		mt = strings.TrimSpace(strings.Split(value, ";")[0])
	}
	switch strings.ToLower(mt) {
	case "application/csv", "text/comma-separated-values":
		return MimeCSV
	case "application/jsonl", "application/x-jsonlines", "application/ndjson":
		return MimeNDJSON
	}
	return strings.ToLower(mt)
}

// GuessMimetype derives a mimetype from the file extension of name.
func GuessMimetype(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if mt, ok := extensionTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return NormalizeMimetype(mt)
	}
	return MimeOther
}

func pickMimetype(src Source, detected string) string {
	if src.Mimetype != "" {
		return NormalizeMimetype(src.Mimetype)
	}
	if mt := NormalizeMimetype(detected); mt != "" && mt != MimeOther && mt != "binary/octet-stream" && mt != "text/plain" {
		return mt
	}
	return GuessMimetype(src.URI)
}

func pickStream(src Source, mimetype string) bool {
	if src.Stream != nil {
		return *src.Stream
	}
	return mimetype == MimeCSV || mimetype == MimeNDJSON
}

// contentKey builds a resolver key from the source location and a content
// validator (checksum, etag or modification time).
func contentKey(src Source, kind, validator string) string {
	return common.Checksum([]byte(src.URI + "#" + kind + "#" + validator))
}

// contentMemo reads a source at most once per resolver even when several
// goroutines ask for it concurrently.
type contentMemo struct {
	mu    sync.RWMutex
	data  []byte
	ok    bool
	group singleflight.Group
}

func (m *contentMemo) get(key string, load func() ([]byte, error)) ([]byte, error) {
	m.mu.RLock()
	if m.ok {
		data := m.data
		m.mu.RUnlock()
		return data, nil
	}
	m.mu.RUnlock()

	result, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.RLock()
		if m.ok {
			data := m.data
			m.mu.RUnlock()
			return data, nil
		}
		m.mu.RUnlock()

		data, err := load()
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.data, m.ok = data, true
		m.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// ScanLines turns a reader factory into a line sequence. Lines are copied
// so callers may keep them.
func ScanLines(ctx context.Context, open func(ctx context.Context) (io.ReadCloser, error)) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		r, err := open(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer r.Close()

		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(bytes.Clone(sc.Bytes()), nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to read lines: %w", err))
		}
	}
}
