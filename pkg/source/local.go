package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
)

type localResolver struct {
	src      Source
	path     string
	mimetype string
	stream   bool
	memo     contentMemo
}

func newLocalResolver(src Source) (*localResolver, error) {
	p := strings.TrimPrefix(src.URI, "file://")
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", src.URI, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source %s is a directory", src.URI)
	}
	mt := pickMimetype(src, "")
	return &localResolver{
		src:      src,
		path:     p,
		mimetype: mt,
		stream:   pickStream(src, mt),
	}, nil
}

func (r *localResolver) Source() Source   { return r.src }
func (r *localResolver) Mimetype() string { return r.mimetype }
func (r *localResolver) Stream() bool     { return r.stream }

func (r *localResolver) open(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source %s: %w", r.src.URI, err)
	}
	return f, nil
}

// Key hashes the file content. Streamed sources are hashed without being
// held in memory.
func (r *localResolver) Key(ctx context.Context) (string, error) {
	if !r.stream {
		data, err := r.Content(ctx)
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256(data)
		return contentKey(r.src, "sha256", hex.EncodeToString(sum[:])), nil
	}

	f, err := r.open(ctx)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash source %s: %w", r.src.URI, err)
	}
	return contentKey(r.src, "sha256", hex.EncodeToString(h.Sum(nil))), nil
}

func (r *localResolver) Content(ctx context.Context) ([]byte, error) {
	return r.memo.get(r.path, func() ([]byte, error) {
		data, err := os.ReadFile(r.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read source %s: %w", r.src.URI, err)
		}
		return data, nil
	})
}

func (r *localResolver) Lines(ctx context.Context) iter.Seq2[[]byte, error] {
	return ScanLines(ctx, r.open)
}
