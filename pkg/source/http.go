package source

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/logger"
)

type httpResolver struct {
	src          Source
	client       *http.Client
	mimetype     string
	stream       bool
	etag         string
	lastModified string
	memo         contentMemo
}

func newHTTPResolver(ctx context.Context, src Source, client *http.Client) (*httpResolver, error) {
	r := &httpResolver{src: src, client: client}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, src.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var contentType string
	resp, err := client.Do(req)
	switch {
	case err != nil:
		return nil, fmt.Errorf("failed to probe %s: %w", src.URI, err)
	case resp.StatusCode >= 400 && resp.StatusCode != http.StatusMethodNotAllowed:
		resp.Body.Close()
		return nil, fmt.Errorf("failed to probe %s: status %d", src.URI, resp.StatusCode)
	default:
		resp.Body.Close()
		if resp.StatusCode < 400 {
			r.etag = strings.Trim(resp.Header.Get("ETag"), `"`)
			r.lastModified = resp.Header.Get("Last-Modified")
			contentType = resp.Header.Get("Content-Type")
		} else {
			logger.Debug("[Source] HEAD not allowed, falling back to content checksum", "uri", src.URI)
		}
	}

	r.mimetype = pickMimetype(src, contentType)
	r.stream = pickStream(src, r.mimetype)
	return r, nil
}

func (r *httpResolver) Source() Source   { return r.src }
func (r *httpResolver) Mimetype() string { return r.mimetype }
func (r *httpResolver) Stream() bool     { return r.stream }

func (r *httpResolver) Key(ctx context.Context) (string, error) {
	if r.etag != "" {
		return contentKey(r.src, "etag", r.etag), nil
	}
	if r.lastModified != "" {
		return contentKey(r.src, "last-modified", r.lastModified), nil
	}
	data, err := r.Content(ctx)
	if err != nil {
		return "", err
	}
	return contentKey(r.src, "sha256", common.Checksum(data)), nil
}

func (r *httpResolver) open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.src.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", r.src.URI, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: status %d", r.src.URI, resp.StatusCode)
	}
	return resp.Body, nil
}

func (r *httpResolver) Content(ctx context.Context) ([]byte, error) {
	return r.memo.get(r.src.URI, func() ([]byte, error) {
		body, err := r.open(ctx)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", r.src.URI, err)
		}
		return data, nil
	})
}

func (r *httpResolver) Lines(ctx context.Context) iter.Seq2[[]byte, error] {
	return ScanLines(ctx, r.open)
}
