package source

import (
	"context"
	"io"
	"iter"
	"strconv"

	"github.com/OFFIS-RIT/tabgraph/internal/storage"
)

type s3Resolver struct {
	src      Source
	client   storage.S3API
	obj      storage.Object
	info     storage.ObjectInfo
	mimetype string
	stream   bool
	memo     contentMemo
}

func newS3Resolver(ctx context.Context, src Source, client storage.S3API) (*s3Resolver, error) {
	obj, err := storage.ParseS3URI(src.URI)
	if err != nil {
		return nil, err
	}
	info, err := storage.HeadFile(ctx, client, obj)
	if err != nil {
		return nil, err
	}
	mt := pickMimetype(src, info.ContentType)
	return &s3Resolver{
		src:      src,
		client:   client,
		obj:      obj,
		info:     info,
		mimetype: mt,
		stream:   pickStream(src, mt),
	}, nil
}

func (r *s3Resolver) Source() Source   { return r.src }
func (r *s3Resolver) Mimetype() string { return r.mimetype }
func (r *s3Resolver) Stream() bool     { return r.stream }

func (r *s3Resolver) Key(ctx context.Context) (string, error) {
	if r.info.ETag != "" {
		return contentKey(r.src, "etag", r.info.ETag), nil
	}
	return contentKey(r.src, "last-modified", strconv.FormatInt(r.info.LastModified.UnixNano(), 10)), nil
}

func (r *s3Resolver) open(ctx context.Context) (io.ReadCloser, error) {
	return storage.OpenFile(ctx, r.client, r.obj)
}

func (r *s3Resolver) Content(ctx context.Context) ([]byte, error) {
	return r.memo.get(r.src.URI, func() ([]byte, error) {
		return storage.GetFile(ctx, r.client, r.obj)
	})
}

func (r *s3Resolver) Lines(ctx context.Context) iter.Seq2[[]byte, error] {
	return ScanLines(ctx, r.open)
}
