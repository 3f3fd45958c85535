package main

import (
	"context"
	"encoding/json"

	"github.com/OFFIS-RIT/tabgraph/pkg/pipeline"
	"github.com/OFFIS-RIT/tabgraph/pkg/sink"
)

type output struct {
	pipeline.RecordWriter
	close func() error
	abort func()
}

// openOutput writes NDJSON to uri, or to stdout when uri is empty or "-".
func (a *app) openOutput(ctx context.Context, storage *sink.Storage, uri string) (*output, error) {
	if uri == "" || uri == "-" {
		enc := json.NewEncoder(a.stdout)
		enc.SetEscapeHTML(false)
		return &output{RecordWriter: enc, close: func() error { return nil }, abort: func() {}}, nil
	}
	w, err := storage.Create(ctx, uri)
	if err != nil {
		return nil, err
	}
	return &output{RecordWriter: w, close: w.Close, abort: w.Abort}, nil
}
