// Package extract turns the content of a source into records.
package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/source"
)

var ErrUnsupportedMimetype = errors.New("unsupported mimetype")

// Records yields the records of res. CSV sources honor the "delimiter" and
// "skip_rows" options; JSON sources hold either one object per line or a
// single array of objects.
func Records(ctx context.Context, res source.Resolver) iter.Seq2[common.Record, error] {
	switch res.Mimetype() {
	case source.MimeCSV:
		return csvRecords(ctx, res)
	case source.MimeNDJSON:
		return lineRecords(ctx, res)
	case source.MimeJSON:
		if res.Stream() {
			return lineRecords(ctx, res)
		}
		return documentRecords(ctx, res)
	}
	return func(yield func(common.Record, error) bool) {
		yield(nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedMimetype, res.Mimetype(), res.Source().URI))
	}
}

// CSVOptions controls how a CSV source is parsed.
type CSVOptions struct {
	Delimiter rune
	SkipRows  int
}

// CSVOptionsFor reads the CSV options of src.
func CSVOptionsFor(src source.Source) (CSVOptions, error) {
	opts := CSVOptions{Delimiter: ','}
	if strings.HasSuffix(strings.ToLower(src.URI), ".tsv") {
		opts.Delimiter = '\t'
	}
	if d := src.Option("delimiter", ""); d != "" {
		switch d {
		case "tab", `\t`:
			opts.Delimiter = '\t'
		default:
			r, size := utf8.DecodeRuneInString(d)
			if size != len(d) || r == utf8.RuneError {
				return opts, fmt.Errorf("invalid delimiter %q for %s", d, src.URI)
			}
			opts.Delimiter = r
		}
	}
	if s := src.Option("skip_rows", ""); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid skip_rows %q for %s", s, src.URI)
		}
		opts.SkipRows = n
	}
	return opts, nil
}

func csvRecords(ctx context.Context, res source.Resolver) iter.Seq2[common.Record, error] {
	return func(yield func(common.Record, error) bool) {
		opts, err := CSVOptionsFor(res.Source())
		if err != nil {
			yield(nil, err)
			return
		}

		var r io.Reader
		if res.Stream() {
			pr := streamLines(ctx, res)
			defer pr.Close()
			r = pr
		} else {
			content, err := res.Content(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			r = bytes.NewReader(content)
		}

		for rec, err := range ReadCSV(ctx, r, opts) {
			if err != nil {
				yield(nil, fmt.Errorf("failed to parse %s: %w", res.Source().URI, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// streamLines feeds the lines of res into a pipe so the CSV reader can
// consume the source incrementally.
func streamLines(ctx context.Context, res source.Resolver) *io.PipeReader {
	pr, pw := io.Pipe()
	go func() {
		for line, err := range res.Lines(ctx) {
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := pw.Write(append(line, '\n')); err != nil {
				return
			}
		}
		pw.Close()
	}()
	return pr
}

// ReadCSV parses r. The first row after SkipRows is the header; every
// following row becomes a record keyed by column name.
func ReadCSV(ctx context.Context, r io.Reader, opts CSVOptions) iter.Seq2[common.Record, error] {
	return func(yield func(common.Record, error) bool) {
		cr := csv.NewReader(r)
		if opts.Delimiter != 0 {
			cr.Comma = opts.Delimiter
		}
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true

		for range opts.SkipRows {
			if _, err := cr.Read(); err != nil {
				if err != io.EOF {
					yield(nil, err)
				}
				return
			}
		}

		header, err := cr.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			yield(nil, err)
			return
		}
		if len(header) > 0 {
			header[0] = strings.TrimPrefix(header[0], "\ufeff")
		}
		for i := range header {
			header[i] = strings.TrimSpace(header[i])
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			row, err := cr.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if isBlank(row) {
				continue
			}
			rec := make(common.Record, len(header))
			for i, col := range header {
				if col == "" {
					continue
				}
				if i < len(row) {
					rec[col] = row[i]
				} else {
					rec[col] = ""
				}
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func lineRecords(ctx context.Context, res source.Resolver) iter.Seq2[common.Record, error] {
	return decodeLines(res.Lines(ctx), res.Source().URI)
}

// ReadNDJSON decodes one record per line of r. name is used in errors.
func ReadNDJSON(ctx context.Context, r io.Reader, name string) iter.Seq2[common.Record, error] {
	open := func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(r), nil
	}
	return decodeLines(source.ScanLines(ctx, open), name)
}

func decodeLines(lines iter.Seq2[[]byte, error], name string) iter.Seq2[common.Record, error] {
	return func(yield func(common.Record, error) bool) {
		n := 0
		for line, err := range lines {
			n++
			if err != nil {
				yield(nil, err)
				return
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			rec, err := decodeRecord(line)
			if err != nil {
				yield(nil, fmt.Errorf("failed to decode line %d of %s: %w", n, name, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func documentRecords(ctx context.Context, res source.Resolver) iter.Seq2[common.Record, error] {
	return func(yield func(common.Record, error) bool) {
		content, err := res.Content(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		content = bytes.TrimSpace(content)
		if len(content) == 0 {
			return
		}
		if content[0] == '{' {
			rec, err := decodeRecord(content)
			if err != nil {
				yield(nil, fmt.Errorf("failed to decode %s: %w", res.Source().URI, err))
				return
			}
			yield(rec, nil)
			return
		}

		var items []json.RawMessage
		if err := json.Unmarshal(content, &items); err != nil {
			yield(nil, fmt.Errorf("failed to decode %s: %w", res.Source().URI, err))
			return
		}
		for i, item := range items {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			rec, err := decodeRecord(item)
			if err != nil {
				yield(nil, fmt.Errorf("failed to decode item %d of %s: %w", i, res.Source().URI, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func decodeRecord(data []byte) (common.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec common.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.New("expected a JSON object")
	}
	return rec, nil
}
