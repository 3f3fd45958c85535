package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/OFFIS-RIT/tabgraph/internal/util"
	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/store"
)

const fragmentInsertChunkSize = 1000

const insertFragmentsSQL = `
INSERT INTO fragments (dataset, id, checksum, schema, properties)
SELECT $1, f.id, f.checksum, f.schema, f.properties::jsonb
FROM unnest($2::text[], $3::text[], $4::text[], $5::text[]) AS f(id, checksum, schema, properties)
ON CONFLICT (dataset, id, checksum) DO NOTHING
`

const selectFragmentsSQL = `
SELECT id, checksum, schema, properties
FROM fragments
WHERE dataset = $1 AND (id, checksum) > ($2, $3)
ORDER BY id, checksum
LIMIT $4
`

// sanitizeFragment drops NUL bytes and invalid UTF-8, which jsonb rejects.
func sanitizeFragment(f common.Entity) common.Entity {
	out := common.Entity{
		ID:         util.SanitizePostgresText(f.ID),
		Schema:     f.Schema,
		Properties: make(map[string][]string, len(f.Properties)),
	}
	for prop, values := range f.Properties {
		clean := make([]string, 0, len(values))
		for _, v := range values {
			if v = util.SanitizePostgresText(v); v != "" {
				clean = append(clean, v)
			}
		}
		if len(clean) > 0 {
			out.Properties[prop] = clean
		}
	}
	return out
}

func (s *FragmentDBStorage) PutFragments(ctx context.Context, dataset string, fragments []common.Entity) error {
	return store.ChunkRange(len(fragments), fragmentInsertChunkSize, func(start, end int) error {
		chunk := fragments[start:end]
		ids := make([]string, 0, len(chunk))
		sums := make([]string, 0, len(chunk))
		schemata := make([]string, 0, len(chunk))
		props := make([]string, 0, len(chunk))
		for _, f := range chunk {
			f = sanitizeFragment(f)
			data, err := json.Marshal(f.Properties)
			if err != nil {
				return fmt.Errorf("failed to encode fragment %s: %w", f.ID, err)
			}
			ids = append(ids, f.ID)
			sums = append(sums, f.Checksum())
			schemata = append(schemata, f.Schema)
			props = append(props, string(data))
		}
		if _, err := s.conn.Exec(ctx, insertFragmentsSQL, dataset, ids, sums, schemata, props); err != nil {
			return fmt.Errorf("failed to insert fragment batch: %w", err)
		}
		return nil
	})
}

func (s *FragmentDBStorage) IterateFragments(ctx context.Context, dataset string) iter.Seq2[common.Entity, error] {
	return func(yield func(common.Entity, error) bool) {
		lastID, lastSum := "", ""
		for {
			rows, err := s.conn.Query(ctx, selectFragmentsSQL, dataset, lastID, lastSum, s.pageSize)
			if err != nil {
				yield(common.Entity{}, fmt.Errorf("failed to query fragments: %w", err))
				return
			}

			var page []common.Entity
			for rows.Next() {
				var (
					id, sum, schemaName string
					raw                 []byte
				)
				if err := rows.Scan(&id, &sum, &schemaName, &raw); err != nil {
					rows.Close()
					yield(common.Entity{}, fmt.Errorf("failed to scan fragment: %w", err))
					return
				}
				f := common.Entity{ID: id, Schema: schemaName}
				if err := json.Unmarshal(raw, &f.Properties); err != nil {
					rows.Close()
					yield(common.Entity{}, fmt.Errorf("failed to decode fragment %s: %w", id, err))
					return
				}
				page = append(page, f)
				lastID, lastSum = id, sum
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				yield(common.Entity{}, fmt.Errorf("failed to read fragments: %w", err))
				return
			}

			for _, f := range page {
				if !yield(f, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

func (s *FragmentDBStorage) ClearDataset(ctx context.Context, dataset string) error {
	if _, err := s.conn.Exec(ctx, `DELETE FROM fragments WHERE dataset = $1`, dataset); err != nil {
		return fmt.Errorf("failed to clear dataset %s: %w", dataset, err)
	}
	return nil
}
