package store

import (
	"context"
	"iter"
	"strings"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
)

// FragmentStore persists fragments outside process memory so that datasets
// larger than RAM can be aggregated. Fragments are keyed by
// (dataset, entity id, fragment checksum); writing the same fragment twice
// stores it once.
type FragmentStore interface {
	// PutFragments stores fragments under dataset. Safe for concurrent use.
	PutFragments(ctx context.Context, dataset string, fragments []common.Entity) error

	// IterateFragments yields every fragment of dataset ordered by entity id
	// and then by fragment checksum, so all fragments of one entity are
	// adjacent and their order does not depend on arrival order.
	IterateFragments(ctx context.Context, dataset string) iter.Seq2[common.Entity, error]

	// ClearDataset removes every fragment of dataset.
	ClearDataset(ctx context.Context, dataset string) error

	Close() error
}

// Locker is implemented by stores shared between processes. Aggregation
// runs inside WithLock so that only one writer folds a dataset at a time.
type Locker interface {
	WithLock(ctx context.Context, dataset string, fn func(ctx context.Context) error) error
}

// IsStoreURI reports whether uri names a fragment store rather than a file.
func IsStoreURI(uri string) bool {
	for _, scheme := range []string{"bolt://", "postgres://", "postgresql://"} {
		if strings.HasPrefix(uri, scheme) {
			return true
		}
	}
	return false
}
