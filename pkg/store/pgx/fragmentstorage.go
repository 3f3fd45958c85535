package pgx

import (
	"context"
	"time"

	"github.com/OFFIS-RIT/tabgraph/pkg/leaselock"
	"github.com/OFFIS-RIT/tabgraph/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

// FragmentDBStorage implements store.FragmentStore on the fragments table.
// Identical fragments collapse on the primary key, and aggregation of a
// dataset is serialized across processes with a lease lock.
type FragmentDBStorage struct {
	conn     pgxIConn
	locks    *leaselock.Locker
	lockOpts leaselock.Options
	pageSize int
	close    func()
}

var (
	_ store.FragmentStore = (*FragmentDBStorage)(nil)
	_ store.Locker        = (*FragmentDBStorage)(nil)
)

type FragmentDBStorageOption func(*FragmentDBStorage)

// WithLockOptions overrides how long aggregation waits for and holds the
// dataset lease.
func WithLockOptions(opts leaselock.Options) FragmentDBStorageOption {
	return func(s *FragmentDBStorage) {
		s.lockOpts = opts
	}
}

// WithPageSize sets how many fragments are read per query while iterating.
func WithPageSize(n int) FragmentDBStorageOption {
	return func(s *FragmentDBStorage) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithCloser registers a function run on Close, typically pool.Close.
func WithCloser(fn func()) FragmentDBStorageOption {
	return func(s *FragmentDBStorage) {
		s.close = fn
	}
}

// NewFragmentDBStorageWithConnection creates a store on an existing pool or
// connection.
func NewFragmentDBStorageWithConnection(conn pgxIConn, opts ...FragmentDBStorageOption) *FragmentDBStorage {
	s := &FragmentDBStorage{
		conn: conn,
		lockOpts: leaselock.Options{
			TTL:         2 * time.Minute,
			Wait:        true,
			Poll:        time.Second,
			Jitter:      500 * time.Millisecond,
			OwnerPrefix: "aggregate-",
		},
		pageSize: 1000,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	s.locks = leaselock.New(conn, s.lockOpts)
	return s
}

// WithLock holds the aggregation lease of dataset while fn runs.
func (s *FragmentDBStorage) WithLock(ctx context.Context, dataset string, fn func(ctx context.Context) error) error {
	return s.locks.Do(ctx, leaselock.Key("aggregate", dataset), fn)
}

func (s *FragmentDBStorage) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
