// Package leaselock serializes work on a dataset across processes with
// expiring leases stored in PostgreSQL. A holder keeps its lease alive in
// the background; a holder that dies loses it once the TTL runs out.
package leaselock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/OFFIS-RIT/tabgraph/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrBusy = errors.New("lease lock busy")
	ErrLost = errors.New("lease lock lost")
)

// Conn is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Options struct {
	// TTL is how long a lease survives without being extended.
	TTL time.Duration
	// Extend is the keep-alive interval; always shorter than TTL.
	Extend time.Duration
	// Wait makes Acquire poll until the lease is free instead of failing
	// with ErrBusy.
	Wait   bool
	Poll   time.Duration
	Jitter time.Duration
	// OwnerPrefix is prepended to the random owner token.
	OwnerPrefix string
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.Extend <= 0 || o.Extend >= o.TTL {
		o.Extend = max(o.TTL/2, time.Second)
	}
	if o.Poll <= 0 {
		o.Poll = 250 * time.Millisecond
	}
	o.Jitter = max(o.Jitter, 0)
	return o
}

type Locker struct {
	conn Conn
	opts Options
}

func New(conn Conn, opts Options) *Locker {
	return &Locker{conn: conn, opts: opts.withDefaults()}
}

// Key joins parts into a lock key, e.g. Key("aggregate", "ec_meetings").
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Lease is a held lock. Its context ends when the lease is released or
// lost.
type Lease struct {
	key    string
	owner  string
	ttl    time.Duration
	conn   Conn
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   chan struct{}
	once   sync.Once
}

func (l *Lease) Key() string              { return l.key }
func (l *Lease) Owner() string            { return l.owner }
func (l *Lease) Context() context.Context { return l.ctx }
func (l *Lease) ttlMillis() int64         { return l.ttl.Milliseconds() }

func (lk *Locker) newOwner() (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", err
	}
	return lk.opts.OwnerPrefix + id, nil
}

func (lk *Locker) try(ctx context.Context, key, owner string) (bool, error) {
	var holder string
	err := lk.conn.QueryRow(ctx, acquireSQL, key, owner, lk.opts.TTL.Milliseconds()).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return holder == owner, nil
}

// Acquire takes the lease on key.
func (lk *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	if key == "" {
		return nil, errors.New("lease lock key is empty")
	}
	owner, err := lk.newOwner()
	if err != nil {
		return nil, err
	}

	for {
		ok, err := lk.try(ctx, key, owner)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if !lk.opts.Wait {
			return nil, ErrBusy
		}
		logger.Debug("[Lock] Waiting for lease", "key", key)
		if err := pause(ctx, lk.opts.Poll, lk.opts.Jitter); err != nil {
			return nil, err
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		key:    key,
		owner:  owner,
		ttl:    lk.opts.TTL,
		conn:   lk.conn,
		ctx:    leaseCtx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}
	go l.keepAlive(lk.opts.Extend)
	return l, nil
}

// Do runs fn while holding key. If the lease is lost while fn runs, the
// returned error also matches ErrLost.
func (lk *Locker) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l, err := lk.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer l.Release(context.WithoutCancel(ctx))

	err = fn(l.ctx)
	if err != nil && errors.Is(context.Cause(l.ctx), ErrLost) {
		return errors.Join(err, ErrLost)
	}
	return err
}

// Release gives the lease up. It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		close(l.stop)
		l.cancel(context.Canceled)
	})
	if _, err := l.conn.Exec(ctx, releaseSQL, l.key, l.owner); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}

func (l *Lease) keepAlive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-l.ctx.Done():
			return
		case <-t.C:
		}
		if err := l.extend(); err != nil {
			logger.Warn("[Lock] Lease lost", "key", l.key, "err", err)
			l.cancel(ErrLost)
			return
		}
	}
}

// extend pushes the expiry forward, retrying transient errors twice.
func (l *Lease) extend() error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			if perr := pause(l.ctx, 200*time.Millisecond, 0); perr != nil {
				return perr
			}
		}
		ctx, cancel := context.WithTimeout(l.ctx, 15*time.Second)
		var key string
		err = l.conn.QueryRow(ctx, extendSQL, l.key, l.owner, l.ttlMillis()).Scan(&key)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLost
		}
	}
	return err
}

func pause(ctx context.Context, base, jitter time.Duration) error {
	d := base
	if jitter > 0 {
		d += rand.N(jitter + 1)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// An expired lease is taken over; a live one held by someone else leaves
// the row untouched and the statement returns no row.
const acquireSQL = `
INSERT INTO dataset_locks AS l (lock_key, locked_by, expires_at)
VALUES ($1, $2, clock_timestamp() + make_interval(secs => $3::bigint / 1000.0))
ON CONFLICT (lock_key) DO UPDATE
   SET locked_by = EXCLUDED.locked_by, expires_at = EXCLUDED.expires_at
 WHERE l.expires_at < clock_timestamp() OR l.locked_by = EXCLUDED.locked_by
RETURNING l.locked_by
`

const extendSQL = `
UPDATE dataset_locks
   SET expires_at = clock_timestamp() + make_interval(secs => $3::bigint / 1000.0)
 WHERE lock_key = $1 AND locked_by = $2
RETURNING lock_key
`

const releaseSQL = `DELETE FROM dataset_locks WHERE lock_key = $1 AND locked_by = $2`
