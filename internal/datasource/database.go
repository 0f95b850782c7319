package datasource

import (
	"context"
	"time"

	"github.com/kennethshackleton/selekt-go/internal/cryptokey"
	"github.com/kennethshackleton/selekt-go/internal/metrics"
	"github.com/kennethshackleton/selekt-go/internal/objectpool"
	"github.com/kennethshackleton/selekt-go/internal/sqliteconn"
)

// pool is the narrow surface Database needs from either pool shape; a
// PoolSize of 1 uses the single-slot pool (C5), anything larger uses
// CommonObjectPool (C6), mirroring §2's "Data flow" note that each
// cache key owns one pool of either shape.
type pool interface {
	BorrowPrimary(ctx context.Context) (*sqliteconn.Conn, error)
	Borrow(ctx context.Context) (*sqliteconn.Conn, error)
	Return(obj *sqliteconn.Conn) error
	Close() error
}

// singlePoolAdapter makes a SingleObjectPool satisfy pool: with exactly
// one slot there is no distinct "secondary" borrow, so both methods
// hand out the same object.
type singlePoolAdapter struct {
	inner *objectpool.SingleObjectPool[*sqliteconn.Conn]
}

func (a *singlePoolAdapter) BorrowPrimary(ctx context.Context) (*sqliteconn.Conn, error) {
	return a.inner.Borrow(ctx)
}

func (a *singlePoolAdapter) Borrow(ctx context.Context) (*sqliteconn.Conn, error) {
	return a.inner.Borrow(ctx)
}

func (a *singlePoolAdapter) Return(obj *sqliteconn.Conn) error { return a.inner.Return(obj) }

func (a *singlePoolAdapter) Close() error { return a.inner.Close() }

// Database is one cached DataSource entry: a cache key's configuration,
// its shared encryption key (if any), and its connection pool.
type Database struct {
	cacheKey string
	cfg      Config
	key      *cryptokey.Key
	factory  *connFactory
	pool     pool
}

func newDatabase(cacheKey, path string, cfg Config, key *cryptokey.Key, coll *metrics.Collector) *Database {
	factory := newConnFactory(path, cfg, key, coll, cacheKey)
	poolCfg := objectpool.Config{
		MaxSize:          cfg.PoolSize,
		PrimaryBudget:    1,
		EvictionDelay:    30 * time.Second,
		EvictionInterval: 10 * time.Second,
		Metrics:          coll,
		CacheKey:         cacheKey,
	}

	var p pool
	if cfg.PoolSize == 1 {
		p = &singlePoolAdapter{inner: objectpool.NewSingleObjectPool[*sqliteconn.Conn](factory, true, poolCfg)}
	} else {
		p = objectpool.NewCommonObjectPool[*sqliteconn.Conn](factory, poolCfg)
	}

	return &Database{cacheKey: cacheKey, cfg: cfg, key: key, factory: factory, pool: p}
}

// GetConnection borrows a connection, preferring the primary when
// needsPrimary is set (e.g. a write transaction).
func (d *Database) GetConnection(ctx context.Context, needsPrimary bool) (*sqliteconn.Conn, error) {
	if needsPrimary {
		return d.pool.BorrowPrimary(ctx)
	}
	return d.pool.Borrow(ctx)
}

// ReturnConnection hands conn back to this database's pool.
func (d *Database) ReturnConnection(conn *sqliteconn.Conn) error {
	return d.pool.Return(conn)
}

// Close closes the pool (destroying every idle connection; a borrowed
// one is destroyed when it is returned) and zeroises the shared
// encryption key via the factory's Close.
func (d *Database) Close() error {
	return d.pool.Close()
}

// CacheKey returns the normalised key this Database is registered
// under, for callers (such as the metrics reporting loop) that need to
// label per-pool series.
func (d *Database) CacheKey() string {
	return d.cacheKey
}

// Stats reports a point-in-time occupancy snapshot. A single-slot pool
// reports through its Live() only, rather than
// objectpool.CommonObjectPool's richer Stats(): a live connection is
// counted as idle (0, 1, 1) whether or not it is on loan.
func (d *Database) Stats() (active, idle, total int) {
	switch p := d.pool.(type) {
	case *objectpool.CommonObjectPool[*sqliteconn.Conn]:
		s := p.Stats()
		return s.Active, s.Idle, s.Total
	case *singlePoolAdapter:
		if p.inner.Live() {
			return 0, 1, 1
		}
		return 0, 0, 0
	default:
		return 0, 0, 0
	}
}
