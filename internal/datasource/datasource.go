package datasource

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/kennethshackleton/selekt-go/internal/cryptokey"
	"github.com/kennethshackleton/selekt-go/internal/metrics"
	"github.com/kennethshackleton/selekt-go/internal/selekterr"
	"github.com/kennethshackleton/selekt-go/internal/sqliteconn"
)

// DataSource is the pool-aware driver-glue surface (C9): it resolves a
// connection URL and property bag to a cache key, lazily builds one
// Database (pool + shared key) per distinct key, and hands out pooled
// connections from it.
type DataSource struct {
	registry *registry
	closed   int32 // atomic CAS flag
	metrics  *metrics.Collector
}

// New returns an empty DataSource; Databases are created lazily as
// GetConnection is called with new configurations.
func New() *DataSource {
	return &DataSource{registry: newRegistry()}
}

// SetMetrics attaches a Collector that every Database created from this
// point on reports its pool, statement-cache, and key-lifecycle counters
// to. It is not safe to call concurrently with GetConnection; set it
// once, right after New, before the DataSource is used.
func (ds *DataSource) SetMetrics(coll *metrics.Collector) {
	ds.metrics = coll
}

// Handle pairs a borrowed connection with the Database it must be
// returned to.
type Handle struct {
	db   *Database
	Conn *sqliteconn.Conn
}

// Release returns the connection to its originating pool.
func (h *Handle) Release() error {
	return h.db.ReturnConnection(h.Conn)
}

// GetConnection parses rawURL and props into an effective
// configuration, resolves (creating if necessary) the Database cached
// under its normalised key, and borrows a connection from its pool.
// needsPrimary requests the pool's exclusive writer object.
func (ds *DataSource) GetConnection(ctx context.Context, rawURL string, props map[string]string, needsPrimary bool) (*Handle, error) {
	if atomic.LoadInt32(&ds.closed) != 0 {
		return nil, &selekterr.AlreadyClosedError{Resource: "datasource.DataSource"}
	}

	path, urlQuery, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	effective := MergeProperties(urlQuery, props)
	cfg, err := ConfigFromProperties(effective)
	if err != nil {
		return nil, err
	}
	cacheKey := CacheKey(path, effective)

	db := ds.registry.getOrCreate(cacheKey, func() *Database {
		var key *cryptokey.Key
		if cfg.Encrypt {
			raw, err := ParseKeySource(cfg.Key)
			if err != nil {
				slog.Warn("datasource: failed to parse key source, proceeding unencrypted", "error", err)
			} else {
				key = cryptokey.New(raw).WithMetrics(ds.metrics)
			}
		}
		return newDatabase(cacheKey, path, cfg, key, ds.metrics)
	})

	conn, err := db.GetConnection(ctx, needsPrimary)
	if err != nil {
		return nil, err
	}
	return &Handle{db: db, Conn: conn}, nil
}

// Databases returns a snapshot of every currently cached Database, for
// callers that report per-pool metrics on a timer.
func (ds *DataSource) Databases() []*Database {
	return ds.registry.snapshot()
}

// Close transitions the DataSource to closed and closes every cached
// Database. The first failure is returned as a *selekterr.CloseError
// with any remaining failures attached as Suppressed; it is idempotent.
func (ds *DataSource) Close() error {
	if !atomic.CompareAndSwapInt32(&ds.closed, 0, 1) {
		return nil
	}

	databases := ds.registry.drain()
	var first error
	var suppressed []error
	for _, db := range databases {
		if err := db.Close(); err != nil {
			if first == nil {
				first = err
			} else {
				suppressed = append(suppressed, err)
			}
		}
	}
	if first == nil {
		return nil
	}
	return &selekterr.CloseError{Cause: first, Suppressed: suppressed}
}
