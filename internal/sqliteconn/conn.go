// Package sqliteconn implements the pooled connection (C8): a native
// SQLite handle plus the per-connection prepared-statement cache that
// makes repeated execution of the same SQL text cheap. It is the
// pooled object CommonObjectPool and SingleObjectPool hand out.
package sqliteconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kennethshackleton/selekt-go/internal/fastmap"
	"github.com/kennethshackleton/selekt-go/internal/metrics"
	"github.com/kennethshackleton/selekt-go/internal/nativesql"
	"github.com/kennethshackleton/selekt-go/internal/selekterr"
	"github.com/kennethshackleton/selekt-go/internal/sqlparam"
)

// State is a pooled connection's idle/active/closed tri-state.
type State int

const (
	StateIdle State = iota
	StateActive
	StateClosed
)

var nextTag int64

// cachedStmt pairs a prepared native statement with the parameter map
// its SQL text was parsed into, so named parameters bind to the right
// position without re-scanning the SQL on every execution.
type cachedStmt struct {
	stmt   *nativesql.Stmt
	params sqlparam.Parameters
}

// Conn is one pooled native SQLite connection: a native handle, its
// statement cache, and pool-lifecycle bookkeeping.
type Conn struct {
	mu sync.Mutex

	native   *nativesql.Conn
	primary  bool
	readOnly bool
	tag      string

	state     State
	createdAt time.Time
	lastUsed  time.Time

	stmts       *fastmap.FastLinkedStringMap[*cachedStmt]
	openCursors int32

	metrics  *metrics.Collector
	cacheKey string
}

// Config sizes a Conn's statement cache. Metrics and CacheKey are
// optional; a nil Metrics makes the connection a no-op reporter.
type Config struct {
	StatementCacheSize int
	Metrics            *metrics.Collector
	CacheKey           string
}

// New wraps native as a pooled Conn. primary marks this as the pool's
// exclusive writer connection; readOnly is advisory metadata consulted
// by callers deciding whether to route a query here.
func New(native *nativesql.Conn, primary, readOnly bool, cfg Config) *Conn {
	cacheSize := cfg.StatementCacheSize
	if cacheSize < 1 {
		cacheSize = 32
	}
	c := &Conn{
		native:    native,
		primary:   primary,
		readOnly:  readOnly,
		tag:       fmt.Sprintf("sqliteconn-%d", atomic.AddInt64(&nextTag, 1)),
		state:     StateIdle,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		metrics:   cfg.Metrics,
		cacheKey:  cfg.CacheKey,
	}
	c.stmts = fastmap.NewFastLinkedStringMap[*cachedStmt](cacheSize, func(_ string, cs *cachedStmt) {
		cs.stmt.Finalize()
	})
	return c
}

// Tag satisfies objectpool.PooledObject.
func (c *Conn) Tag() string { return c.tag }

// IsPrimary satisfies objectpool.PooledObject.
func (c *Conn) IsPrimary() bool { return c.primary }

// ReleaseMemory satisfies objectpool.PooledObject. The statement cache
// deliberately survives a return to the pool (a cached plan is exactly
// what makes the next borrow's executeOrPrepare cheap); there is
// nothing else this connection holds that is worth dropping eagerly.
func (c *Conn) ReleaseMemory() {}

// ReadOnly reports whether this connection was opened read-only.
func (c *Conn) ReadOnly() bool { return c.readOnly }

// MarkActive marks the connection in-use.
func (c *Conn) MarkActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateActive
	c.lastUsed = time.Now()
}

// MarkIdle marks the connection returned-to-pool.
func (c *Conn) MarkIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.lastUsed = time.Now()
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) CreatedAt() time.Time { return c.createdAt }

func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// IsExpired reports whether the connection has exceeded maxLifetime
// since creation; maxLifetime <= 0 disables expiry.
func (c *Conn) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(c.createdAt) > maxLifetime
}

// IsIdle reports whether the connection has been idle longer than
// idleTimeout; idleTimeout <= 0 disables idle detection.
func (c *Conn) IsIdle(idleTimeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return c.state == StateIdle && time.Since(c.lastUsed) > idleTimeout
}

// OpenCursors is the number of statements currently mid-iteration, as
// counted by BeginCursor calls not yet matched by ResetCursor; Step does
// not change it.
func (c *Conn) OpenCursors() int32 { return atomic.LoadInt32(&c.openCursors) }

// ExecuteOrPrepare looks up sqlText in the statement cache; on a miss it
// parses sqlText's parameter positions (C3), prepares it natively, and
// inserts it, evicting the least-recently-inserted entry on overflow.
// named supplies values for named parameters (":x", "@y", "$z"), and
// positional supplies values for anonymous "?" placeholders in order;
// a SQL string using only one style may leave the other nil/empty.
func (c *Conn) ExecuteOrPrepare(ctx context.Context, sqlText string, named map[string]any, positional []any) (*nativesql.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil, &selekterr.AlreadyClosedError{Resource: "sqliteconn.Conn"}
	}

	entry, ok := c.stmts.Get(sqlText)
	if !ok {
		if c.metrics != nil {
			c.metrics.StatementCacheMiss(c.cacheKey)
			c.metrics.ParameterParserCalled()
		}
		parsed := sqlparam.Parse(sqlText)
		stmt, err := c.native.PrepareV2(ctx, sqlText)
		if err != nil {
			return nil, err
		}
		entry = &cachedStmt{stmt: stmt, params: parsed}
		c.stmts.Put(sqlText, entry)
	} else {
		if c.metrics != nil {
			c.metrics.StatementCacheHit(c.cacheKey)
		}
		entry.stmt.ClearBindings()
		if err := entry.stmt.Reset(); err != nil {
			return nil, err
		}
	}

	if err := c.bind(entry, named, positional); err != nil {
		return nil, err
	}
	return entry.stmt, nil
}

func (c *Conn) bind(entry *cachedStmt, named map[string]any, positional []any) error {
	for name, pos := range entry.params.Names {
		value, ok := named[name]
		if !ok {
			continue
		}
		if err := bindValue(entry.stmt, pos, value); err != nil {
			return err
		}
	}
	for i, value := range positional {
		if err := bindValue(entry.stmt, i+1, value); err != nil {
			return err
		}
	}
	return nil
}

func bindValue(stmt *nativesql.Stmt, pos int, value any) error {
	switch v := value.(type) {
	case nil:
		return stmt.BindNull(pos)
	case int64:
		return stmt.BindInt64(pos, v)
	case int:
		return stmt.BindInt64(pos, int64(v))
	case float64:
		return stmt.BindDouble(pos, v)
	case string:
		return stmt.BindText(pos, v)
	case []byte:
		return stmt.BindBlob(pos, v)
	case bool:
		if v {
			return stmt.BindInt64(pos, 1)
		}
		return stmt.BindInt64(pos, 0)
	default:
		return &selekterr.InvalidArgumentError{Reason: fmt.Sprintf("sqliteconn: unsupported bind value type %T at position %d", value, pos)}
	}
}

// Step advances stmt one row. Callers bracket a fresh statement
// execution with BeginCursor/ResetCursor so the connection can report
// how many statements are mid-iteration at any moment.
func (c *Conn) Step(ctx context.Context, stmt *nativesql.Stmt) (bool, error) {
	return stmt.Step(ctx)
}

// ResetCursor marks a statement's iteration complete and decrements the
// open-cursor count; callers must call this once they stop consuming
// rows, whether or not Step has reported !hasRow, since a finished Step
// loop does not decrement the count by itself.
func (c *Conn) ResetCursor() {
	atomic.AddInt32(&c.openCursors, -1)
}

// BeginCursor increments the open-cursor count; call it right before
// the first Step of a fresh statement execution.
func (c *Conn) BeginCursor() {
	atomic.AddInt32(&c.openCursors, 1)
}

// Close finalizes every cached statement and closes the native handle.
// It is idempotent. It is vetoed with a ResourceBusyError while any
// statement is mid-iteration (BeginCursor called without a matching
// ResetCursor): finalizing out from under a live cursor would leave the
// caller stepping a freed native statement.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	if atomic.LoadInt32(&c.openCursors) > 0 {
		return &selekterr.ResourceBusyError{
			Resource: "sqliteconn.Conn",
			Reason:   "statement cursors still open",
		}
	}
	c.state = StateClosed

	for c.stmts.Len() > 0 {
		// FastLinkedStringMap has no iteration API by design (see
		// internal/fastmap); draining via repeated eviction is the
		// documented way to walk every entry when we need to visit
		// all of them, here to finalize each cached statement exactly
		// once before the native connection itself closes.
		c.stmts.EvictFront()
	}
	return c.native.CloseV2()
}
