// Package objectpool implements the generic pooled-object core: a
// capability contract for producing and destroying pooled objects
// (ObjectFactory), a single-slot pool (SingleObjectPool), and an
// N-slot pool distinguishing a primary (writer) object from secondary
// (reader) objects (CommonObjectPool).
package objectpool

import (
	"time"

	"github.com/kennethshackleton/selekt-go/internal/metrics"
)

// PooledObject is the capability every object produced by a Factory
// must expose to its pool: a stable opaque tag for logging/metrics, a
// primary/secondary distinction, and an idempotent memory-release hint.
type PooledObject interface {
	// Tag returns an opaque, stable identifier for this object.
	Tag() string
	// IsPrimary reports whether this object is the pool's exclusive
	// writer object. At most one live object in a pool may answer true.
	IsPrimary() bool
	// ReleaseMemory is an idempotent hint that the object may drop any
	// caches it can cheaply rebuild (e.g. a statement cache flush).
	ReleaseMemory()
}

// Factory produces and destroys pooled objects. MakePrimary and
// MakeObject may fail; Destroy must not fail under normal operation
// (implementations should log and suppress any error); Close is
// idempotent and releases factory-wide resources (e.g. a shared
// encryption key).
type Factory[T PooledObject] interface {
	MakePrimary() (T, error)
	MakeObject() (T, error)
	Destroy(obj T)
	Close() error
}

// Config is the immutable sizing and eviction policy for a pool.
type Config struct {
	// MaxSize is the maximum number of simultaneously live objects, N.
	MaxSize int
	// PrimaryBudget is the maximum number of primary objects the pool's
	// configuration contemplates, P, 1<=P<=MaxSize. CommonObjectPool
	// additionally enforces the stronger global invariant that at most
	// one primary object is ever live regardless of PrimaryBudget,
	// matching SQLite's single-writer WAL discipline.
	PrimaryBudget int
	// EvictionDelay is how long an object must have been idle before it
	// becomes eligible for eviction.
	EvictionDelay time.Duration
	// EvictionInterval is how often the background reaper scans for
	// evictable idle objects. A negative value disables eviction.
	EvictionInterval time.Duration
	// Metrics, if non-nil, receives acquire/eviction/exhaustion counters
	// labelled with CacheKey. Both are optional; a nil Metrics makes the
	// pool a no-op reporter.
	Metrics  *metrics.Collector
	CacheKey string
}
