package datasource

import (
	"sync"
	"sync/atomic"
)

// registrySnapshot is an immutable point-in-time view of the cache-key
// to *Database map, stored in atomic.Value for lock-free reads on the
// connection-acquisition hot path.
type registrySnapshot struct {
	databases map[string]*Database
}

// registry maps cache keys to lazily-constructed Databases. Reads are
// lock-free; writes (a first GetOrCreate for a new key, or removal on
// Close) serialize on wmu and swap in a new snapshot.
type registry struct {
	snap atomic.Value // holds *registrySnapshot
	wmu  sync.Mutex
}

func newRegistry() *registry {
	r := &registry{}
	r.snap.Store(&registrySnapshot{databases: make(map[string]*Database)})
	return r
}

func (r *registry) load() *registrySnapshot {
	return r.snap.Load().(*registrySnapshot)
}

func (r *registry) get(cacheKey string) (*Database, bool) {
	db, ok := r.load().databases[cacheKey]
	return db, ok
}

// getOrCreate returns the existing Database for cacheKey, or builds one
// with make and registers it. Double-checked under wmu so concurrent
// first-time callers for the same key never build two Databases.
func (r *registry) getOrCreate(cacheKey string, build func() *Database) *Database {
	if db, ok := r.get(cacheKey); ok {
		return db
	}

	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if db, ok := cur.databases[cacheKey]; ok {
		return db
	}

	db := build()
	next := make(map[string]*Database, len(cur.databases)+1)
	for k, v := range cur.databases {
		next[k] = v
	}
	next[cacheKey] = db
	r.snap.Store(&registrySnapshot{databases: next})
	return db
}

// snapshot returns every currently registered Database without
// disturbing the registry. Used by callers reporting per-pool metrics.
func (r *registry) snapshot() []*Database {
	cur := r.load()
	out := make([]*Database, 0, len(cur.databases))
	for _, db := range cur.databases {
		out = append(out, db)
	}
	return out
}

// drain removes and returns every registered Database, clearing the
// registry. Used by DataSource.Close.
func (r *registry) drain() []*Database {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	out := make([]*Database, 0, len(cur.databases))
	for _, db := range cur.databases {
		out = append(out, db)
	}
	r.snap.Store(&registrySnapshot{databases: make(map[string]*Database)})
	return out
}
