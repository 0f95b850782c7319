package objectpool

import (
	"context"
	"time"

	"github.com/kennethshackleton/selekt-go/internal/mutex"
	"github.com/kennethshackleton/selekt-go/internal/selekterr"
)

// CommonObjectPool manages up to cfg.MaxSize live objects, with at most
// one of them ever being the primary (the exclusive writer). Secondary
// objects are kept on a LIFO idle stack so the most recently returned
// object is the next one handed out. A background reaper evicts
// secondaries idle past cfg.EvictionDelay; the primary is only ever
// destroyed by Close.
type CommonObjectPool[T PooledObject] struct {
	factory Factory[T]
	cfg     Config

	gate *mutex.Mutex // serializes every field below

	primary         T
	hasPrimary      bool
	primaryBorrowed bool
	primaryIdleAt   time.Time

	idle      []T // LIFO: idle[len(idle)-1] is handed out next
	idleSince map[int]time.Time
	active    map[int]T

	nextHandle int
	handleOf   map[int]T // handle -> object for every idle and active secondary; handleFor searches it

	total    int // primary (0 or 1) + len(idle) + len(active)
	released chan struct{}
	closed   bool

	stop chan struct{}
	done chan struct{}
}

// NewCommonObjectPool constructs a pool and, if cfg.EvictionInterval is
// positive, starts its background reaper goroutine.
func NewCommonObjectPool[T PooledObject](factory Factory[T], cfg Config) *CommonObjectPool[T] {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	p := &CommonObjectPool[T]{
		factory:   factory,
		cfg:       cfg,
		gate:      mutex.New(),
		idleSince: make(map[int]time.Time),
		active:    make(map[int]T),
		handleOf:  make(map[int]T),
		released:  make(chan struct{}),
	}
	if cfg.EvictionInterval > 0 {
		p.stop = make(chan struct{})
		p.done = make(chan struct{})
		go p.reapLoop()
	}
	return p
}

func (p *CommonObjectPool[T]) wakeLocked() {
	close(p.released)
	p.released = make(chan struct{})
}

func (p *CommonObjectPool[T]) recordAcquire(start time.Time) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.AcquireDuration(p.cfg.CacheKey, time.Since(start))
	}
}

func (p *CommonObjectPool[T]) recordEviction() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.EvictionOccurred(p.cfg.CacheKey)
	}
}

func (p *CommonObjectPool[T]) recordExhausted() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PoolExhausted(p.cfg.CacheKey)
	}
}

func (p *CommonObjectPool[T]) recordPrimaryViolation() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PrimaryUniquenessViolation(p.cfg.CacheKey)
	}
}

// BorrowPrimary returns the pool's single primary object, creating it on
// first use (room permitting), and blocks while it is already checked
// out by someone else.
func (p *CommonObjectPool[T]) BorrowPrimary(ctx context.Context) (T, error) {
	start := time.Now()
	for {
		if err := p.gate.Lock(); err != nil {
			var zero T
			return zero, err
		}
		if p.closed {
			p.gate.Unlock()
			var zero T
			return zero, &selekterr.AlreadyClosedError{Resource: "objectpool.CommonObjectPool"}
		}

		if p.hasPrimary && !p.primaryBorrowed {
			p.primaryBorrowed = true
			obj := p.primary
			p.gate.Unlock()
			p.recordAcquire(start)
			return obj, nil
		}
		if !p.hasPrimary {
			if p.total >= p.cfg.MaxSize && !p.evictOneIdleLocked() {
				wake := p.released
				p.gate.Unlock()
				select {
				case <-wake:
					continue
				case <-ctx.Done():
					var zero T
					return zero, ctx.Err()
				}
			}
			obj, err := p.factory.MakePrimary()
			if err != nil {
				p.gate.Unlock()
				var zero T
				return zero, &selekterr.FactoryError{Cause: err}
			}
			p.primary = obj
			p.hasPrimary = true
			p.primaryBorrowed = true
			p.total++
			p.gate.Unlock()
			p.recordAcquire(start)
			return obj, nil
		}

		// Primary exists but is on loan: wait for it to come back.
		wake := p.released
		p.gate.Unlock()
		select {
		case <-wake:
			continue
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Borrow returns a secondary object: the most recently returned idle
// one if any, otherwise a new one if the pool has room, and otherwise
// it blocks for one to be returned. It never evicts an idle object.
func (p *CommonObjectPool[T]) Borrow(ctx context.Context) (T, error) {
	start := time.Now()
	for {
		if err := p.gate.Lock(); err != nil {
			var zero T
			return zero, err
		}
		if p.closed {
			p.gate.Unlock()
			var zero T
			return zero, &selekterr.AlreadyClosedError{Resource: "objectpool.CommonObjectPool"}
		}

		if n := len(p.idle); n > 0 {
			obj := p.idle[n-1]
			p.idle = p.idle[:n-1]
			handle := p.handleFor(obj)
			delete(p.idleSince, handle)
			p.active[handle] = obj
			p.gate.Unlock()
			p.recordAcquire(start)
			return obj, nil
		}

		if p.total < p.cfg.MaxSize {
			obj, err := p.factory.MakeObject()
			if err != nil {
				p.gate.Unlock()
				var zero T
				return zero, &selekterr.FactoryError{Cause: err}
			}
			if obj.IsPrimary() {
				p.recordPrimaryViolation()
			}
			p.total++
			handle := p.allocHandleLocked(obj)
			p.active[handle] = obj
			p.gate.Unlock()
			p.recordAcquire(start)
			return obj, nil
		}

		wake := p.released
		p.gate.Unlock()
		select {
		case <-wake:
			continue
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryBorrow is the non-blocking variant of Borrow: it returns
// CapacityExhaustedError immediately instead of waiting when the pool
// is full and nothing is idle.
func (p *CommonObjectPool[T]) TryBorrow() (T, error) {
	start := time.Now()
	if err := p.gate.Lock(); err != nil {
		var zero T
		return zero, err
	}
	defer p.gate.Unlock()

	if p.closed {
		var zero T
		return zero, &selekterr.AlreadyClosedError{Resource: "objectpool.CommonObjectPool"}
	}
	if n := len(p.idle); n > 0 {
		obj := p.idle[n-1]
		p.idle = p.idle[:n-1]
		handle := p.handleFor(obj)
		delete(p.idleSince, handle)
		p.active[handle] = obj
		p.recordAcquire(start)
		return obj, nil
	}
	if p.total < p.cfg.MaxSize {
		obj, err := p.factory.MakeObject()
		if err != nil {
			var zero T
			return zero, &selekterr.FactoryError{Cause: err}
		}
		if obj.IsPrimary() {
			p.recordPrimaryViolation()
		}
		p.total++
		handle := p.allocHandleLocked(obj)
		p.active[handle] = obj
		p.recordAcquire(start)
		return obj, nil
	}
	p.recordExhausted()
	var zero T
	return zero, &selekterr.CapacityExhaustedError{Op: "objectpool.CommonObjectPool.TryBorrow"}
}

// handleFor looks up the integer handle an active/idle object was
// allocated under. T need not be comparable (unlike a map key), so
// handles are found by a linear scan over handleOf (every idle and
// active secondary); pool sizes are bounded by cfg.MaxSize, which is
// small in practice.
func (p *CommonObjectPool[T]) handleFor(obj T) int {
	for h, o := range p.handleOf {
		if o.Tag() == obj.Tag() {
			return h
		}
	}
	return -1
}

func (p *CommonObjectPool[T]) allocHandleLocked(obj T) int {
	h := p.nextHandle
	p.nextHandle++
	p.handleOf[h] = obj
	return h
}

// Return hands obj back to the pool. Returning the primary makes it
// available to the next BorrowPrimary caller; returning a secondary
// pushes it onto the idle LIFO stack (or destroys it immediately if the
// pool has since been closed).
func (p *CommonObjectPool[T]) Return(obj T) error {
	if err := p.gate.Lock(); err != nil {
		// Only Close cancels the gate, so the pool is closed: destroy.
		p.factory.Destroy(obj)
		return nil
	}
	defer p.gate.Unlock()

	if obj.IsPrimary() {
		if !p.hasPrimary || !p.primaryBorrowed {
			return &selekterr.InvalidArgumentError{Reason: "objectpool: return of a primary that was not borrowed"}
		}
		obj.ReleaseMemory()
		p.primaryBorrowed = false
		p.primaryIdleAt = time.Now()
		if p.closed {
			p.factory.Destroy(p.primary)
			p.hasPrimary = false
			p.total--
		}
		p.wakeLocked()
		return nil
	}

	handle := p.handleFor(obj)
	if handle < 0 {
		return &selekterr.InvalidArgumentError{Reason: "objectpool: return of an object not owned by this pool"}
	}
	if _, ok := p.active[handle]; !ok {
		return &selekterr.InvalidArgumentError{Reason: "objectpool: double return of a secondary object"}
	}
	delete(p.active, handle)
	obj.ReleaseMemory()

	if p.closed {
		p.factory.Destroy(obj)
		delete(p.handleOf, handle)
		p.total--
	} else {
		p.idle = append(p.idle, obj)
		p.idleSince[handle] = time.Now()
	}
	p.wakeLocked()
	return nil
}

// evictOneIdleLocked destroys the least-recently-returned idle secondary
// to make room, e.g. for a primary creation when the pool is full. The
// caller must hold the gate. It reports whether an eviction happened.
func (p *CommonObjectPool[T]) evictOneIdleLocked() bool {
	if len(p.idle) == 0 {
		return false
	}
	obj := p.idle[0]
	p.idle = p.idle[1:]
	handle := p.handleFor(obj)
	delete(p.idleSince, handle)
	delete(p.handleOf, handle)
	p.factory.Destroy(obj)
	p.total--
	p.recordEviction()
	return true
}

func (p *CommonObjectPool[T]) reapLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stop:
			return
		}
	}
}

// reapIdle sweeps the idle stack for objects past cfg.EvictionDelay.
// It runs under a non-blocking try-lock: if the gate is currently held
// (e.g. a slow factory.MakeObject/MakePrimary call in progress inside
// Borrow/BorrowPrimary), this tick is skipped entirely rather than
// blocking the reaper goroutine until the borrow completes.
func (p *CommonObjectPool[T]) reapIdle() {
	p.gate.WithTryLock(0, func() {
		if p.closed {
			return
		}
		kept := p.idle[:0]
		for _, obj := range p.idle {
			handle := p.handleFor(obj)
			since, ok := p.idleSince[handle]
			if ok && time.Since(since) >= p.cfg.EvictionDelay {
				delete(p.idleSince, handle)
				delete(p.handleOf, handle)
				p.factory.Destroy(obj)
				p.total--
				p.recordEviction()
				continue
			}
			kept = append(kept, obj)
		}
		p.idle = kept
	})
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Total      int
	Idle       int
	Active     int
	HasPrimary bool
}

// Stats returns a snapshot of current pool occupancy.
func (p *CommonObjectPool[T]) Stats() Stats {
	if err := p.gate.Lock(); err != nil {
		return Stats{}
	}
	defer p.gate.Unlock()
	return Stats{
		Total:      p.total,
		Idle:       len(p.idle),
		Active:     len(p.active),
		HasPrimary: p.hasPrimary,
	}
}

// Close destroys every idle object and the primary (if idle), stops the
// reaper, and causes every future Borrow/BorrowPrimary call to fail.
// Objects currently on loan are destroyed as they are Returned.
func (p *CommonObjectPool[T]) Close() error {
	if err := p.gate.Lock(); err != nil {
		return nil
	}
	if p.closed {
		p.gate.Unlock()
		return nil
	}
	p.closed = true

	for _, obj := range p.idle {
		handle := p.handleFor(obj)
		delete(p.handleOf, handle)
		p.factory.Destroy(obj)
		p.total--
	}
	p.idle = nil
	p.idleSince = make(map[int]time.Time)

	if p.hasPrimary && !p.primaryBorrowed {
		p.factory.Destroy(p.primary)
		p.hasPrimary = false
		p.total--
	}
	p.wakeLocked()
	p.gate.Unlock()
	p.gate.Cancel()

	if p.stop != nil {
		close(p.stop)
		<-p.done
	}
	return p.factory.Close()
}
