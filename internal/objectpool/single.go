package objectpool

import (
	"context"
	"time"

	"github.com/kennethshackleton/selekt-go/internal/mutex"
	"github.com/kennethshackleton/selekt-go/internal/selekterr"
)

// SingleObjectPool manages exactly one lazily-created object. Borrow
// blocks while the object is already checked out; Return makes it
// available again and wakes every waiting borrower, one of which takes
// it while the others wait again. It is used standalone for call sites
// that only ever need one object (a single dedicated writer connection,
// for instance); CommonObjectPool keeps its own primary slot.
//
// The pool starts no background goroutine and never reads
// cfg.EvictionInterval: the object is evicted only when a caller
// invokes EvictIfIdle.
type SingleObjectPool[T PooledObject] struct {
	factory Factory[T]
	primary bool
	cfg     Config

	gate *mutex.Mutex // serializes every field below

	obj       T
	has       bool
	borrowed  bool
	canEvict  bool
	idleSince time.Time
	released  chan struct{} // closed and replaced on every Return/Close

	closed bool
}

// NewSingleObjectPool constructs a pool that makes its one object via
// factory.MakePrimary if primary is true, or factory.MakeObject otherwise.
func NewSingleObjectPool[T PooledObject](factory Factory[T], primary bool, cfg Config) *SingleObjectPool[T] {
	return &SingleObjectPool[T]{
		factory:  factory,
		primary:  primary,
		cfg:      cfg,
		gate:     mutex.New(),
		released: make(chan struct{}),
	}
}

func (p *SingleObjectPool[T]) ensureLocked() (T, error) {
	if p.has {
		return p.obj, nil
	}
	var (
		obj T
		err error
	)
	if p.primary {
		obj, err = p.factory.MakePrimary()
	} else {
		obj, err = p.factory.MakeObject()
	}
	if err != nil {
		var zero T
		return zero, &selekterr.FactoryError{Cause: err}
	}
	p.obj = obj
	p.has = true
	return obj, nil
}

// Borrow blocks until the object is available, ctx is done, or the pool
// is closed.
func (p *SingleObjectPool[T]) Borrow(ctx context.Context) (T, error) {
	start := time.Now()
	for {
		if err := p.gate.Lock(); err != nil {
			var zero T
			return zero, err
		}
		if p.closed {
			p.gate.Unlock()
			var zero T
			return zero, &selekterr.AlreadyClosedError{Resource: "objectpool.SingleObjectPool"}
		}
		if !p.borrowed {
			obj, err := p.ensureLocked()
			if err != nil {
				p.gate.Unlock()
				var zero T
				return zero, err
			}
			p.borrowed = true
			p.canEvict = false
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

// TryBorrow behaves like Borrow but gives up after timeout, returning
// (zero, false, nil) rather than blocking indefinitely.
func (p *SingleObjectPool[T]) TryBorrow(timeout time.Duration) (T, bool, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		if err := p.gate.Lock(); err != nil {
			var zero T
			return zero, false, err
		}
		if p.closed {
			p.gate.Unlock()
			var zero T
			return zero, false, &selekterr.AlreadyClosedError{Resource: "objectpool.SingleObjectPool"}
		}
		if !p.borrowed {
			obj, err := p.ensureLocked()
			if err != nil {
				p.gate.Unlock()
				var zero T
				return zero, false, err
			}
			p.borrowed = true
			p.canEvict = false
			p.gate.Unlock()
			p.recordAcquire(start)
			return obj, true, nil
		}
		wake := p.released
		p.gate.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.recordExhausted()
			var zero T
			return zero, false, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
			continue
		case <-timer.C:
			p.recordExhausted()
			var zero T
			return zero, false, nil
		}
	}
}

// Return makes obj available to the next borrower. Returning an object
// while the pool is closed destroys it instead of pooling it.
func (p *SingleObjectPool[T]) Return(obj T) error {
	if err := p.gate.Lock(); err != nil {
		// Only Close cancels the gate, so the pool is closed: destroy.
		p.factory.Destroy(obj)
		return nil
	}
	defer p.gate.Unlock()

	if !p.borrowed {
		return &selekterr.InvalidArgumentError{Reason: "objectpool: return of an object that was not borrowed"}
	}
	obj.ReleaseMemory()
	p.borrowed = false

	if p.closed {
		p.factory.Destroy(p.obj)
		var zero T
		p.obj = zero
		p.has = false
	} else {
		p.idleSince = time.Now()
		p.canEvict = true
	}
	p.wakeLocked()
	return nil
}

func (p *SingleObjectPool[T]) wakeLocked() {
	close(p.released)
	p.released = make(chan struct{})
}

func (p *SingleObjectPool[T]) recordAcquire(start time.Time) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.AcquireDuration(p.cfg.CacheKey, time.Since(start))
	}
}

func (p *SingleObjectPool[T]) recordEviction() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.EvictionOccurred(p.cfg.CacheKey)
	}
}

func (p *SingleObjectPool[T]) recordExhausted() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PoolExhausted(p.cfg.CacheKey)
	}
}

// EvictIfIdle destroys the object if it is idle, evictable, not primary,
// and has been idle for at least olderThan. It reports whether it
// evicted. The object becomes evictable when it is Returned and stops
// being evictable when it is borrowed. The check runs under a
// non-blocking try-lock: if the gate is currently held (e.g. a
// Borrow/Return in flight), EvictIfIdle returns false at once rather
// than stalling behind it.
func (p *SingleObjectPool[T]) EvictIfIdle(olderThan time.Duration) bool {
	var evicted bool
	p.gate.WithTryLock(0, func() {
		if p.primary || p.borrowed || !p.has || !p.canEvict {
			return
		}
		if time.Since(p.idleSince) < olderThan {
			return
		}
		p.factory.Destroy(p.obj)
		var zero T
		p.obj = zero
		p.has = false
		p.canEvict = false
		evicted = true
	})
	if evicted {
		p.recordEviction()
	}
	return evicted
}

// Close destroys the object (if idle) and prevents future Borrow calls.
// An object currently on loan is destroyed when it is next Returned.
func (p *SingleObjectPool[T]) Close() error {
	if err := p.gate.Lock(); err != nil {
		return nil
	}
	if p.closed {
		p.gate.Unlock()
		return nil
	}
	p.closed = true
	if p.has && !p.borrowed {
		p.factory.Destroy(p.obj)
		var zero T
		p.obj = zero
		p.has = false
	}
	p.wakeLocked()
	p.gate.Unlock()
	p.gate.Cancel()
	return p.factory.Close()
}

// Live reports whether the pool currently holds a constructed object,
// borrowed or idle.
func (p *SingleObjectPool[T]) Live() bool {
	if err := p.gate.Lock(); err != nil {
		return false
	}
	defer p.gate.Unlock()
	return p.has
}
