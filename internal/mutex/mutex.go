// Package mutex provides a cancellable mutual-exclusion gate.
//
// Unlike sync.Mutex, a Mutex here can be cancelled: once cancelled every
// blocked and future lock() call fails instead of hanging, and a bounded
// tryLock can give up after a timeout without ever acquiring. The object
// pools (internal/objectpool) and the key lifecycle (internal/cryptokey)
// both need this shape — the pool's shutdown path must be able to wake a
// goroutine parked in a borrow, and the key's zero() must not block
// forever behind a stuck use().
package mutex

import (
	"time"

	"github.com/kennethshackleton/selekt-go/internal/selekterr"
)

// Mutex is a cancellable, non-reentrant gate optimised for short critical
// sections. The zero value is not usable; construct with New.
type Mutex struct {
	gate      chan struct{} // capacity 1; a token in the channel means "free"
	cancelled chan struct{} // closed exactly once by Cancel
}

// New returns a free, uncancelled Mutex.
func New() *Mutex {
	m := &Mutex{
		gate:      make(chan struct{}, 1),
		cancelled: make(chan struct{}),
	}
	m.gate <- struct{}{}
	return m
}

// Lock blocks until the gate is acquired or the Mutex is cancelled. Once
// Cancel has been called it fails even if the gate is free.
func (m *Mutex) Lock() error {
	select {
	case <-m.cancelled:
		return &selekterr.CancelledError{Op: "mutex.Lock"}
	default:
	}
	select {
	case <-m.gate:
		return nil
	case <-m.cancelled:
		return &selekterr.CancelledError{Op: "mutex.Lock"}
	}
}

// TryLock attempts to acquire the gate within timeout. It returns
// (true, nil) on success, (false, nil) on a plain timeout, and
// (false, err) if the Mutex was cancelled while waiting and
// interruptible is true. If interruptible is false, cancellation is
// reported the same as a timeout: (false, nil).
func (m *Mutex) TryLock(timeout time.Duration, interruptible bool) (bool, error) {
	if timeout <= 0 {
		select {
		case <-m.gate:
			return true, nil
		default:
			return false, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.gate:
		return true, nil
	case <-m.cancelled:
		if interruptible {
			return false, &selekterr.CancelledError{Op: "mutex.TryLock"}
		}
		return false, nil
	case <-timer.C:
		return false, nil
	}
}

// Unlock releases the gate. The caller must be the current owner; Unlock
// does not verify this (the Mutex tracks no owner identity), matching the
// contract that callers only unlock what they locked.
func (m *Mutex) Unlock() {
	select {
	case m.gate <- struct{}{}:
	default:
		// Already free or cancelled-and-drained: unlocking an unheld
		// mutex is a caller bug, but we don't panic on a pool shutdown
		// path racing with a return.
	}
}

// Cancel transitions the Mutex to cancelled, waking every blocked Lock
// and TryLock call. It is idempotent; it returns true only for the call
// that performed the transition.
func (m *Mutex) Cancel() bool {
	select {
	case <-m.cancelled:
		return false
	default:
	}
	close(m.cancelled)
	return true
}

// IsCancelled reports whether Cancel has been called.
func (m *Mutex) IsCancelled() bool {
	select {
	case <-m.cancelled:
		return true
	default:
		return false
	}
}

// AttemptUnparkWaiters is an idempotent hint used during shutdown to
// release goroutines that might be stuck waiting on the gate. It does
// so by calling Cancel, so the Mutex is cancelled afterwards and every
// parked Lock/TryLock wakes; calling it after Cancel has no further
// effect.
func (m *Mutex) AttemptUnparkWaiters() {
	// Closing `cancelled` (via Cancel) is what actually wakes parked
	// goroutines; this method exists so call sites can express intent
	// ("try to release anyone stuck") without re-deriving whether Cancel
	// was already invoked.
	m.Cancel()
}

// WithTryLock runs body only if the gate is acquired within timeout,
// releasing it on every exit path. It returns whether body ran.
func (m *Mutex) WithTryLock(timeout time.Duration, body func()) (ran bool, err error) {
	ok, err := m.TryLock(timeout, false)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer m.Unlock()
	body()
	return true, nil
}
