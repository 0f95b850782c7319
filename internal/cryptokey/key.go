// Package cryptokey implements the scoped lifecycle of an encryption key
// byte-string: the key bytes are copied in on construction, handed out
// only as short-lived copies via Use, and those copies are zeroed on
// every exit path — normal return, panic, or error — so key material
// never outlives the dynamic extent of one call.
package cryptokey

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"

	"github.com/kennethshackleton/selekt-go/internal/metrics"
	"github.com/kennethshackleton/selekt-go/internal/mutex"
)

// Size is the fixed length of a Key's byte buffer.
const Size = 32

// Key holds a fixed-size encryption key. The zero value is not usable;
// construct with New or Derive.
type Key struct {
	// gate protects only the race between zero() and a concurrent Use
	// copying the buffer out; the copy itself is read-only and does not
	// need to serialize against other concurrent Use calls.
	gate    *mutex.Mutex
	bytes   [Size]byte
	metrics *metrics.Collector
}

// New copies input into a new Key. If input is shorter than Size it is
// zero-padded on the right; if longer, it is truncated. Callers that
// need exact-length validation should check len(input) before calling.
func New(input []byte) *Key {
	k := &Key{gate: mutex.New()}
	copy(k.bytes[:], input)
	return k
}

// Derive produces a Key from a passphrase using PBKDF2-HMAC-SHA256, for
// callers that supply a human-entered passphrase rather than raw key
// bytes. internal/datasource's ParseKeySource does not call it: key
// material from a key source is used as given.
func Derive(passphrase, salt []byte, iterations int) *Key {
	derived := pbkdf2.Key(passphrase, salt, iterations, Size, sha256.New)
	return New(derived)
}

// WithMetrics attaches a Collector that Zero reports to, and returns k
// for chaining at construction time.
func (k *Key) WithMetrics(coll *metrics.Collector) *Key {
	k.metrics = coll
	return k
}

// Use hands a temporary copy of the key bytes to action and guarantees
// the copy is zeroed before Use returns, whether action returns
// normally, returns an error, or panics.
func (k *Key) Use(action func(buf []byte) error) error {
	if err := k.gate.Lock(); err != nil {
		return err
	}
	var buf [Size]byte
	copy(buf[:], k.bytes[:])
	k.gate.Unlock()

	defer zero(buf[:])
	return action(buf[:])
}

// Zero overwrites the stored key buffer with zero bytes. It is safe to
// call multiple times and safe to call concurrently with Use (Use copies
// out under the same gate Zero acquires).
func (k *Key) Zero() {
	if err := k.gate.Lock(); err != nil {
		// The gate itself is never cancelled for a Key (cancellation is
		// a pool concept, not a key-lifecycle one); Lock cannot fail in
		// practice, but if it ever did we'd rather zero unsynchronized
		// than leak key material.
		zero(k.bytes[:])
		k.recordZeroised()
		return
	}
	zero(k.bytes[:])
	k.gate.Unlock()
	k.recordZeroised()
}

func (k *Key) recordZeroised() {
	if k.metrics != nil {
		k.metrics.KeyZeroised()
	}
}

func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
