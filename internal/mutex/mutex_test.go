package mutex

import (
	"sync"
	"testing"
	"time"
)

func TestLockUnlockRoundTrip(t *testing.T) {
	m := New()
	if err := m.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	m.Unlock()
	if err := m.Lock(); err != nil {
		t.Fatalf("second Lock: %v", err)
	}
	m.Unlock()
}

func TestTryLockTimesOut(t *testing.T) {
	m := New()
	if err := m.Lock(); err != nil {
		t.Fatal(err)
	}
	defer m.Unlock()

	ok, err := m.TryLock(20*time.Millisecond, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected TryLock to time out while held")
	}
}

func TestTryLockZeroTimeoutIsNonBlocking(t *testing.T) {
	m := New()
	if err := m.Lock(); err != nil {
		t.Fatal(err)
	}
	ok, err := m.TryLock(0, false)
	if err != nil || ok {
		t.Fatalf("expected immediate false/nil, got %v %v", ok, err)
	}
	m.Unlock()

	ok, err = m.TryLock(0, false)
	if err != nil || !ok {
		t.Fatalf("expected immediate true/nil on a free gate, got %v %v", ok, err)
	}
}

func TestCancelWakesBlockedLock(t *testing.T) {
	m := New()
	if err := m.Lock(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Lock()
	}()

	time.Sleep(10 * time.Millisecond)
	if !m.Cancel() {
		t.Fatal("expected the first Cancel to win")
	}
	if m.Cancel() {
		t.Fatal("Cancel must be terminal: second call should return false")
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("Lock did not wake up after Cancel")
	}
}

func TestTryLockInterruptibleSurfacesCancellation(t *testing.T) {
	m := New()
	if err := m.Lock(); err != nil {
		t.Fatal(err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := m.TryLock(time.Second, true)
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	m.Cancel()

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("expected interruptible TryLock to surface cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("TryLock did not observe cancellation")
	}
}

func TestTryLockNonInterruptibleTreatsCancelAsTimeout(t *testing.T) {
	m := New()
	if err := m.Lock(); err != nil {
		t.Fatal(err)
	}

	result := make(chan bool, 1)
	errc := make(chan error, 1)
	go func() {
		ok, err := m.TryLock(time.Second, false)
		result <- ok
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	m.Cancel()

	if ok := <-result; ok {
		t.Fatal("expected false after cancellation")
	}
	if err := <-errc; err != nil {
		t.Fatalf("non-interruptible TryLock must not surface an error, got %v", err)
	}
}

func TestWithTryLockRunsBodyOnlyWhenAcquired(t *testing.T) {
	m := New()
	var ran bool
	ok, err := m.WithTryLock(50*time.Millisecond, func() { ran = true })
	if err != nil || !ok || !ran {
		t.Fatalf("expected body to run, got ok=%v err=%v ran=%v", ok, err, ran)
	}

	if err := m.Lock(); err != nil {
		t.Fatal(err)
	}
	ran = false
	ok, err = m.WithTryLock(10*time.Millisecond, func() { ran = true })
	m.Unlock()
	if err != nil || ok || ran {
		t.Fatalf("expected body to be skipped while held, got ok=%v err=%v ran=%v", ok, err, ran)
	}
}

func TestConcurrentLockUnlockIsMutuallyExclusive(t *testing.T) {
	m := New()
	var counter int
	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if err := m.Lock(); err != nil {
				t.Error(err)
				return
			}
			counter++
			m.Unlock()
		}()
	}
	wg.Wait()
	if counter != n {
		t.Fatalf("expected counter == %d, got %d", n, counter)
	}
}
