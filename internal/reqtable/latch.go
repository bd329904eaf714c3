package reqtable

import "sync"

// SerialLatch is the single-shot rendezvous used for operations whose
// completion is identified by response Type alone (pool create, pool open,
// end-TXG), not by request id. Co-located with RequestTable but holding its
// own mutex+cond, per the split-lock design note: slot allocation may
// proceed while a slow send is in progress.
type SerialLatch struct {
	mu   sync.Mutex
	cond *sync.Cond
	set  bool

	// err carries a protocol-fault error when Trip is replaced by a
	// degraded-state wakeup instead of a normal response.
	err error
}

// NewSerialLatch creates an unset latch.
func NewSerialLatch() *SerialLatch {
	l := &SerialLatch{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// ArmAndWait blocks until the latch is tripped, then clears it
// (edge-triggered, single waiter) and returns any fault error recorded by
// TripWithError.
func (l *SerialLatch) ArmAndWait() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for !l.set {
		l.cond.Wait()
	}
	l.set = false
	err := l.err
	l.err = nil
	return err
}

// Trip sets the latch and wakes the waiter. Panics if already set: only one
// serial operation may be in flight globally, enforced by the adapter
// calling send-then-wait synchronously.
func (l *SerialLatch) Trip() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		panic("reqtable: serial latch tripped twice without a wait in between")
	}
	l.set = true
	l.cond.Broadcast()
}

// TripWithError trips the latch carrying a fault error, used when the
// device degrades while a serial operation is outstanding.
func (l *SerialLatch) TripWithError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
	l.set = true
	l.cond.Broadcast()
}
