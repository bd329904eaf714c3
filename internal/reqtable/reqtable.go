// Package reqtable implements the fixed-capacity in-flight request table and
// the serial-op rendezvous latch. Grounded on the teacher's
// internal/queue/pool.go (fixed-bucket state under a package lock) and the
// per-tag state tracking in internal/queue/runner.go (tagStates/tagMutexes),
// generalized from a fixed number of hardware queue tags to a fixed number
// of wire request ids.
package reqtable

import (
	"fmt"
	"sync"
	"time"
)

// MaxOutstanding is the fixed capacity of the request table (VOS_MAXREQ in
// the original source).
const MaxOutstanding = 1000

// IOPriority classes, used to keep per-class active/queued counters for
// stats visibility (spec's "priority class active counter").
type IOPriority int

const (
	PriorityNow IOPriority = iota
	PrioritySync
	PriorityAsync
	PriorityScrub
	PriorityRemoval

	numPriorities = int(PriorityRemoval) + 1
)

// Direction is the I/O direction of a PendingIO. DirTrim marks a
// discard/ioctl-equivalent request that the adapter rejects outright: it
// never occupies a table slot and never crosses the wire.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
	DirTrim
)

// PendingIO is a host I/O tracked by the request table while in flight.
type PendingIO struct {
	Dir      Direction
	Block    uint64
	Size     uint64
	Buf      []byte
	Priority IOPriority

	// StartedAt is set by the submitter immediately before Submit, so a
	// completion consumer can derive operation latency without a separate
	// side table keyed by request id.
	StartedAt time.Time

	// Done is delivered the completed PendingIO (success) or an error via
	// Err once the reader processes the matching response, or when the
	// device degrades with all in-flight slots failed.
	Done chan *PendingIO
	Err  error
}

// RequestTable is the fixed-capacity slotted table of outstanding host I/Os,
// keyed by the slot index sent on the wire as request_id.
type RequestTable struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots [MaxOutstanding]*PendingIO

	activeCount [numPriorities]int
	queuedCount [numPriorities]int
}

// New creates an empty request table.
func New() *RequestTable {
	t := &RequestTable{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Submit scans for the lowest-index free slot, installs io, and returns the
// chosen slot id (the wire request_id). If no slot is free, the caller
// parks on the table's condvar until the reader releases one.
func (t *RequestTable) Submit(io *PendingIO) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.queuedCount[io.Priority]++
	for {
		for i, s := range t.slots {
			if s == nil {
				t.slots[i] = io
				t.queuedCount[io.Priority]--
				t.activeCount[io.Priority]++
				return uint64(i)
			}
		}
		t.cond.Wait()
	}
}

// TrySubmit attempts a non-blocking submit. It returns (id, true) on
// success, or (0, false) if the table is full — a "would-park" signal the
// host scheduler can act on instead of blocking, per the design note about
// blocking inside io_start.
func (t *RequestTable) TrySubmit(io *PendingIO) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = io
			t.activeCount[io.Priority]++
			return uint64(i), true
		}
	}
	return 0, false
}

// Complete releases the slot for reqID and returns the PendingIO that
// occupied it. Panics if the slot was not in flight: that is a programmer
// error in the reader, not a recoverable runtime condition.
func (t *RequestTable) Complete(reqID uint64) *PendingIO {
	t.mu.Lock()
	defer t.mu.Unlock()

	if reqID >= MaxOutstanding {
		panic(fmt.Sprintf("reqtable: request id %d out of range", reqID))
	}
	io := t.slots[reqID]
	if io == nil {
		panic(fmt.Sprintf("reqtable: request id %d is not in flight", reqID))
	}
	t.slots[reqID] = nil
	t.activeCount[io.Priority]--
	t.cond.Signal()
	return io
}

// Outstanding returns the number of occupied slots.
func (t *RequestTable) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// ActiveCount returns the active-I/O count for a priority class.
func (t *RequestTable) ActiveCount(p IOPriority) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeCount[p]
}

// QueuedCount returns the queued (parked) count for a priority class.
func (t *RequestTable) QueuedCount(p IOPriority) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queuedCount[p]
}

// DrainAll forcibly completes every in-flight slot with err, used when the
// device degrades due to a protocol fault. Returns the drained PendingIOs.
func (t *RequestTable) DrainAll(err error) []*PendingIO {
	t.mu.Lock()
	defer t.mu.Unlock()

	var drained []*PendingIO
	for i, s := range t.slots {
		if s != nil {
			s.Err = err
			drained = append(drained, s)
			t.slots[i] = nil
			t.activeCount[s.Priority]--
		}
	}
	t.cond.Broadcast()
	return drained
}
