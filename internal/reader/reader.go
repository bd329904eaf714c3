// Package reader implements the dedicated demultiplexer: a single
// long-lived loop that reads frames off the agent transport, decodes them,
// and either completes a request-table slot or trips the serial latch.
// Grounded on the teacher's Runner.ioLoop (internal/queue/runner.go) — same
// read-loop-dispatch-never-hold-lock-during-callback shape, minus the
// io_uring/thread-affinity machinery this socket-based protocol has no use
// for.
package reader

import (
	"fmt"

	"github.com/objstorevdev/core/internal/logging"
	"github.com/objstorevdev/core/internal/reqtable"
	"github.com/objstorevdev/core/internal/wire"
)

// Frame receiver is the minimal surface the reader needs from the
// transport, so tests can drive it with a fake.
type FrameReceiver interface {
	RecvExact(buf []byte) error
}

// PoolOpenSink receives the device scalars published by a "pool open done"
// response. The reader never owns the device; it calls back through this
// narrow interface, matching the non-owning-handle design note.
type PoolOpenSink interface {
	PublishPoolOpen(uberblock []byte, nextBlock uint64)
}

// Reader is the demultiplexer. It holds a non-owning reference to the
// request table and serial latch it needs; the device owns it and starts it
// at open time. Device.Close does not wait for Run to return.
type Reader struct {
	transport FrameReceiver
	codec     wire.Codec
	table     *reqtable.RequestTable
	latch     *reqtable.SerialLatch
	sink      PoolOpenSink

	uberblockSize int

	// completions is the queued hand-off to the host completion
	// pipeline, decoupling reader latency from completion latency.
	completions chan<- *reqtable.PendingIO

	// onFault is invoked exactly once, from the reader goroutine, when a
	// hard fault is observed (decode error, short read, invariant
	// violation). It degrades the owning device and returns the error the
	// device's error taxonomy wants delivered to every drained I/O and the
	// serial latch; the reader falls back to the raw fault error if
	// onFault is nil or returns nil.
	onFault func(error) error

	logger *logging.Logger
	done   chan struct{}
}

// New constructs a Reader. uberblockSize is the exact byte length a "pool
// open done" uberblock field must have to be accepted.
func New(
	t FrameReceiver,
	codec wire.Codec,
	table *reqtable.RequestTable,
	latch *reqtable.SerialLatch,
	sink PoolOpenSink,
	uberblockSize int,
	completions chan<- *reqtable.PendingIO,
	onFault func(error) error,
) *Reader {
	return &Reader{
		transport:     t,
		codec:         codec,
		table:         table,
		latch:         latch,
		sink:          sink,
		uberblockSize: uberblockSize,
		completions:   completions,
		onFault:       onFault,
		logger:        logging.Default(),
		done:          make(chan struct{}),
	}
}

// Run is the reader loop. It returns (only) when a hard fault is hit; the
// device starts it in its own goroutine at open time.
func (r *Reader) Run() {
	defer close(r.done)
	for {
		kv, err := r.readFrame()
		if err != nil {
			r.fault(err)
			return
		}
		if err := r.dispatch(kv); err != nil {
			r.fault(err)
			return
		}
	}
}

// Done is closed when Run returns.
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

func (r *Reader) readFrame() (wire.KV, error) {
	sizeBuf := make([]byte, wire.FrameSizeLen)
	if err := r.transport.RecvExact(sizeBuf); err != nil {
		return nil, fmt.Errorf("reader: recv size prefix: %w", err)
	}
	size := wire.DecodeSize(sizeBuf)

	payload := make([]byte, size)
	if err := r.transport.RecvExact(payload); err != nil {
		return nil, fmt.Errorf("reader: recv payload: %w", err)
	}

	kv, err := r.codec.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("reader: decode: %w", err)
	}
	return kv, nil
}

func (r *Reader) dispatch(kv wire.KV) error {
	switch kv.Type() {
	case wire.TypePoolCreateDone:
		r.latch.Trip()
		return nil

	case wire.TypeEndTXGDone:
		r.latch.Trip()
		return nil

	case wire.TypePoolOpenDone:
		return r.handlePoolOpenDone(kv)

	case wire.TypeReadDone:
		return r.handleReadDone(kv)

	case wire.TypeWriteDone:
		return r.handleWriteDone(kv)

	default:
		r.logger.Warnf("reader: unknown response type %q, ignoring", kv.Type())
		return nil
	}
}

func (r *Reader) handlePoolOpenDone(kv wire.KV) error {
	ub, ok := kv.GetBytes(wire.FieldUberblock)
	if ok && len(ub) == r.uberblockSize {
		nextBlock, _ := kv.GetUint64(wire.FieldNextBlock)
		r.sink.PublishPoolOpen(ub, nextBlock)
	}
	r.latch.Trip()
	return nil
}

func (r *Reader) handleReadDone(kv wire.KV) error {
	reqID, ok := kv.GetUint64(wire.FieldRequestID)
	if !ok {
		return fmt.Errorf("reader: read done missing request_id")
	}
	io := r.table.Complete(reqID)

	block, _ := kv.GetUint64(wire.FieldBlock)
	if block != io.Block {
		return fmt.Errorf("reader: read done block mismatch: got %d want %d", block, io.Block)
	}
	data, ok := kv.GetBytes(wire.FieldData)
	if !ok || uint64(len(data)) != io.Size {
		return fmt.Errorf("reader: read done data length mismatch: got %d want %d", len(data), io.Size)
	}
	copy(io.Buf, data)

	r.complete(io)
	return nil
}

func (r *Reader) handleWriteDone(kv wire.KV) error {
	reqID, ok := kv.GetUint64(wire.FieldRequestID)
	if !ok {
		return fmt.Errorf("reader: write done missing request_id")
	}
	io := r.table.Complete(reqID)

	block, _ := kv.GetUint64(wire.FieldBlock)
	if block != io.Block {
		return fmt.Errorf("reader: write done block mismatch: got %d want %d", block, io.Block)
	}

	r.complete(io)
	return nil
}

// complete hands the io to the host completion pipeline without holding any
// lock, per the reader's never-hold-a-lock-during-callback rule.
func (r *Reader) complete(io *reqtable.PendingIO) {
	if io.Done != nil {
		io.Done <- io
	}
	if r.completions != nil {
		r.completions <- io
	}
}

// fault handles a hard fault: notifies the owning device so it can degrade
// and translate the raw cause into its error taxonomy, then drains
// in-flight I/Os and trips the serial latch with that translated error
// instead of parking forever.
func (r *Reader) fault(err error) {
	r.logger.Errorf("reader: hard fault: %v", err)

	delivered := err
	if r.onFault != nil {
		if wrapped := r.onFault(err); wrapped != nil {
			delivered = wrapped
		}
	}

	drained := r.table.DrainAll(delivered)
	for _, io := range drained {
		if io.Done != nil {
			io.Done <- io
		}
	}
	r.latch.TripWithError(delivered)
}
