package vdev

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/objstorevdev/core/internal/reqtable"
	"github.com/objstorevdev/core/internal/transport"
	"github.com/objstorevdev/core/internal/wire"
)

// FakeAgent is an in-process stand-in for the agent process, speaking the
// same wire protocol over a unix.Socketpair instead of a real
// /run/zfs_socket connection. It lets device-lifecycle tests exercise the
// reader/transport/table logic without spawning a real agent, the same role
// the teacher's MockBackend plays for ublk's pluggable Backend interface —
// here there is no pluggable local backend, so the fake stands in for the
// wire peer instead.
type FakeAgent struct {
	mu sync.Mutex

	t     *transport.Transport // the agent's end of the socketpair
	codec wire.Codec

	// recorded observes every frame the device under test sends, in order.
	recorded []wire.KV

	// NextBlock and Uberblock are sent back on the next "open pool"
	// request.
	NextBlock uint64
	Uberblock []byte

	// stallReads, when true, makes RecvFrame block until UnstallReads, so
	// the agent accepts writes but never reads them back off the wire.
	stallReads bool
	stallCh    chan struct{}
}

// NewFakeAgentPair creates a connected (deviceTransport, agent) pair backed
// by a unix.Socketpair. deviceTransport is handed to a Device via
// Options.Dialer; agent is driven by the test.
func NewFakeAgentPair() (*transport.Transport, *FakeAgent) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		panic(err)
	}

	deviceSide := transport.NewFromFD(fds[0])
	agentSide := transport.NewFromFD(fds[1])

	return deviceSide, &FakeAgent{
		t:         agentSide,
		codec:     wire.DefaultCodec{},
		Uberblock: make([]byte, UberblockSize),
		stallCh:   make(chan struct{}),
	}
}

// StallReads makes RecvFrame block until UnstallReads is called, simulating
// an agent that never drains the socket.
func (f *FakeAgent) StallReads() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stallReads = true
}

// UnstallReads releases a pending StallReads.
func (f *FakeAgent) UnstallReads() {
	f.mu.Lock()
	stalled := f.stallReads
	f.stallReads = false
	f.mu.Unlock()
	if stalled {
		close(f.stallCh)
		f.stallCh = make(chan struct{})
	}
}

// RecvFrame reads one frame from the device under test and returns its
// decoded kv-map.
func (f *FakeAgent) RecvFrame() (wire.KV, error) {
	f.mu.Lock()
	if f.stallReads {
		ch := f.stallCh
		f.mu.Unlock()
		<-ch
	} else {
		f.mu.Unlock()
	}

	sizeBuf := make([]byte, wire.FrameSizeLen)
	if err := f.t.RecvExact(sizeBuf); err != nil {
		return nil, err
	}
	size := wire.DecodeSize(sizeBuf)

	payload := make([]byte, size)
	if err := f.t.RecvExact(payload); err != nil {
		return nil, err
	}

	kv, err := f.codec.Decode(payload)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.recorded = append(f.recorded, kv)
	f.mu.Unlock()

	return kv, nil
}

// SendFrame encodes and sends kv back to the device under test.
func (f *FakeAgent) SendFrame(kv wire.KV) error {
	payload, err := f.codec.Encode(kv)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, wire.FrameSizeLen+len(payload))
	frame = append(frame, wire.EncodeSize(uint64(len(payload)))...)
	frame = append(frame, payload...)
	return f.t.SendFrame(frame)
}

// RecordedFrames returns every frame received so far, in order.
func (f *FakeAgent) RecordedFrames() []wire.KV {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.KV, len(f.recorded))
	copy(out, f.recorded)
	return out
}

// Close closes the agent's end of the socketpair.
func (f *FakeAgent) Close() error {
	return f.t.Close()
}

// HandleCreateAndOpen drains exactly one "create pool" (if createPool is
// true) followed by one "open pool" request, replying with the canned
// "done" responses the end-to-end scenarios expect.
func (f *FakeAgent) HandleCreateAndOpen(createPool bool) error {
	if createPool {
		if _, err := f.RecvFrame(); err != nil {
			return err
		}
		if err := f.SendFrame(wire.KV{
			wire.FieldType: wire.StringValue(wire.TypePoolCreateDone),
		}); err != nil {
			return err
		}
	}

	if _, err := f.RecvFrame(); err != nil {
		return err
	}
	return f.SendFrame(wire.KV{
		wire.FieldType:      wire.StringValue(wire.TypePoolOpenDone),
		wire.FieldUberblock: wire.BytesValue(f.Uberblock),
		wire.FieldNextBlock: wire.Uint64Value(f.NextBlock),
	})
}

// HandleReadDone replies to one "read block" request with the given data,
// echoing back request_id and block.
func (f *FakeAgent) HandleReadDone(data []byte) (wire.KV, error) {
	req, err := f.RecvFrame()
	if err != nil {
		return nil, err
	}
	reqID, _ := req.GetUint64(wire.FieldRequestID)
	block, _ := req.GetUint64(wire.FieldBlock)

	err = f.SendFrame(wire.KV{
		wire.FieldType:      wire.StringValue(wire.TypeReadDone),
		wire.FieldRequestID: wire.Uint64Value(reqID),
		wire.FieldBlock:     wire.Uint64Value(block),
		wire.FieldData:      wire.BytesValue(data),
	})
	return req, err
}

// HandleWriteDone replies to one "write block" request, echoing back
// request_id and block.
func (f *FakeAgent) HandleWriteDone() (wire.KV, error) {
	req, err := f.RecvFrame()
	if err != nil {
		return nil, err
	}
	reqID, _ := req.GetUint64(wire.FieldRequestID)
	block, _ := req.GetUint64(wire.FieldBlock)

	err = f.SendFrame(wire.KV{
		wire.FieldType:      wire.StringValue(wire.TypeWriteDone),
		wire.FieldRequestID: wire.Uint64Value(reqID),
		wire.FieldBlock:     wire.Uint64Value(block),
	})
	return req, err
}

// HandleEndTXGDone drains one "end txg" request and replies with "end txg
// done".
func (f *FakeAgent) HandleEndTXGDone() (wire.KV, error) {
	req, err := f.RecvFrame()
	if err != nil {
		return nil, err
	}
	return req, f.SendFrame(wire.KV{wire.FieldType: wire.StringValue(wire.TypeEndTXGDone)})
}

// NewPendingIO is a small helper for constructing a PendingIO in tests.
func NewPendingIO(dir reqtable.Direction, block, size uint64) *reqtable.PendingIO {
	return &reqtable.PendingIO{
		Dir:  dir,
		Block: block,
		Size:  size,
		Buf:   make([]byte, size),
		Done:  make(chan *reqtable.PendingIO, 1),
	}
}
