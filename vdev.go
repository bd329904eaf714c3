package vdev

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/objstorevdev/core/internal/config"
	"github.com/objstorevdev/core/internal/reader"
	"github.com/objstorevdev/core/internal/reqtable"
	"github.com/objstorevdev/core/internal/transport"
	"github.com/objstorevdev/core/internal/wire"
)

// DeviceState is the leaf-device lifecycle state.
type DeviceState string

const (
	StateFresh       DeviceState = "fresh"
	StateInitialized DeviceState = "initialized"
	StateOpen        DeviceState = "open"
	// StateDegraded is reached when a protocol fault is propagated instead
	// of parking forever; it is terminal for the current open session.
	StateDegraded DeviceState = "degraded"
	StateDestroyed DeviceState = "destroyed"
)

// SpaLoadState mirrors the host's pool load state, only as far as
// distinguishing a fresh pool create from a normal open.
type SpaLoadState int

const (
	SpaLoadOpen SpaLoadState = iota
	SpaLoadCreate
)

// Ops is the capability interface the host holds one handle of per device,
// modeling the dispatch-table-of-named-operations design note as a Go
// interface rather than a struct of function pointers.
type Ops interface {
	Init(configMap map[string]string) error
	Open(loadState SpaLoadState, reopen bool) error
	Close(reopen bool) error
	Fini()
	IOStart(io *reqtable.PendingIO) error
	IODone(io *reqtable.PendingIO)
	MetaslabInit() uint64
	Psize() uint64
	Ashifts() (logical, physical uint)
	ConfigGenerate() map[string]string
	BeginTXG(txg uint64) error
	EndTXG(txg uint64) error
	FreeBlock(offset, asize uint64) error
	GetUberblock() []byte
}

// DeviceParams configures a Device at construction time.
type DeviceParams struct {
	// LogicalAshift and PhysicalAshift default to 9 (512-byte blocks).
	// Both are copied by NewDevice into immutable per-device fields; later
	// changes to the process-wide tunables do not affect a live device.
	LogicalAshift  uint
	PhysicalAshift uint

	// SocketPath overrides the default agent socket path.
	SocketPath string
}

// DefaultDeviceParams returns the spec defaults.
func DefaultDeviceParams() DeviceParams {
	return DeviceParams{
		LogicalAshift:  DefaultLogicalAshift,
		PhysicalAshift: DefaultPhysicalAshift,
		SocketPath:     DefaultSocketPath,
	}
}

// Options holds injectable collaborators, mirroring the teacher's Options.
type Options struct {
	Logger   Logger
	Observer Observer

	// Dialer overrides how the transport connects; nil uses
	// transport.Dial against params.SocketPath. Tests inject a fake
	// agent's socketpair-backed transport here.
	Dialer func(socketPath string) (FrameTransport, error)
}

// Logger is the injectable logging surface at the public API boundary.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// FrameTransport is the minimal transport surface Device depends on.
type FrameTransport interface {
	SendFrame(frame []byte) error
	RecvExact(buf []byte) error
	Close() error
}

// Device is one object-store leaf vdev adapter instance.
type Device struct {
	mu    sync.Mutex
	state DeviceState

	cfg *config.ConnectionConfig

	transport FrameTransport
	table     *reqtable.RequestTable
	latch     *reqtable.SerialLatch
	reader    *reader.Reader
	codec     wire.Codec

	// serialMu enforces the "only one serial operation in flight
	// globally" invariant at the adapter itself, rather than relying
	// solely on caller discipline.
	serialMu sync.Mutex

	logicalAshift  uint
	physicalAshift uint
	socketPath     string

	// nextBlock and uberblock are written only by the reader during
	// "pool open done"; read thereafter by the adapter. They become
	// visible only after the serial latch trips, so no extra
	// synchronization is required beyond that happens-before edge.
	nextBlock uint64
	uberblock []byte

	// psize is published at the end of a successful Open, mirroring the
	// next_block/uberblock publication pattern: the host reads it through
	// Psize() once the device is open. The ashifts above are fixed by
	// NewDevice and do not change at Open.
	psize uint64

	guid uint64

	dialer func(socketPath string) (FrameTransport, error)

	metrics  *Metrics
	observer Observer
	logger   Logger
}

var _ Ops = (*Device)(nil)
var _ reader.PoolOpenSink = (*Device)(nil)

// NewDevice constructs a fresh, unconfigured Device.
func NewDevice(params DeviceParams, options *Options) *Device {
	if params.LogicalAshift == 0 {
		params.LogicalAshift = DefaultLogicalAshift
	}
	if params.PhysicalAshift == 0 {
		params.PhysicalAshift = DefaultPhysicalAshift
	}
	if params.SocketPath == "" {
		params.SocketPath = DefaultSocketPath
	}
	if options == nil {
		options = &Options{}
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	dialer := options.Dialer
	if dialer == nil {
		dialer = func(path string) (FrameTransport, error) {
			return transport.Dial(path)
		}
	}

	return &Device{
		state:          StateFresh,
		logicalAshift:  params.LogicalAshift,
		physicalAshift: params.PhysicalAshift,
		socketPath:     params.SocketPath,
		codec:          wire.DefaultCodec{},
		dialer:         dialer,
		metrics:        metrics,
		observer:       observer,
		logger:         options.Logger,
	}
}

// State returns the current lifecycle state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsRunning reports whether the device is in the open state.
func (d *Device) IsRunning() bool {
	return d.State() == StateOpen
}

// Metrics returns the device's metrics instance.
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

// SetGUID sets the pool GUID used in create/open pool requests. The host
// assigns this value; it must be set before Open.
func (d *Device) SetGUID(guid uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.guid = guid
}

// Init extracts connection config from configMap. Missing any of the four
// required keys is an invalid-argument error. Does not touch the network.
func (d *Device) Init(configMap map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateFresh {
		return NewError("init", CodeInvalidArgument, "device already initialized")
	}

	cfg, err := config.Extract(configMap)
	if err != nil {
		return NewError("init", CodeInvalidArgument, err.Error())
	}

	d.cfg = cfg
	d.table = reqtable.New()
	d.latch = reqtable.NewSerialLatch()
	d.state = StateInitialized
	return nil
}

// Open implements the open operation of the lifecycle state machine.
func (d *Device) Open(loadState SpaLoadState, reopen bool) error {
	d.mu.Lock()
	if d.state != StateInitialized && d.state != StateOpen {
		d.mu.Unlock()
		return NewError("open", CodeInvalidArgument, "device not initialized")
	}
	if d.cfg.Bucket == "" {
		d.mu.Unlock()
		return NewError("open", CodeBadLabel, "bucket (device path) is required")
	}
	cfg := d.cfg
	d.mu.Unlock()

	if !reopen {
		t, err := d.dialer(d.socketPath)
		if err != nil {
			return NewError("open", CodeOpenFailed, err.Error())
		}

		d.mu.Lock()
		d.transport = t
		completions := make(chan *reqtable.PendingIO, reqtable.MaxOutstanding)
		d.reader = reader.New(t, d.codec, d.table, d.latch, d, UberblockSize, completions, d.degrade)
		d.mu.Unlock()

		go d.reader.Run()
		go d.consumeCompletions(completions)

		if loadState == SpaLoadCreate {
			start := time.Now()
			err := d.sendSerial(wire.KV{
				wire.FieldType:        wire.StringValue(wire.TypeCreatePool),
				wire.FieldName:        wire.StringValue(cfg.Bucket),
				wire.FieldGUID:        wire.Uint64Value(uint64(d.guid)),
				wire.FieldCredentials: wire.StringValue(cfg.Credentials),
				wire.FieldEndpoint:    wire.StringValue(cfg.Endpoint),
				wire.FieldRegion:      wire.StringValue(cfg.Region),
				wire.FieldBucket:      wire.StringValue(cfg.Bucket),
			})
			d.observer.ObservePoolCreate(uint64(time.Since(start).Nanoseconds()))
			if err != nil {
				return NewError("open", CodeOpenFailed, err.Error())
			}
		}

		start := time.Now()
		err := d.sendSerial(wire.KV{
			wire.FieldType:        wire.StringValue(wire.TypeOpenPool),
			wire.FieldGUID:        wire.Uint64Value(uint64(d.guid)),
			wire.FieldCredentials: wire.StringValue(cfg.Credentials),
			wire.FieldEndpoint:    wire.StringValue(cfg.Endpoint),
			wire.FieldRegion:      wire.StringValue(cfg.Region),
			wire.FieldBucket:      wire.StringValue(cfg.Bucket),
		})
		d.observer.ObservePoolOpen(uint64(time.Since(start).Nanoseconds()))
		if err != nil {
			return NewError("open", CodeOpenFailed, err.Error())
		}
	}

	d.mu.Lock()
	d.state = StateOpen
	d.psize = MaxPsize
	d.mu.Unlock()
	return nil
}

// sendSerial sends a serial request frame and waits for the matching
// response, returning any fault error observed by the reader. serialMu
// ensures two concurrent serial callers never overlap on the wire.
func (d *Device) sendSerial(kv wire.KV) error {
	d.serialMu.Lock()
	defer d.serialMu.Unlock()

	frame, err := d.encodeFrame(kv)
	if err != nil {
		return err
	}
	if err := d.transport.SendFrame(frame); err != nil {
		return err
	}
	return d.latch.ArmAndWait()
}

func (d *Device) encodeFrame(kv wire.KV) ([]byte, error) {
	payload, err := d.codec.Encode(kv)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, wire.FrameSizeLen+len(payload))
	frame = append(frame, wire.EncodeSize(uint64(len(payload)))...)
	frame = append(frame, payload...)
	return frame, nil
}

// PublishPoolOpen implements reader.PoolOpenSink.
func (d *Device) PublishPoolOpen(uberblock []byte, nextBlock uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ub := make([]byte, len(uberblock))
	copy(ub, uberblock)
	d.uberblock = ub
	d.nextBlock = nextBlock
}

// consumeCompletions drains the reader's completion hand-off, recording
// per-operation latency and outstanding-depth statistics through the
// injected observer. The channel is never closed, so this goroutine does not
// exit: once the reader returns from Run, or a new Open creates a fresh
// channel, it stays blocked on a channel nothing sends on again.
func (d *Device) consumeCompletions(completions <-chan *reqtable.PendingIO) {
	for io := range completions {
		latency := time.Since(io.StartedAt)
		success := io.Err == nil
		switch io.Dir {
		case reqtable.DirRead:
			d.observer.ObserveRead(io.Size, uint64(latency.Nanoseconds()), success)
		case reqtable.DirWrite:
			d.observer.ObserveWrite(io.Size, uint64(latency.Nanoseconds()), success)
		}
		d.observer.ObserveOutstanding(uint32(d.table.Outstanding()))
	}
}

// degrade transitions the device to StateDegraded on a reader hard fault and
// translates the raw cause into the CodeProtocolFault error the reader
// delivers to every drained I/O and the serial latch.
func (d *Device) degrade(err error) error {
	d.mu.Lock()
	if d.state == StateOpen {
		d.state = StateDegraded
	}
	d.mu.Unlock()
	if d.logger != nil {
		d.logger.Error("device degraded by protocol fault", "err", err)
	}
	return &Error{Op: "protocol_fault", Code: CodeProtocolFault, Msg: err.Error(), Inner: err}
}

// Close closes the transport if this is not a reopen. Idempotent: closing a
// not-open device is a no-op.
func (d *Device) Close(reopen bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateOpen && d.state != StateDegraded {
		return nil
	}
	if !reopen && d.transport != nil {
		d.transport.Close()
	}
	d.state = StateInitialized
	return nil
}

// Fini releases device private state. Calling Fini a second time after a
// successful Fini is undefined, matching the spec's contract.
func (d *Device) Fini() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = nil
	d.state = StateDestroyed
}

// IOStart dispatches an I/O. TRIM and unsupported ioctl-equivalents are
// reported without sending any frame.
func (d *Device) IOStart(io *reqtable.PendingIO) error {
	d.mu.Lock()
	state := d.state
	t := d.transport
	table := d.table
	d.mu.Unlock()

	if io.Dir == reqtable.DirTrim {
		return NewError("io_start", CodeNotSupported, "trim is not supported")
	}

	if state != StateOpen {
		return NewErrorWithErrno("io_start", CodeDeviceOffline, syscall.ENXIO)
	}

	io.StartedAt = time.Now()

	var kv wire.KV
	var reqID uint64
	switch io.Dir {
	case reqtable.DirRead:
		reqID = table.Submit(io)
		kv = wire.KV{
			wire.FieldType:      wire.StringValue(wire.TypeReadBlock),
			wire.FieldSize:      wire.Uint64Value(io.Size),
			wire.FieldBlock:     wire.Uint64Value(io.Block),
			wire.FieldRequestID: wire.Uint64Value(reqID),
		}
	case reqtable.DirWrite:
		reqID = table.Submit(io)
		kv = wire.KV{
			wire.FieldType:      wire.StringValue(wire.TypeWriteBlock),
			wire.FieldBlock:     wire.Uint64Value(io.Block),
			wire.FieldData:      wire.BytesValue(io.Buf),
			wire.FieldRequestID: wire.Uint64Value(reqID),
		}
	default:
		return NewError("io_start", CodeInvalidArgument, fmt.Sprintf("unknown direction %d", io.Dir))
	}

	frame, err := d.encodeFrame(kv)
	if err != nil {
		table.Complete(reqID)
		return WrapError("io_start", err)
	}
	if err := t.SendFrame(frame); err != nil {
		table.Complete(reqID)
		return WrapError("io_start", err)
	}
	return nil
}

// IODone is a no-op, matching the spec.
func (d *Device) IODone(io *reqtable.PendingIO) {}

// MetaslabInit returns the starting low-block-address hint the agent
// published at pool-open time.
func (d *Device) MetaslabInit() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextBlock
}

// Psize returns the device size published at open time: max_psize,
// 2^60 - 1, matching the metaslab weight bit-budget constraint inherited
// from the host. Zero before a successful Open.
func (d *Device) Psize() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.psize
}

// Ashifts returns the logical and physical block shifts this device was
// constructed with; the values are the same before and after Open.
func (d *Device) Ashifts() (logical, physical uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logicalAshift, d.physicalAshift
}

// ConfigGenerate emits credentials-location (not the opaque material),
// endpoint, and region.
func (d *Device) ConfigGenerate() map[string]string {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	if cfg == nil {
		return map[string]string{}
	}
	return cfg.Generate()
}

// BeginTXG sends a "begin txg" frame and returns once the frame is sent. No
// "begin txg done" response type exists, so it does not use the serial
// latch and waits for no response.
func (d *Device) BeginTXG(txg uint64) error {
	d.mu.Lock()
	state := d.state
	t := d.transport
	d.mu.Unlock()

	if state != StateOpen {
		return NewErrorWithErrno("begin_txg", CodeDeviceOffline, syscall.ENXIO)
	}

	start := time.Now()
	frame, err := d.encodeFrame(wire.KV{
		wire.FieldType: wire.StringValue(wire.TypeBeginTXG),
		wire.FieldTXG:  wire.Uint64Value(txg),
	})
	if err != nil {
		d.observer.ObserveBeginTxg(uint64(time.Since(start).Nanoseconds()))
		return WrapError("begin_txg", err)
	}
	err = t.SendFrame(frame)
	d.observer.ObserveBeginTxg(uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		return WrapError("begin_txg", err)
	}
	return nil
}

// EndTXG sends the in-memory uberblock and waits serially for "end txg
// done", per spec's current (not commented-out) behavior: only the
// uberblock is packed, not spa_config_syncing.
func (d *Device) EndTXG(txg uint64) error {
	d.mu.Lock()
	state := d.state
	ub := d.uberblock
	d.mu.Unlock()

	if state != StateOpen {
		return NewErrorWithErrno("end_txg", CodeDeviceOffline, syscall.ENXIO)
	}

	start := time.Now()
	err := d.sendSerial(wire.KV{
		wire.FieldType:      wire.StringValue(wire.TypeEndTXG),
		wire.FieldTXG:       wire.Uint64Value(txg),
		wire.FieldUberblock: wire.BytesValue(ub),
	})
	d.observer.ObserveEndTxg(uint64(time.Since(start).Nanoseconds()), err == nil)
	return err
}

// FreeBlock is fire-and-forget: no response is expected or waited for.
func (d *Device) FreeBlock(offset, asize uint64) error {
	d.mu.Lock()
	state := d.state
	t := d.transport
	d.mu.Unlock()

	if state != StateOpen {
		return NewErrorWithErrno("free_block", CodeDeviceOffline, syscall.ENXIO)
	}

	start := time.Now()
	frame, err := d.encodeFrame(wire.KV{
		wire.FieldType:  wire.StringValue(wire.TypeFreeBlock),
		wire.FieldBlock: wire.Uint64Value(offset >> BlockShift),
		wire.FieldSize:  wire.Uint64Value(asize),
	})
	if err != nil {
		d.observer.ObserveFree(uint64(time.Since(start).Nanoseconds()), false)
		return WrapError("free_block", err)
	}
	err = t.SendFrame(frame)
	d.observer.ObserveFree(uint64(time.Since(start).Nanoseconds()), err == nil)
	return err
}

// GetUberblock returns the cached uberblock copy published at pool-open.
func (d *Device) GetUberblock() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	ub := make([]byte, len(d.uberblock))
	copy(ub, d.uberblock)
	return ub
}
