// Package transport owns the connected unix-domain stream socket to the
// object-store agent: one send mutex guaranteeing frame atomicity, and raw
// read/write syscalls for the dedicated reader. It opens the socket with
// golang.org/x/sys/unix directly rather than net.Dial, mirroring the
// teacher's preference for raw syscalls over the stdlib's higher-level
// wrappers elsewhere in the control path.
package transport

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/objstorevdev/core/internal/logging"
)

// DefaultSocketPath is the well-known agent socket.
const DefaultSocketPath = "/run/zfs_socket"

// Transport owns one connected stream-socket endpoint to the agent.
type Transport struct {
	fd int

	sendMu sync.Mutex

	faultMu sync.Mutex
	faulted bool
	logger  *logging.Logger
}

// Dial opens a unix-domain stream socket connection to path.
func Dial(path string) (*Transport, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Transport{fd: fd, logger: logging.Default()}, nil
}

// NewFromFD wraps an already-connected file descriptor in a Transport. Used
// by the in-process fake-agent test harness, which connects both ends with
// unix.Socketpair instead of a real /run/zfs_socket.
func NewFromFD(fd int) *Transport {
	return &Transport{fd: fd, logger: logging.Default()}
}

// Close closes the underlying socket.
func (t *Transport) Close() error {
	if t.fd < 0 {
		return nil
	}
	fd := t.fd
	t.fd = -1
	return unix.Close(fd)
}

// Faulted reports whether the transport has entered the hard-fault state
// (a short write, short read, or peer disconnect).
func (t *Transport) Faulted() bool {
	t.faultMu.Lock()
	defer t.faultMu.Unlock()
	return t.faulted
}

func (t *Transport) markFaulted(op string, err error) {
	t.faultMu.Lock()
	t.faulted = true
	t.faultMu.Unlock()
	t.logger.Errorf("transport: hard fault in %s: %v", op, err)
}

// SendFrame writes a complete frame (size prefix + payload) under the send
// mutex so two concurrent submitters never interleave bytes on the wire.
func (t *Transport) SendFrame(frame []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	written := 0
	for written < len(frame) {
		n, err := unix.Write(t.fd, frame[written:])
		if err != nil {
			t.markFaulted("send_frame", err)
			return err
		}
		if n <= 0 {
			t.markFaulted("send_frame", errShortWrite)
			return errShortWrite
		}
		written += n
	}
	return nil
}

// RecvExact reads exactly n bytes into buf, looping on short reads. Any
// non-positive return from the underlying read is a hard fault.
func (t *Transport) RecvExact(buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := unix.Read(t.fd, buf[read:])
		if err != nil {
			t.markFaulted("recv_exact", err)
			return err
		}
		if n <= 0 {
			t.markFaulted("recv_exact", errPeerClosed)
			return errPeerClosed
		}
		read += n
	}
	return nil
}
