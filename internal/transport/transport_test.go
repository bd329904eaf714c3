package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return NewFromFD(fds[0]), NewFromFD(fds[1])
}

func TestSendRecvFrame(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	payload := []byte("hello agent")
	err := a.SendFrame(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	err = b.RecvExact(buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf)
}

func TestRecvExactShortReadLoop(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	go func() {
		a.SendFrame([]byte{1, 2})
		a.SendFrame([]byte{3, 4, 5})
	}()

	buf := make([]byte, 5)
	err := b.RecvExact(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, buf)
}

func TestRecvExactFaultsOnPeerClose(t *testing.T) {
	a, b := socketpair(t)
	defer b.Close()

	a.Close()

	buf := make([]byte, 4)
	err := b.RecvExact(buf)
	require.Error(t, err)
	require.True(t, b.Faulted())
}

func TestSendFrameFaultsOnClosedPeer(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()

	b.Close()

	err := a.SendFrame([]byte{1, 2, 3})
	require.Error(t, err)
	require.True(t, a.Faulted())
}
