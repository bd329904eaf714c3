package transport

import "errors"

var (
	errShortWrite = errors.New("transport: short write")
	errPeerClosed = errors.New("transport: peer closed connection")
)
