package remote

import (
	"errors"
	"io"
	"net"
	"net/textproto"
)

// ErrConnectionLost marks an error after which the control connection can not be used again.
// Backends wrap protocol specific conditions with it.
var ErrConnectionLost = errors.New("connection lost")

// StatusServiceNotAvailable is the FTP reply sent when the server is closing the control connection
const StatusServiceNotAvailable = 421

// IsConnectionLost reports whether err shows that the connection itself is dead,
// as opposed to a single command that failed.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code == StatusServiceNotAvailable
	}
	return isConnErrno(err)
}
