//go:build unix

package remote

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isConnErrno(err error) bool {
	return errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNABORTED) ||
		errors.Is(err, unix.ENOTCONN) ||
		errors.Is(err, unix.ESHUTDOWN)
}
