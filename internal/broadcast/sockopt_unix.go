//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package broadcast

import (
	"errors"
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

func listenControl(reusePort bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if sockErr == nil && reusePort {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// isPeerGone reports whether a write failed because the subscriber closed
// or reset its end.
func isPeerGone(err error) bool {
	return errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, io.EOF)
}
