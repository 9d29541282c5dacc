//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package broadcast

import (
	"errors"
	"io"
	"syscall"
)

// listenControl leaves platform defaults in place.
func listenControl(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}

func isPeerGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF)
}
