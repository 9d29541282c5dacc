package rplidar

import (
	"errors"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal serial link the driver needs. This abstraction enables
// unit testing without real hardware.
type Port interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPort is implemented by ports that support a read timeout.
type TimeoutPort interface {
	Port
	SetReadTimeout(timeout time.Duration) error
}

// DTRPort is implemented by ports whose DTR line can be driven. A1 units use
// DTR as the motor enable.
type DTRPort interface {
	Port
	SetDTR(dtr bool) error
}

// Opener opens a serial port. It can be replaced in tests.
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenSerial opens a real serial port with go.bug.st/serial.
func OpenSerial(path string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ErrTimeout is returned when a read yields no data within the read timeout.
var ErrTimeout = errors.New("rplidar: read timeout")

// timeoutReader turns the (0, nil) result go.bug.st/serial returns on a
// read timeout into ErrTimeout.
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, ErrTimeout
	}
	return n, err
}
