package rplidar

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// DefaultReadTimeout bounds every serial read.
const DefaultReadTimeout = 2 * time.Second

// PortOptions describes the serial framing. The baud rate is not part of it:
// the session tries candidate rates at connect time.
type PortOptions struct {
	DataBits    int           `json:"data_bits" yaml:"data_bits"`
	StopBits    int           `json:"stop_bits" yaml:"stop_bits"`
	Parity      string        `json:"parity" yaml:"parity"`
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	opts.Parity = parity

	if opts.ReadTimeout < 0 {
		return opts, fmt.Errorf("invalid read timeout %s", opts.ReadTimeout)
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	return opts, nil
}

// SerialMode converts the options into the serial.Mode required by
// go.bug.st/serial for the given baud rate.
func (o PortOptions) SerialMode(baud int) (*serial.Mode, error) {
	if baud <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", baud)
	}
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: opts.DataBits,
	}
	switch opts.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}
