package rplidar

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/scanrelay/internal/device"
	"github.com/banshee-data/scanrelay/internal/scan"
)

// TestablePort implements Port with configurable behaviour for testing.
// Respond, when set, is called with each written request and its result is
// queued for reading.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// Respond produces the device's answer to a request
	Respond func(req []byte) []byte

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// DTR is the last level set with SetDTR
	DTR bool
}

// NewTestablePort creates a new TestablePort for testing.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// Read reads from the read buffer. An empty buffer reads as a timeout.
func (t *TestablePort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	return t.ReadBuffer.Read(p)
}

// Write records p and queues the Respond result.
func (t *TestablePort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	if t.Closed {
		t.mu.Unlock()
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}
	t.WriteBuffer.Write(p)
	respond := t.Respond
	t.mu.Unlock()

	if respond != nil {
		if reply := respond(append([]byte(nil), p...)); len(reply) > 0 {
			t.AddReadData(reply)
		}
	}
	return len(p), nil
}

// Close marks the port as closed.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

// SetReadTimeout implements TimeoutPort.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// SetDTR implements DTRPort.
func (t *TestablePort) SetDTR(dtr bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.DTR = dtr
	return nil
}

// ResetInputBuffer discards unread data.
func (t *TestablePort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Reset()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
}

// GetWrittenData returns all data written to the port.
func (t *TestablePort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// Simulator answers requests the way an RPLIDAR A-series unit does. Sweeps
// are streamed in full as soon as a scan starts, each followed by the start
// node of the next so that the last sweep is complete.
type Simulator struct {
	mu sync.Mutex

	Info   device.Info
	Health device.Health
	Sweeps [][]scan.Measurement
	// Baud is the only rate at which the simulator answers. Zero answers at
	// any rate.
	Baud int

	commands []byte
	pwm      []uint16
	port     *TestablePort
}

// Opener returns an Opener that connects to the simulator. Opening at a
// baud rate other than Baud yields a port that never answers.
func (s *Simulator) Opener() Opener {
	return func(path string, mode *serial.Mode) (Port, error) {
		p := NewTestablePort()
		if s.Baud == 0 || mode.BaudRate == s.Baud {
			p.Respond = s.respond
		}
		s.mu.Lock()
		s.port = p
		s.mu.Unlock()
		return p, nil
	}
}

// Port returns the most recently opened port.
func (s *Simulator) Port() *TestablePort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Commands returns the command bytes received, in order.
func (s *Simulator) Commands() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.commands...)
}

// MotorPWM returns the SET_MOTOR_PWM values received, in order.
func (s *Simulator) MotorPWM() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.pwm...)
}

func (s *Simulator) respond(req []byte) []byte {
	if len(req) < 2 || req[0] != syncByte {
		return nil
	}
	cmd := req[1] &^ hasPayload

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)

	switch cmd {
	case cmdGetInfo:
		b := make([]byte, devInfoSize)
		b[0] = s.Info.Model
		b[1] = byte(s.Info.Firmware)
		b[2] = byte(s.Info.Firmware >> 8)
		b[3] = s.Info.Hardware
		copy(b[4:], s.Info.Serial[:])
		return append(simDescriptor(ansTypeDevInfo, devInfoSize, 0), b...)
	case cmdGetHealth:
		b := []byte{byte(s.Health.Status), 0, 0}
		binary.LittleEndian.PutUint16(b[1:], s.Health.Code)
		return append(simDescriptor(ansTypeDevHealth, devHealthSize, 0), b...)
	case cmdScan, cmdForceScan:
		out := simDescriptor(ansTypeMeasure, nodeSize, sendModeMultiple)
		for _, sweep := range s.Sweeps {
			for i, m := range sweep {
				out = append(out, encodeNode(i == 0, m)...)
			}
		}
		if len(s.Sweeps) > 0 {
			out = append(out, encodeNode(true, scan.Measurement{})...)
		}
		return out
	case cmdSetMotorPWM:
		if len(req) >= 5 {
			s.pwm = append(s.pwm, binary.LittleEndian.Uint16(req[3:5]))
		}
	}
	return nil
}

func simDescriptor(typ byte, size uint32, mode uint8) []byte {
	b := []byte{syncByte, syncByte2, 0, 0, 0, 0, typ}
	binary.LittleEndian.PutUint32(b[2:6], size|uint32(mode)<<30)
	return b
}
