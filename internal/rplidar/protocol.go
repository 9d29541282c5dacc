package rplidar

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/banshee-data/scanrelay/internal/scan"
)

// Request framing.
const (
	syncByte    = 0xA5
	syncByte2   = 0x5A
	hasPayload  = 0x80
	descLen     = 7
	maxSyncSkip = 1024
)

// Commands.
const (
	cmdStop        = 0x25
	cmdScan        = 0x20
	cmdForceScan   = 0x21
	cmdReset       = 0x40
	cmdGetInfo     = 0x50
	cmdGetHealth   = 0x52
	cmdSetMotorPWM = 0xF0
)

// Response types and sizes.
const (
	ansTypeDevInfo   = 0x04
	ansTypeDevHealth = 0x06
	ansTypeMeasure   = 0x81
	devInfoSize      = 20
	devHealthSize    = 3
	nodeSize         = 5
	sendModeMultiple = 0x1
)

// MaxMotorPWM is the largest SET_MOTOR_PWM argument.
const MaxMotorPWM = 1023

var (
	// ErrBadDescriptor is returned when a response header is missing or
	// does not match the request.
	ErrBadDescriptor = errors.New("rplidar: bad response descriptor")
	// ErrNoValidSample is returned by SortBatch when the sweep holds no
	// sample with a range reading.
	ErrNoValidSample = errors.New("rplidar: batch has no valid sample")
	// ErrNotConnected is returned by operations that need an open link.
	ErrNotConnected = errors.New("rplidar: not connected")
	// ErrNotScanning is returned by GrabBatch before StartScan.
	ErrNotScanning = errors.New("rplidar: scan not started")
)

// request encodes a command. Commands with a payload carry its length and
// an XOR checksum over every preceding byte.
func request(cmd byte, payload []byte) []byte {
	if len(payload) == 0 {
		return []byte{syncByte, cmd}
	}
	buf := make([]byte, 0, 4+len(payload))
	buf = append(buf, syncByte, cmd|hasPayload, byte(len(payload)))
	buf = append(buf, payload...)
	var sum byte
	for _, b := range buf {
		sum ^= b
	}
	return append(buf, sum)
}

// descriptor is a decoded response header.
type descriptor struct {
	size     uint32
	sendMode uint8
	typ      uint8
}

func parseDescriptor(b []byte) (descriptor, error) {
	if len(b) != descLen || b[0] != syncByte || b[1] != syncByte2 {
		return descriptor{}, ErrBadDescriptor
	}
	v := binary.LittleEndian.Uint32(b[2:6])
	return descriptor{
		size:     v & 0x3FFFFFFF,
		sendMode: uint8(v >> 30),
		typ:      b[6],
	}, nil
}

func (d descriptor) expect(typ uint8, size uint32) error {
	if d.typ != typ || d.size < size {
		return fmt.Errorf("%w: got type 0x%02X size %d, want type 0x%02X size %d",
			ErrBadDescriptor, d.typ, d.size, typ, size)
	}
	return nil
}

// node is one raw measurement from a standard scan.
type node struct {
	start bool
	m     scan.Measurement
}

// parseNode decodes a 5-byte scan node. It reports false when the start
// flag and its complement disagree or the check bit is clear.
func parseNode(b []byte) (node, bool) {
	s := b[0]&0x1 != 0
	notS := b[0]&0x2 != 0
	if s == notS || b[1]&0x1 == 0 {
		return node{}, false
	}
	angleQ6 := uint16(b[1])>>1 | uint16(b[2])<<7
	distQ2 := binary.LittleEndian.Uint16(b[3:5])
	return node{
		start: s,
		m: scan.Measurement{
			AngleDeg:   float64(angleQ6) / 64.0,
			DistanceMM: float64(distQ2) / 4.0,
			Quality:    b[0] >> 2,
		},
	}, true
}

// encodeNode is the inverse of parseNode. It is used by the simulator and
// tests.
func encodeNode(start bool, m scan.Measurement) []byte {
	b := make([]byte, nodeSize)
	b[0] = m.Quality << 2
	if start {
		b[0] |= 0x1
	} else {
		b[0] |= 0x2
	}
	angleQ6 := uint16(m.AngleDeg*64.0 + 0.5)
	b[1] = byte(angleQ6<<1) | 0x1
	b[2] = byte(angleQ6 >> 7)
	binary.LittleEndian.PutUint16(b[3:5], uint16(m.DistanceMM*4.0+0.5))
	return b
}
