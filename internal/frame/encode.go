// Package frame implements the plain-text wire format used to stream scans to
// subscribers.
//
// A measurement is sent as "<angle>:<distance>:<quality>;" with the angle in
// degrees to four decimals, the distance in millimetres to two decimals and
// the quality as an integer. A sweep ends with the single byte "M". There is
// no handshake, length prefix or checksum; consumers split records on ';' and
// sweeps on the standalone 'M'.
package frame

import (
	"strconv"

	"github.com/banshee-data/scanrelay/internal/scan"
)

const (
	// Terminator ends every sweep.
	Terminator byte = 'M'
	// RecordEnd ends every measurement record.
	RecordEnd byte = ';'
	// FieldSep separates the fields of a record.
	FieldSep byte = ':'

	angleDecimals    = 4
	distanceDecimals = 2

	// TypicalRecordLen is the size of a record such as
	// "359.9844:12000.00:47;", used to presize batch buffers.
	TypicalRecordLen = 24
)

// AppendMeasurement appends the encoded record for m to dst.
func AppendMeasurement(dst []byte, m scan.Measurement) []byte {
	dst = strconv.AppendFloat(dst, m.AngleDeg, 'f', angleDecimals, 64)
	dst = append(dst, FieldSep)
	dst = strconv.AppendFloat(dst, m.DistanceMM, 'f', distanceDecimals, 64)
	dst = append(dst, FieldSep)
	dst = strconv.AppendUint(dst, uint64(m.Quality), 10)
	return append(dst, RecordEnd)
}

// EncodeMeasurement returns the encoded record for m.
func EncodeMeasurement(m scan.Measurement) []byte {
	return AppendMeasurement(make([]byte, 0, TypicalRecordLen), m)
}

// BatchTerminator returns the end-of-sweep sentinel.
func BatchTerminator() []byte { return []byte{Terminator} }

// AppendBatch appends every record of ms in order followed by the terminator.
func AppendBatch(dst []byte, ms []scan.Measurement) []byte {
	for _, m := range ms {
		dst = AppendMeasurement(dst, m)
	}
	return append(dst, Terminator)
}
