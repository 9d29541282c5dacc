package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/banshee-data/scanrelay/internal/scan"
)

// ErrMalformedRecord is returned for records that do not follow the wire
// format.
var ErrMalformedRecord = errors.New("malformed record")

// TokenKind distinguishes records from sweep terminators.
type TokenKind uint8

const (
	TokenRecord TokenKind = iota + 1
	TokenTerminator
)

// Token is one element of the stream.
type Token struct {
	Kind        TokenKind
	Measurement scan.Measurement
}

// Decoder reads tokens from a stream. Records may be split across reads.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// Next returns the next token. It returns io.EOF at a clean end of stream
// and io.ErrUnexpectedEOF when the stream stops inside a record.
func (d *Decoder) Next() (Token, error) {
	c, err := d.r.ReadByte()
	if err != nil {
		return Token{}, err
	}
	if c == Terminator {
		return Token{Kind: TokenTerminator}, nil
	}
	if err := d.r.UnreadByte(); err != nil {
		return Token{}, err
	}

	rec, err := d.r.ReadSlice(RecordEnd)
	switch {
	case errors.Is(err, bufio.ErrBufferFull):
		return Token{}, fmt.Errorf("%w: record longer than %d bytes", ErrMalformedRecord, d.r.Size())
	case errors.Is(err, io.EOF):
		return Token{}, io.ErrUnexpectedEOF
	case err != nil:
		return Token{}, err
	}

	m, err := ParseRecord(rec[:len(rec)-1])
	if err != nil {
		return Token{}, err
	}
	return Token{Kind: TokenRecord, Measurement: m}, nil
}

// ReadBatch appends the records of the next sweep to dst and returns it once
// the terminator is read. A stream that ends between sweeps returns io.EOF
// with dst unchanged.
func (d *Decoder) ReadBatch(dst []scan.Measurement) ([]scan.Measurement, error) {
	start := len(dst)
	for {
		tok, err := d.Next()
		if err != nil {
			if errors.Is(err, io.EOF) && len(dst) > start {
				return dst, io.ErrUnexpectedEOF
			}
			return dst, err
		}
		if tok.Kind == TokenTerminator {
			return dst, nil
		}
		dst = append(dst, tok.Measurement)
	}
}

// ParseRecord parses one record without its trailing ';'.
func ParseRecord(rec []byte) (scan.Measurement, error) {
	angle, rest, ok := bytes.Cut(rec, []byte{FieldSep})
	if !ok {
		return scan.Measurement{}, fmt.Errorf("%w: %q", ErrMalformedRecord, rec)
	}
	dist, qual, ok := bytes.Cut(rest, []byte{FieldSep})
	if !ok {
		return scan.Measurement{}, fmt.Errorf("%w: %q", ErrMalformedRecord, rec)
	}

	a, err := strconv.ParseFloat(string(angle), 64)
	if err != nil {
		return scan.Measurement{}, fmt.Errorf("%w: angle %q", ErrMalformedRecord, angle)
	}
	dm, err := strconv.ParseFloat(string(dist), 64)
	if err != nil {
		return scan.Measurement{}, fmt.Errorf("%w: distance %q", ErrMalformedRecord, dist)
	}
	q, err := strconv.ParseUint(string(qual), 10, 8)
	if err != nil {
		return scan.Measurement{}, fmt.Errorf("%w: quality %q", ErrMalformedRecord, qual)
	}
	return scan.Measurement{AngleDeg: a, DistanceMM: dm, Quality: uint8(q)}, nil
}
