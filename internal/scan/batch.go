// Package scan holds the measurement data model shared by drivers, the frame
// encoder and the diagnostics surface.
package scan

import (
	"cmp"
	"slices"
)

// MaxMeasurementsPerBatch bounds one sweep. It matches the node buffer the
// vendor SDK hands to its grab call; an RPLIDAR A-series sweep at the highest
// sample rate stays well below it.
const MaxMeasurementsPerBatch = 8192

// Measurement is one range sample. Values are immutable once produced.
type Measurement struct {
	AngleDeg   float64 `json:"angle_deg"`
	DistanceMM float64 `json:"distance_mm"`
	Quality    uint8   `json:"quality"`
}

// Valid reports whether the sample carries a range reading. Devices emit
// zero-distance samples for directions with no return.
func (m Measurement) Valid() bool { return m.DistanceMM > 0 }

// Batch is a fixed-capacity arena holding one sweep. The backing storage is
// allocated once and reused for every sweep of a session.
type Batch struct {
	buf []Measurement
	n   int
}

// NewBatch allocates a batch arena. A capacity <= 0 selects
// MaxMeasurementsPerBatch.
func NewBatch(capacity int) *Batch {
	if capacity <= 0 {
		capacity = MaxMeasurementsPerBatch
	}
	return &Batch{buf: make([]Measurement, capacity)}
}

// Reset empties the batch without releasing storage.
func (b *Batch) Reset() { b.n = 0 }

// Append adds m at the next index. It returns false, leaving the batch
// unchanged, once the arena is full.
func (b *Batch) Append(m Measurement) bool {
	if b.n == len(b.buf) {
		return false
	}
	b.buf[b.n] = m
	b.n++
	return true
}

// Len returns the number of measurements held.
func (b *Batch) Len() int { return b.n }

// Cap returns the arena capacity.
func (b *Batch) Cap() int { return len(b.buf) }

// Full reports whether another Append would be refused.
func (b *Batch) Full() bool { return b.n == len(b.buf) }

// At returns the measurement at index i.
func (b *Batch) At(i int) Measurement { return b.buf[i] }

// Measurements returns a view of the held measurements. The view is only
// valid until the next Reset or Append; callers must copy to retain it.
func (b *Batch) Measurements() []Measurement { return b.buf[:b.n:b.n] }

// ValidCount returns the number of samples with a non-zero distance.
func (b *Batch) ValidCount() int {
	n := 0
	for _, m := range b.buf[:b.n] {
		if m.Valid() {
			n++
		}
	}
	return n
}

// SortByAngle orders the batch by ascending angle. Equal angles keep their
// emission order.
func (b *Batch) SortByAngle() {
	slices.SortStableFunc(b.buf[:b.n], func(x, y Measurement) int {
		return cmp.Compare(x.AngleDeg, y.AngleDeg)
	})
}

// Sorted reports whether angles are non-decreasing.
func (b *Batch) Sorted() bool {
	return slices.IsSortedFunc(b.buf[:b.n], func(x, y Measurement) int {
		return cmp.Compare(x.AngleDeg, y.AngleDeg)
	})
}

// CopyTo appends the held measurements to dst and returns it.
func (b *Batch) CopyTo(dst []Measurement) []Measurement {
	return append(dst, b.buf[:b.n]...)
}
