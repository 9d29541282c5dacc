package scan

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchArenaCapacity(t *testing.T) {
	b := NewBatch(3)
	require.Equal(t, 3, b.Cap())

	for i := 0; i < 3; i++ {
		require.True(t, b.Append(Measurement{AngleDeg: float64(i)}))
	}
	assert.True(t, b.Full())
	assert.False(t, b.Append(Measurement{AngleDeg: 99}), "append beyond capacity must be refused")
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 2.0, b.At(2).AngleDeg)

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 3, b.Cap(), "reset keeps storage")
}

func TestNewBatchDefaultCapacity(t *testing.T) {
	assert.Equal(t, MaxMeasurementsPerBatch, NewBatch(0).Cap())
}

func TestSortByAngleNonDecreasing(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	b := NewBatch(0)
	for i := 0; i < 720; i++ {
		b.Append(Measurement{
			AngleDeg:   rng.Float64() * 360,
			DistanceMM: rng.Float64() * 12000,
			Quality:    uint8(rng.Intn(64)),
		})
	}
	require.False(t, b.Sorted())

	b.SortByAngle()

	ms := b.Measurements()
	for i := 1; i < len(ms); i++ {
		if ms[i].AngleDeg < ms[i-1].AngleDeg {
			t.Fatalf("angle decreased at %d: %v < %v", i, ms[i].AngleDeg, ms[i-1].AngleDeg)
		}
	}
	assert.True(t, b.Sorted())
}

func TestSortByAngleIsStable(t *testing.T) {
	b := NewBatch(4)
	b.Append(Measurement{AngleDeg: 10, DistanceMM: 1})
	b.Append(Measurement{AngleDeg: 5, DistanceMM: 2})
	b.Append(Measurement{AngleDeg: 10, DistanceMM: 3})
	b.Append(Measurement{AngleDeg: 5, DistanceMM: 4})

	b.SortByAngle()

	want := []Measurement{
		{AngleDeg: 5, DistanceMM: 2},
		{AngleDeg: 5, DistanceMM: 4},
		{AngleDeg: 10, DistanceMM: 1},
		{AngleDeg: 10, DistanceMM: 3},
	}
	if diff := cmp.Diff(want, b.Measurements()); diff != "" {
		t.Errorf("sorted batch mismatch (-want +got):\n%s", diff)
	}
}

func TestValidCountAndCopy(t *testing.T) {
	b := NewBatch(4)
	b.Append(Measurement{AngleDeg: 1, DistanceMM: 0})
	b.Append(Measurement{AngleDeg: 2, DistanceMM: 100})
	assert.Equal(t, 1, b.ValidCount())

	cp := b.CopyTo(nil)
	b.Reset()
	b.Append(Measurement{AngleDeg: 3})
	assert.Len(t, cp, 2)
	assert.Equal(t, 1.0, cp[0].AngleDeg, "copy must not alias the arena")
}

func TestSummarize(t *testing.T) {
	ms := []Measurement{
		{AngleDeg: 350, DistanceMM: 1000, Quality: 10},
		{AngleDeg: 10, DistanceMM: 3000, Quality: 30},
		{AngleDeg: 20, DistanceMM: 0, Quality: 0},
	}
	got := Summarize(ms)
	want := Summary{
		Count:          3,
		Valid:          2,
		MinAngleDeg:    10,
		MaxAngleDeg:    350,
		MeanDistanceMM: 2000,
		StdDistanceMM:  1414.2135623730951,
		MaxDistanceMM:  3000,
		MeanQuality:    20,
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("Summarize mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, Summary{}, Summarize(nil))
	single := Summarize([]Measurement{{AngleDeg: 5, DistanceMM: 40, Quality: 3}})
	assert.Equal(t, 40.0, single.MeanDistanceMM)
	assert.Zero(t, single.StdDistanceMM)
}
