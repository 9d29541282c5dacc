package scan

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes one sweep for diagnostics. Only samples with a range
// reading contribute to the distance and quality figures.
type Summary struct {
	Count          int     `json:"count"`
	Valid          int     `json:"valid"`
	MinAngleDeg    float64 `json:"min_angle_deg"`
	MaxAngleDeg    float64 `json:"max_angle_deg"`
	MeanDistanceMM float64 `json:"mean_distance_mm"`
	StdDistanceMM  float64 `json:"std_distance_mm"`
	MaxDistanceMM  float64 `json:"max_distance_mm"`
	MeanQuality    float64 `json:"mean_quality"`
}

// Summarize computes a Summary for ms.
func Summarize(ms []Measurement) Summary {
	s := Summary{Count: len(ms)}
	if len(ms) == 0 {
		return s
	}

	angles := make([]float64, len(ms))
	dists := make([]float64, 0, len(ms))
	quals := make([]float64, 0, len(ms))
	for i, m := range ms {
		angles[i] = m.AngleDeg
		if m.Valid() {
			dists = append(dists, m.DistanceMM)
			quals = append(quals, float64(m.Quality))
		}
	}
	s.MinAngleDeg = floats.Min(angles)
	s.MaxAngleDeg = floats.Max(angles)
	s.Valid = len(dists)

	switch len(dists) {
	case 0:
	case 1:
		s.MeanDistanceMM = dists[0]
		s.MaxDistanceMM = dists[0]
		s.MeanQuality = quals[0]
	default:
		s.MeanDistanceMM, s.StdDistanceMM = stat.MeanStdDev(dists, nil)
		s.MaxDistanceMM = floats.Max(dists)
		s.MeanQuality = stat.Mean(quals, nil)
	}
	return s
}

// Summary computes the Summary of the batch's current contents.
func (b *Batch) Summary() Summary { return Summarize(b.Measurements()) }
