package predict

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Scaler standardizes feature vectors to zero mean and unit variance using
// population statistics. Dimensions without variance are only centered.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler computes per-dimension statistics over rows. All rows must have
// the same length.
func FitScaler(rows [][]float64) Scaler {
	if len(rows) == 0 {
		return Scaler{}
	}
	dims := len(rows[0])
	s := Scaler{Mean: make([]float64, dims), Scale: make([]float64, dims)}
	col := make([]float64, len(rows))
	for j := 0; j < dims; j++ {
		for i, r := range rows {
			col[i] = r[j]
		}
		mean, variance := stat.PopMeanVariance(col, nil)
		s.Mean[j] = mean
		s.Scale[j] = 1
		if sd := math.Sqrt(variance); sd > 0 {
			s.Scale[j] = sd
		}
	}
	return s
}

// Transform returns a scaled copy of x.
func (s Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		if j >= len(s.Mean) {
			out[j] = v
			continue
		}
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out
}
