package predict

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// rcond is the relative singular-value cutoff used to decide rank.
const rcond = 1e-10

// Model is one fitted linear regression.
type Model struct {
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
	MSE          float64   `json:"mse"`
}

func (m Model) Predict(x []float64) float64 {
	y := m.Intercept
	for j, c := range m.Coefficients {
		y += c * x[j]
	}
	return y
}

// fitOLS solves ordinary least squares with an intercept column via a thin
// SVD. Singular values below rcond are dropped, which yields the minimum-norm
// solution when the design is rank deficient (constant or collinear columns).
func fitOLS(x [][]float64, y []float64) (Model, error) {
	n := len(x)
	if n == 0 || n != len(y) {
		return Model{}, fmt.Errorf("ols: %d rows for %d targets", n, len(y))
	}
	p := len(x[0])
	data := make([]float64, 0, n*(p+1))
	for _, row := range x {
		data = append(data, 1)
		data = append(data, row...)
	}
	a := mat.NewDense(n, p+1, data)
	b := mat.NewVecDense(n, append([]float64(nil), y...))

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return Model{}, errors.New("ols: svd factorization failed")
	}
	rank := svd.Rank(rcond)
	if rank == 0 {
		return Model{Coefficients: make([]float64, p)}, nil
	}
	var beta mat.VecDense
	svd.SolveVecTo(&beta, b, rank)

	coef := make([]float64, p)
	for j := 0; j < p; j++ {
		coef[j] = beta.AtVec(j + 1)
	}
	return Model{Coefficients: coef, Intercept: beta.AtVec(0)}, nil
}

func meanSquaredError(m Model, x [][]float64, y []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for i, row := range x {
		d := m.Predict(row) - y[i]
		sum += d * d
	}
	return sum / float64(len(x))
}
