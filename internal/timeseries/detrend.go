package timeseries

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// detrendBatches is the number of column blocks the detrend works through.
const detrendBatches = 10

// eps is the float64 machine epsilon. Standard deviations below it are
// treated as 1 so constant features do not divide by zero.
const eps = 2.220446049250313e-16

// Detrend removes the mean and the least-squares linear trend in sample
// index from every column of m, returning a new matrix. A single-row input
// only loses its mean.
func Detrend(m *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(m)
	r, c := out.Dims()
	if r == 0 || c == 0 {
		return out
	}

	ones := mat.NewVecDense(r, nil)
	for i := 0; i < r; i++ {
		ones.SetVec(i, 1)
	}
	reg := linearRegressor(r)

	batch := (c + detrendBatches - 1) / detrendBatches
	for lo := 0; lo < c; lo += batch {
		hi := min(lo+batch, c)
		detrendBlock(out.Slice(0, r, lo, hi).(*mat.Dense), ones, reg)
	}
	return out
}

// linearRegressor is the centred, unit-norm sample index 0..n-1, or nil when
// n < 2.
func linearRegressor(n int) *mat.VecDense {
	if n < 2 {
		return nil
	}
	reg := mat.NewVecDense(n, nil)
	centre := float64(n-1) / 2
	for i := 0; i < n; i++ {
		reg.SetVec(i, float64(i)-centre)
	}
	reg.ScaleVec(1/mat.Norm(reg, 2), reg)
	return reg
}

func detrendBlock(b *mat.Dense, ones, reg *mat.VecDense) {
	r, _ := b.Dims()

	var means mat.Dense
	means.Mul(ones.T(), b)
	means.Scale(1/float64(r), &means)
	var centre mat.Dense
	centre.Mul(ones, &means)
	b.Sub(b, &centre)

	if reg == nil {
		return
	}
	var proj mat.Dense
	proj.Mul(reg.T(), b)
	var fit mat.Dense
	fit.Mul(reg, &proj)
	b.Sub(b, &fit)
}

// ColumnStats returns the per-column mean and population standard
// deviation of m.
func ColumnStats(m *mat.Dense) (mean, std []float64) {
	r, c := m.Dims()
	mean = make([]float64, c)
	std = make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, m)
		mean[j], std[j] = stat.PopMeanStdDev(col, nil)
	}
	return mean, std
}

// Standardize returns (x - mean) / std elementwise, with std < eps treated
// as 1.
func Standardize(x, mean, std []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		s := std[i]
		if s < eps || math.IsNaN(s) {
			s = 1
		}
		out[i] = (x[i] - mean[i]) / s
	}
	return out
}

func lastRow(m *mat.Dense) []float64 {
	r, _ := m.Dims()
	return mat.Row(nil, r-1, m)
}
