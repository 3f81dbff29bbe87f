// Package classifier loads the pretrained decoder and maps a preprocessed
// feature vector to class probabilities.
package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/rtdecnef/internal/fsutil"
)

// ErrFeatureCount is returned when a vector does not match the model's
// number of features.
var ErrFeatureCount = errors.New("feature count does not match classifier")

// Classifier returns a probability for every class; the values sum to 1.
type Classifier interface {
	PredictProba(x []float64) ([]float64, error)
	NumClasses() int
}

// Logistic is a linear model with a logistic (binary) or softmax
// (multinomial) link.
type Logistic struct {
	coef      *mat.Dense
	intercept *mat.VecDense
	classes   []int
}

// Model is the on-disk JSON form of a linear classifier.
type Model struct {
	Kind      string      `json:"kind"`
	Classes   []int       `json:"classes,omitempty"`
	Coef      [][]float64 `json:"coef"`
	Intercept []float64   `json:"intercept"`
}

// NewLogistic builds a model from coefficient rows and intercepts. One row
// means a binary model over classes {0, 1}.
func NewLogistic(coef [][]float64, intercept []float64) (*Logistic, error) {
	if len(coef) == 0 || len(coef[0]) == 0 {
		return nil, errors.New("classifier has no coefficients")
	}
	if len(intercept) != len(coef) {
		return nil, fmt.Errorf("classifier has %d coefficient rows but %d intercepts", len(coef), len(intercept))
	}
	nf := len(coef[0])
	data := make([]float64, 0, len(coef)*nf)
	for i, row := range coef {
		if len(row) != nf {
			return nil, fmt.Errorf("coefficient row %d has %d features, want %d", i, len(row), nf)
		}
		data = append(data, row...)
	}
	return &Logistic{
		coef:      mat.NewDense(len(coef), nf, data),
		intercept: mat.NewVecDense(len(intercept), append([]float64(nil), intercept...)),
	}, nil
}

// Load reads a Model JSON file.
func Load(fs fsutil.FileSystem, path string) (*Logistic, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse classifier %s: %w", path, err)
	}
	if m.Kind != "" && m.Kind != "logistic" {
		return nil, fmt.Errorf("classifier %s: unsupported kind %q", path, m.Kind)
	}
	l, err := NewLogistic(m.Coef, m.Intercept)
	if err != nil {
		return nil, fmt.Errorf("classifier %s: %w", path, err)
	}
	if len(m.Classes) > 0 {
		if len(m.Classes) != l.NumClasses() {
			return nil, fmt.Errorf("classifier %s: %d class labels for %d classes", path, len(m.Classes), l.NumClasses())
		}
		seen := make(map[int]bool, len(m.Classes))
		for _, c := range m.Classes {
			if seen[c] {
				return nil, fmt.Errorf("classifier %s: duplicate class label %d", path, c)
			}
			seen[c] = true
		}
		l.classes = m.Classes
	}
	return l, nil
}

// NumFeatures is the expected input length.
func (l *Logistic) NumFeatures() int {
	_, c := l.coef.Dims()
	return c
}

// NumClasses is 2 for a binary model, otherwise the number of rows.
func (l *Logistic) NumClasses() int {
	r, _ := l.coef.Dims()
	if r == 1 {
		return 2
	}
	return r
}

// Classes returns the class labels, defaulting to 0..n-1.
func (l *Logistic) Classes() []int {
	if l.classes != nil {
		return l.classes
	}
	out := make([]int, l.NumClasses())
	for i := range out {
		out[i] = i
	}
	return out
}

// ClassIndex returns the column of PredictProba that holds label.
func (l *Logistic) ClassIndex(label int) (int, bool) {
	for i, c := range l.Classes() {
		if c == label {
			return i, true
		}
	}
	return 0, false
}

func (l *Logistic) PredictProba(x []float64) ([]float64, error) {
	if len(x) != l.NumFeatures() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrFeatureCount, len(x), l.NumFeatures())
	}
	var z mat.VecDense
	z.MulVec(l.coef, mat.NewVecDense(len(x), x))
	z.AddVec(&z, l.intercept)

	if z.Len() == 1 {
		p := sigmoid(z.AtVec(0))
		return []float64{1 - p, p}, nil
	}
	return softmax(z.RawVector().Data), nil
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

func softmax(z []float64) []float64 {
	out := make([]float64, len(z))
	copy(out, z)
	floats.AddConst(-floats.Max(out), out)
	for i, v := range out {
		out[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}
