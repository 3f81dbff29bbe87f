package classifier

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rtdecnef/internal/fsutil"
)

func TestLogistic_Binary(t *testing.T) {
	t.Parallel()
	l, err := NewLogistic([][]float64{{1, -1}}, []float64{0.5})
	require.NoError(t, err)
	assert.Equal(t, 2, l.NumClasses())
	assert.Equal(t, 2, l.NumFeatures())
	assert.Equal(t, []int{0, 1}, l.Classes())

	p, err := l.PredictProba([]float64{2, 1})
	require.NoError(t, err)
	want := 1 / (1 + math.Exp(-1.5))
	assert.InDelta(t, want, p[1], 1e-12)
	assert.InDelta(t, 1-want, p[0], 1e-12)

	p, err = l.PredictProba([]float64{-1000, 0})
	require.NoError(t, err)
	assert.False(t, math.IsNaN(p[1]))
	assert.InDelta(t, 1, p[0], 1e-12)

	_, err = l.PredictProba([]float64{1})
	assert.ErrorIs(t, err, ErrFeatureCount)
}

func TestLogistic_Softmax(t *testing.T) {
	t.Parallel()
	l, err := NewLogistic([][]float64{{1, 0}, {0, 1}, {0, 0}}, []float64{0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 3, l.NumClasses())

	p, err := l.PredictProba([]float64{math.Log(2), math.Log(3)})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2.0 / 6, 3.0 / 6, 1.0 / 6}, p, 1e-12)

	p, err = l.PredictProba([]float64{800, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1, p[0], 1e-12, "large logits must not overflow")
}

func TestNewLogistic_Errors(t *testing.T) {
	t.Parallel()
	_, err := NewLogistic(nil, nil)
	assert.Error(t, err)
	_, err = NewLogistic([][]float64{{1, 2}}, []float64{0, 1})
	assert.Error(t, err)
	_, err = NewLogistic([][]float64{{1, 2}, {1}}, []float64{0, 1})
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, fs.WriteFile("/m/clf.json",
		[]byte(`{"kind":"logistic","classes":[3,7],"coef":[[0.5,0.5]],"intercept":[0]}`), 0o644))
	require.NoError(t, fs.WriteFile("/m/svm.json", []byte(`{"kind":"svm","coef":[[1]],"intercept":[0]}`), 0o644))
	require.NoError(t, fs.WriteFile("/m/labels.json", []byte(`{"classes":[1,2,3],"coef":[[1]],"intercept":[0]}`), 0o644))
	require.NoError(t, fs.WriteFile("/m/bad.json", []byte(`{`), 0o644))
	require.NoError(t, fs.WriteFile("/m/dup.json", []byte(`{"classes":[4,4],"coef":[[1]],"intercept":[0]}`), 0o644))

	l, err := Load(fs, "/m/clf.json")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 7}, l.Classes())
	p, err := l.PredictProba([]float64{0, 0})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.5}, p)

	for _, path := range []string{"/m/svm.json", "/m/labels.json", "/m/bad.json", "/m/dup.json", "/m/missing.json"} {
		_, err := Load(fs, path)
		assert.Error(t, err, path)
	}
}

func TestClassIndex(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, fs.WriteFile("/m/clf.json",
		[]byte(`{"classes":[3,7],"coef":[[1,0]],"intercept":[0]}`), 0o644))
	labeled, err := Load(fs, "/m/clf.json")
	require.NoError(t, err)

	i, ok := labeled.ClassIndex(7)
	assert.True(t, ok)
	assert.Equal(t, 1, i)
	i, ok = labeled.ClassIndex(3)
	assert.True(t, ok)
	assert.Equal(t, 0, i)
	_, ok = labeled.ClassIndex(1)
	assert.False(t, ok, "positions are not labels once classes are set")

	plain, err := NewLogistic([][]float64{{1, 0}}, []float64{0})
	require.NoError(t, err)
	i, ok = plain.ClassIndex(1)
	assert.True(t, ok)
	assert.Equal(t, 1, i)
	_, ok = plain.ClassIndex(2)
	assert.False(t, ok)
}
