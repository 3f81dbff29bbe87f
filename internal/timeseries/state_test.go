package timeseries

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/rtdecnef/internal/artifact"
	"github.com/banshee-data/rtdecnef/internal/frame"
	"github.com/banshee-data/rtdecnef/internal/fsutil"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestDetrend_MatchesLeastSquares(t *testing.T) {
	t.Parallel()
	n := 7
	x := make([]float64, n)
	col0 := make([]float64, n)
	col1 := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
		col0[i] = 3 + 0.5*float64(i) + math.Sin(float64(i))
		col1[i] = -2*float64(i) + float64(i*i)/10
	}
	m := mat.NewDense(n, 2, nil)
	m.SetCol(0, col0)
	m.SetCol(1, col1)

	got := Detrend(m)

	for j, y := range [][]float64{col0, col1} {
		alpha, beta := stat.LinearRegression(x, y, nil, false)
		want := make([]float64, n)
		for i := range y {
			want[i] = y[i] - (alpha + beta*x[i])
		}
		if diff := cmp.Diff(want, mat.Col(nil, j, got), approx); diff != "" {
			t.Errorf("column %d mismatch (-want +got):\n%s", j, diff)
		}
	}
	assert.Equal(t, col0[3], m.At(3, 0), "input must not be modified")
}

func TestDetrend_EdgeShapes(t *testing.T) {
	t.Parallel()
	one := Detrend(mat.NewDense(1, 3, []float64{4, 5, 6}))
	assert.Equal(t, []float64{0, 0, 0}, mat.Row(nil, 0, one))

	line := Detrend(mat.NewDense(4, 1, []float64{1, 3, 5, 7}))
	if diff := cmp.Diff([]float64{0, 0, 0, 0}, mat.Col(nil, 0, line), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("pure trend should vanish:\n%s", diff)
	}

	// More columns than batches exercises the column blocking.
	wide := mat.NewDense(3, 23, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 23; j++ {
			wide.Set(i, j, float64(i*j))
		}
	}
	r, c := Detrend(wide).Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 23, c)
	for j := 0; j < 23; j++ {
		assert.InDelta(t, 0, mat.Sum(Detrend(wide).Slice(0, 3, j, j+1)), 1e-9)
	}
}

func TestStandardize_EpsGuard(t *testing.T) {
	t.Parallel()
	got := Standardize([]float64{3, 5}, []float64{1, 5}, []float64{0, 2})
	assert.Equal(t, []float64{2, 0}, got)
}

func feed(t *testing.T, s *State, layout frame.Layout, vectors [][]float64) [][]float64 {
	t.Helper()
	var out [][]float64
	for i, v := range vectors {
		idx := layout.FirstIndex + i
		f := &frame.Frame{Index: idx, Phase: layout.PhaseOf(idx), Raw: v}
		pre, _, err := s.Ingest(f)
		require.NoError(t, err)
		if f.Phase == frame.PhaseTask {
			require.NotNil(t, pre, "task frame %d", idx)
			out = append(out, pre)
		} else {
			assert.Nil(t, pre, "non-task frame %d", idx)
		}
	}
	return out
}

func TestIngest_Phases(t *testing.T) {
	t.Parallel()
	s, err := New(ToTimeseries)
	require.NoError(t, err)
	layout := frame.Layout{FirstIndex: 1, HeatupFrames: 2, BaselineFrames: 3}

	out := feed(t, s, layout, [][]float64{
		{100, 100}, {100, 100}, // heatup, discarded
		{1, 2}, {2, 2}, {3, 2}, // baseline
		{4, 2}, {6, 2}, // task
	})
	h, b, k := s.Counts()
	assert.Equal(t, []int{2, 3, 2}, []int{h, b, k})
	require.Len(t, out, 2)

	// Whole run for column 0 is 1,2,3,4,6: detrended residuals then z-scored.
	x := []float64{0, 1, 2, 3, 4}
	y := []float64{1, 2, 3, 4, 6}
	alpha, beta := stat.LinearRegression(x, y, nil, false)
	res := make([]float64, 5)
	for i := range y {
		res[i] = y[i] - (alpha + beta*x[i])
	}
	mean, std := stat.PopMeanStdDev(res, nil)
	assert.InDelta(t, (res[4]-mean)/std, out[1][0], 1e-9)
	assert.Equal(t, 0.0, out[1][1], "constant feature has std guarded to 1")
}

func TestIngest_ToBaseline(t *testing.T) {
	t.Parallel()
	s, err := New(ToBaseline)
	require.NoError(t, err)
	layout := frame.Layout{FirstIndex: 0, BaselineFrames: 3}

	out := feed(t, s, layout, [][]float64{{1}, {3}, {2}, {10}})
	require.Len(t, out, 1)

	base := Detrend(mat.NewDense(3, 1, []float64{1, 3, 2}))
	mean, std := ColumnStats(base)
	whole := Detrend(mat.NewDense(4, 1, []float64{1, 3, 2, 10}))
	want := (whole.At(3, 0) - mean[0]) / std[0]
	assert.InDelta(t, want, out[0][0], 1e-12)
}

func TestIngest_ToBaselineNeedsBaseline(t *testing.T) {
	t.Parallel()
	s, err := New(ToBaseline)
	require.NoError(t, err)
	_, _, err = s.Ingest(&frame.Frame{Index: 1, Phase: frame.PhaseTask, Raw: []float64{1}})
	assert.ErrorIs(t, err, ErrNoBaseline)
}

func TestIngest_ToModelSessionDeterministic(t *testing.T) {
	t.Parallel()
	ref := &artifact.Stats{Mean: []float64{0.1, -0.2, 0}, Std: []float64{1.5, 0.5, 0}}
	layout := frame.Layout{FirstIndex: 1, HeatupFrames: 1, BaselineFrames: 2}
	vectors := [][]float64{
		{9, 9, 9},
		{1.1, 2.2, 3.3}, {0.7, 2.9, 3.1},
		{1.9, 1.4, 3.0}, {2.4, 0.8, 2.2}, {0.3, 1.7, 4.4},
	}

	run := func() [][]float64 {
		s, err := New(ToModelSession, WithReference(ref))
		require.NoError(t, err)
		return feed(t, s, layout, vectors)
	}
	first, second := run(), run()
	assert.Equal(t, first, second, "identical inputs must give bit-identical outputs")

	whole := mat.NewDense(5, 3, nil)
	for i, v := range vectors[1:] {
		whole.SetRow(i, v)
	}
	last := mat.Row(nil, 4, Detrend(whole))
	assert.Equal(t, Standardize(last, ref.Mean, ref.Std), first[2])
}

func TestIngest_DimensionMismatchIsAtomic(t *testing.T) {
	t.Parallel()
	s, err := New(ToTimeseries)
	require.NoError(t, err)

	_, _, err = s.Ingest(&frame.Frame{Index: 1, Phase: frame.PhaseBaseline, Raw: []float64{1, 2}})
	require.NoError(t, err)
	_, _, err = s.Ingest(&frame.Frame{Index: 2, Phase: frame.PhaseTask, Raw: []float64{1, 2, 3}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, _, err = s.Ingest(&frame.Frame{Index: 2, Phase: frame.PhaseTask})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, b, k := s.Counts()
	assert.Equal(t, 1, b)
	assert.Equal(t, 0, k)

	ms, err := New(ToModelSession, WithReference(&artifact.Stats{Mean: []float64{0}, Std: []float64{1}}))
	require.NoError(t, err)
	_, _, err = ms.Ingest(&frame.Frame{Index: 1, Phase: frame.PhaseTask, Raw: []float64{1, 2}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()
	_, err := New(ToModelSession)
	assert.Error(t, err)
	_, err = New(Mode("to_nothing"))
	assert.Error(t, err)
	_, err = ParseMode("to_nothing")
	assert.Error(t, err)
	m, err := ParseMode("to_timeseries")
	require.NoError(t, err)
	assert.Equal(t, ToTimeseries, m)
}

func TestSnapshots(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	s, err := New(ToBaseline, WithSnapshotter(DirSnapshotter{Dir: "/run/preprocessed", FS: fs}))
	require.NoError(t, err)
	layout := frame.Layout{FirstIndex: 1, BaselineFrames: 2}
	feed(t, s, layout, [][]float64{{1, 2}, {2, 4}, {5, 1}})

	whole, err := LoadSnapshot(fs, "/run/preprocessed", SnapshotWhole)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 1}, mat.Row(nil, 2, whole))

	for _, name := range []string{SnapshotBaseline, SnapshotTask, SnapshotDetrendedBaseline} {
		_, err := LoadSnapshot(fs, "/run/preprocessed", name)
		assert.NoError(t, err, name)
	}
	assert.False(t, fs.Exists("/run/preprocessed/task.mat.tmp"))

	_, err = LoadSnapshot(fs, "/run/preprocessed", "missing")
	assert.Error(t, err)
}
