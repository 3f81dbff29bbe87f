// Package report renders the decoding feedback of a finished run: a PNG
// line plot for the run directory and an interactive HTML page.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/rtdecnef/internal/runlog"
)

// Chance is the feedback level of an uninformative binary decoder.
const Chance = 0.5

// ErrNoTrials is returned when there is nothing to plot.
var ErrNoTrials = errors.New("no decoded trials")

// TrialPoint is the feedback of one decoded trial.
type TrialPoint struct {
	TrialIdx    int
	Probability float64
	GroundTruth int
	Stimulus    string
}

// FromRows keeps the decoded trials of rows, in trial order.
func FromRows(rows []runlog.TrialRow) []TrialPoint {
	var pts []TrialPoint
	for _, r := range rows {
		if r.Probability == nil {
			continue
		}
		pts = append(pts, TrialPoint{
			TrialIdx:    r.TrialIdx,
			Probability: *r.Probability,
			GroundTruth: r.GroundTruth,
			Stimulus:    r.Stimulus,
		})
	}
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].TrialIdx < pts[j].TrialIdx })
	return pts
}

// Summary describes the feedback over a run.
type Summary struct {
	Trials      int
	Mean        float64
	Std         float64
	AboveChance int
	// Running is the cumulative mean after each trial.
	Running []float64
	// ByStimulus is the mean feedback per stimulus.
	ByStimulus map[string]float64
}

// Summarize computes run-level statistics of pts.
func Summarize(pts []TrialPoint) Summary {
	s := Summary{Trials: len(pts), ByStimulus: make(map[string]float64)}
	if len(pts) == 0 {
		return s
	}
	ps := make([]float64, len(pts))
	groups := make(map[string][]float64)
	sum := 0.0
	for i, p := range pts {
		ps[i] = p.Probability
		sum += p.Probability
		s.Running = append(s.Running, sum/float64(i+1))
		if p.Probability > Chance {
			s.AboveChance++
		}
		groups[p.Stimulus] = append(groups[p.Stimulus], p.Probability)
	}
	s.Mean, s.Std = stat.PopMeanStdDev(ps, nil)
	for k, v := range groups {
		s.ByStimulus[k] = stat.Mean(v, nil)
	}
	return s
}

// WritePNG plots the feedback per trial, its running mean and the chance
// level to path.
func WritePNG(pts []TrialPoint, title, path string) error {
	if len(pts) == 0 {
		return ErrNoTrials
	}
	sum := Summarize(pts)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Trial"
	p.Y.Label.Text = "Decoder probability"
	p.Y.Min = 0
	p.Y.Max = 1

	feedback := make(plotter.XYs, len(pts))
	running := make(plotter.XYs, len(pts))
	for i, pt := range pts {
		feedback[i] = plotter.XY{X: float64(pt.TrialIdx), Y: pt.Probability}
		running[i] = plotter.XY{X: float64(pt.TrialIdx), Y: sum.Running[i]}
	}

	line, points, err := plotter.NewLinePoints(feedback)
	if err != nil {
		return fmt.Errorf("feedback line: %w", err)
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	points.Color = line.Color

	mean, err := plotter.NewLine(running)
	if err != nil {
		return fmt.Errorf("running mean line: %w", err)
	}
	mean.Width = vg.Points(1.5)
	mean.Color = color.RGBA{R: 255, G: 127, B: 14, A: 255}

	first, last := float64(pts[0].TrialIdx), float64(pts[len(pts)-1].TrialIdx)
	if first == last {
		last++
	}
	chance, err := plotter.NewLine(plotter.XYs{{X: first, Y: Chance}, {X: last, Y: Chance}})
	if err != nil {
		return fmt.Errorf("chance line: %w", err)
	}
	chance.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	chance.Color = color.Gray{Y: 120}

	p.Add(plotter.NewGrid(), chance, line, points, mean)
	p.Legend.Add("feedback", line, points)
	p.Legend.Add("running mean", mean)
	p.Legend.Add("chance", chance)
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// WriteHTML renders an interactive page with the feedback per trial and the
// mean feedback per stimulus.
func WriteHTML(pts []TrialPoint, title string, w io.Writer) error {
	if len(pts) == 0 {
		return ErrNoTrials
	}
	sum := Summarize(pts)

	x := make([]string, len(pts))
	feedback := make([]opts.LineData, len(pts))
	running := make([]opts.LineData, len(pts))
	chance := make([]opts.LineData, len(pts))
	for i, pt := range pts {
		x[i] = fmt.Sprint(pt.TrialIdx)
		feedback[i] = opts.LineData{Value: pt.Probability, Name: pt.Stimulus}
		running[i] = opts.LineData{Value: sum.Running[i]}
		chance[i] = opts.LineData{Value: Chance}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    title,
			Subtitle: fmt.Sprintf("trials=%d mean=%.3f sd=%.3f above chance=%d", sum.Trials, sum.Mean, sum.Std, sum.AboveChance),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Trial", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Probability", Min: 0, Max: 1}),
	)
	line.SetXAxis(x).
		AddSeries("feedback", feedback, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)})).
		AddSeries("running mean", running, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)})).
		AddSeries("chance", chance, charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"}))

	stimuli := make([]string, 0, len(sum.ByStimulus))
	for k := range sum.ByStimulus {
		stimuli = append(stimuli, k)
	}
	sort.Strings(stimuli)
	bars := make([]opts.BarData, len(stimuli))
	for i, k := range stimuli {
		bars[i] = opts.BarData{Value: sum.ByStimulus[k]}
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Mean feedback per stimulus"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1}),
	)
	bar.SetXAxis(stimuli).
		AddSeries("mean", bars, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	page := components.NewPage()
	page.AddCharts(line, bar)
	return page.Render(w)
}
