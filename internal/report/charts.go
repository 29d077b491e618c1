package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/MrWong99/engagemeter/internal/observe"
)

// Chart file names inside a session's report directory.
const (
	PieFile  = "emotion_pie.png"
	LineFile = "engagement_line.png"
)

// Charts holds the paths of rendered chart images. Both are nil when the log
// has no data.
type Charts struct {
	EmotionPie     *string `json:"emotion_pie"`
	EngagementLine *string `json:"engagement_line"`
}

// ChartRenderer renders session charts as PNG files under a report directory.
type ChartRenderer struct {
	agg *Aggregator
	dir string
}

// NewChartRenderer returns a renderer that reads logs through agg and writes
// to dir/<session id>/.
func NewChartRenderer(agg *Aggregator, dir string) *ChartRenderer {
	return &ChartRenderer{agg: agg, dir: dir}
}

// Dir returns the report root directory.
func (c *ChartRenderer) Dir() string { return c.dir }

// Render analyses the log of sessionID and renders its charts.
func (c *ChartRenderer) Render(ctx context.Context, sessionID string) (Charts, error) {
	return c.RenderReport(ctx, c.agg.Analyze(ctx, sessionID))
}

// RenderReport renders the charts of an already computed report. Existing
// files are overwritten.
func (c *ChartRenderer) RenderReport(ctx context.Context, rep Report) (Charts, error) {
	if !rep.HasData() {
		return Charts{}, nil
	}
	ctx, span := observe.StartSpan(ctx, "report.Render")
	defer span.End()

	out := filepath.Join(c.dir, rep.SessionID)
	if err := os.MkdirAll(out, 0o755); err != nil {
		return Charts{}, fmt.Errorf("report: create report dir: %w", err)
	}

	piePath := filepath.Join(out, PieFile)
	if err := writeChart(piePath, pieChart(rep.Summary.Distribution)); err != nil {
		return Charts{}, err
	}
	linePath := filepath.Join(out, LineFile)
	if err := writeChart(linePath, lineChart(rep.Timeline)); err != nil {
		return Charts{}, err
	}
	observe.Logger(ctx).Debug("charts rendered", "session_id", rep.SessionID, "dir", out)
	return Charts{EmotionPie: &piePath, EngagementLine: &linePath}, nil
}

type renderable interface {
	Render(rp chart.RendererProvider, w io.Writer) error
}

func writeChart(path string, r renderable) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", filepath.Base(path), err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("report: close %s: %w", filepath.Base(path), cerr)
		}
	}()
	if err := r.Render(chart.PNG, f); err != nil {
		return fmt.Errorf("report: render %s: %w", filepath.Base(path), err)
	}
	return nil
}

// pieChart orders slices by label so output is stable.
func pieChart(dist map[string]int) chart.PieChart {
	labels := make([]string, 0, len(dist))
	for l := range dist {
		labels = append(labels, l)
	}
	slices.Sort(labels)
	values := make([]chart.Value, 0, len(labels))
	for _, l := range labels {
		values = append(values, chart.Value{Label: l, Value: float64(dist[l])})
	}
	return chart.PieChart{
		Title:  "Emotion Distribution",
		Width:  600,
		Height: 600,
		Values: values,
	}
}

func lineChart(timeline []float64) chart.Chart {
	ys := timeline
	if len(ys) == 1 {
		// A single point has no x range to draw.
		ys = []float64{ys[0], ys[0]}
	}
	xs := make([]float64, len(ys))
	for i := range xs {
		xs[i] = float64(i)
	}
	return chart.Chart{
		Title:  "Engagement Over Time",
		Width:  1000,
		Height: 400,
		XAxis:  chart.XAxis{Name: "Frame Index"},
		YAxis: chart.YAxis{
			Name:  "Engagement",
			Range: &chart.ContinuousRange{Min: 0, Max: max(1, slices.Max(ys))},
		},
		Series: []chart.Series{
			chart.ContinuousSeries{Name: "eng_smooth", XValues: xs, YValues: ys},
		},
	}
}
