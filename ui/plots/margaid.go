/*
 *	Copyright 2025 Pluralis Research
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	mg "github.com/erkkah/margaid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/PluralisResearch/AsyncPP/pipeline"
	"github.com/PluralisResearch/AsyncPP/types/xslices"
)

// LossPlotName is the hook name under which AttachLossPlot registers itself
// on the Coordinator.
const LossPlotName = "asyncpp.ui.plots.loss"

// movingAvgBeta is the decay of the exponential moving average series that
// AttachLossPlot draws next to the raw microbatch loss.
const movingAvgBeta = 0.95

// Plots holds many plots for different metrics. They are organized per "metric type",
// where the metric type is a unit/quantity unique name. It's assumed that series of the
// same "metric type" can share the same Y-axis and hence the same plot.
type Plots struct {
	// Image dimensions.
	Width, Height int

	// Plot per metric type.
	PerMetricType map[string]*Plot

	// Default projection of the graph on X, Y axis.
	xProjection, yProjection mg.Projection

	// fileWriter saves new points to a file, asynchronously. Only used if
	// WithFile was called.
	fileWriter     chan Point
	fileWriterDone chan struct{}
}

// New creates a new Plots structure.
//
// It starts empty and can have points added manually with Plots.AddPoint or
// automatically with AttachLossPlot.
//
// Use Plots.SaveSVG or Plot.WriteSVG to actually generate the plots.
func New(width, height int) *Plots {
	return &Plots{
		Width:       width,
		Height:      height,
		xProjection: mg.Lin,
		yProjection: mg.Lin,
	}
}

// Plot holds the series of the metrics that share the same Y axis.
// They are organized per name of the metric.
type Plot struct {
	MetricType string

	// PerName maps a metric name to its series.
	PerName map[string]*mg.Series

	// allPoints collects all points from all series, to configure the axis.
	allPoints *mg.Series

	xProjection, yProjection mg.Projection
}

// WithFile uses the filePath both to load previous data points and to save any
// new data points, as JSON lines.
//
// New data-points are saved asynchronously -- not to slow down training, with the
// downside of potentially having I/O issues reported asynchronously. Call Done to
// flush and stop the writer.
//
// Consider using TrainingPlotFileName as the file name, if you don't have one.
func (ps *Plots) WithFile(filePath string) (*Plots, error) {
	_, err := ps.PreloadFile(filePath, nil)
	if err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	}

	// Create/append file with upcoming metrics.
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open Plots file %q for append", filePath)
	}
	ps.fileWriter = make(chan Point, 100)
	ps.fileWriterDone = make(chan struct{})
	go func(f *os.File, fileWriter <-chan Point) {
		enc := json.NewEncoder(f)
		errLogCount := 0
		errLogStep := 1
		for point := range fileWriter {
			err = enc.Encode(point)
			if err != nil {
				errLogCount++
				if errLogCount%errLogStep == 0 {
					klog.Errorf("failed (%d times) to write to Plots log file in %q: %+v", errLogCount, filePath, err)
					errLogStep *= 10
				}
			}
		}
		_ = f.Close()
		close(ps.fileWriterDone)
	}(f, ps.fileWriter)
	return ps, nil
}

// PreloadFile loads data points from filePath, without writing anything to it.
// The metric names can be renamed with renameFn -- leave it as nil for no changes.
func (ps *Plots) PreloadFile(filePath string, renameFn func(metricName string) string) (*Plots, error) {
	points, err := LoadPoints(filePath)
	if err != nil {
		return nil, err
	}
	for _, point := range points {
		if renameFn != nil {
			point.MetricName = renameFn(point.MetricName)
		}
		ps.AddPoint(point.MetricName, point.MetricType, point.Step, point.Value)
	}
	return ps, nil
}

// minPoints is the minimum number of points per metricName/metricType: used to decide
// if there is anything to plot yet.
func (ps *Plots) minPoints() int {
	minPoints := -1
	for _, plt := range ps.PerMetricType {
		for _, series := range plt.PerName {
			numPoints := series.Size()
			if minPoints < 0 || numPoints < minPoints {
				minPoints = numPoints
			}
		}
	}
	return minPoints
}

// Done indicates that no more points are coming. This flushes and closes the
// asynchronous job writing new points.
func (ps *Plots) Done() {
	if ps.fileWriter != nil {
		close(ps.fileWriter)
		<-ps.fileWriterDone
		ps.fileWriter = nil
		ps.fileWriterDone = nil
	}
}

// LogScaleX sets Plots to use a log scale on the X-axis.
// If not set, it uses linear scale.
func (ps *Plots) LogScaleX() *Plots {
	ps.xProjection = mg.Log
	return ps
}

// LogScaleY sets Plots to use a log scale on the Y-axis.
// If not set, it uses linear scale.
func (ps *Plots) LogScaleY() *Plots {
	ps.yProjection = mg.Log
	return ps
}

// AddPoint adds a point for the given metric: `step` is the x-axis, and `value` is
// the y-axis. Metrics with the same type share the same plot and y-axis.
func (ps *Plots) AddPoint(metricName, metricType string, step, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) || math.IsNaN(step) || math.IsInf(step, 0) {
		// Ignore invalid points.
		return
	}
	if ps.fileWriter != nil {
		// Save point asynchronously.
		ps.fileWriter <- Point{metricName, metricType, step, value}
	}
	if ps.PerMetricType == nil {
		ps.PerMetricType = make(map[string]*Plot)
	}
	p, found := ps.PerMetricType[metricType]
	if !found {
		p = &Plot{
			MetricType:  metricType,
			PerName:     make(map[string]*mg.Series),
			xProjection: ps.xProjection,
			yProjection: ps.yProjection,
		}
		ps.PerMetricType[metricType] = p
	}
	p.AddPoint(metricName, step, value)
}

// AddValues is a shortcut to add all `values` as y-coordinates, and it uses the
// indices of the values as x-coordinates.
// `metricName` and `metricType` define the label for the y-values and the type of
// metric (if there is more than one plot). If there is only one plot, you can
// leave them empty ("") and there will be no plot title nor labels.
func (ps *Plots) AddValues(metricName, metricType string, values []float64) {
	for ii, v := range values {
		ps.AddPoint(metricName, metricType, float64(ii), v)
	}
}

// AddPoint adds a point for the given metric. The `step` is the x-axis, and `value`
// is the y-axis.
func (p *Plot) AddPoint(metricName string, step, value float64) {
	s, found := p.PerName[metricName]
	if !found {
		s = mg.NewSeries(mg.Titled(metricName))
		p.PerName[metricName] = s
	}
	mgValue := mg.MakeValue(step, value)
	s.Add(mgValue)

	if p.allPoints == nil {
		p.allPoints = mg.NewSeries()
	}
	p.allPoints.Add(mgValue)
}

// WriteSVG renders all series of a metric type as one SVG document.
func (p *Plot) WriteSVG(w io.Writer, width, height int) error {
	if len(p.PerName) == 0 {
		return errors.Errorf("plot for metric type %q has no series to render", p.MetricType)
	}
	allSeries := make([]*mg.Series, 0, len(p.PerName))
	for _, key := range xslices.SortedKeys(p.PerName) {
		allSeries = append(allSeries, p.PerName[key])
	}
	diagram := mg.New(width, height,
		mg.WithAutorange(mg.XAxis, allSeries...),
		mg.WithProjection(mg.XAxis, p.xProjection),
		mg.WithAutorange(mg.YAxis, allSeries...),
		mg.WithProjection(mg.YAxis, p.yProjection),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range allSeries {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(p.allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Steps")
	diagram.Axis(p.allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, p.MetricType)
	diagram.Frame()
	if p.MetricType != "" {
		diagram.Title(fmt.Sprintf("%s metrics", p.MetricType))
	}
	if len(p.PerName) > 1 || xslices.SortedKeys(p.PerName)[0] != "" {
		diagram.Legend(mg.BottomLeft)
	}
	if err := diagram.Render(w); err != nil {
		return errors.Wrapf(err, "failed to render plot for %q", p.MetricType)
	}
	return nil
}

// SaveSVG renders one SVG file per metric type. With a single metric type the
// file is written at filePath; with more, the metric type is appended to the
// file name ("loss_plot.svg" becomes "loss_plot-accuracy.svg").
//
// If there are not at least two points per series there is nothing to draw,
// and SaveSVG quietly does nothing.
func (ps *Plots) SaveSVG(filePath string) error {
	if ps.minPoints() < 2 {
		return nil
	}
	metricTypes := xslices.SortedKeys(ps.PerMetricType)
	for _, metricType := range metricTypes {
		path := filePath
		if len(metricTypes) > 1 {
			ext := filepath.Ext(filePath)
			path = fmt.Sprintf("%s-%s%s", strings.TrimSuffix(filePath, ext), metricType, ext)
		}
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrapf(err, "failed to create plot file %q", path)
		}
		err = ps.PerMetricType[metricType].WriteSVG(f, ps.Width, ps.Height)
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close plot file %q", path)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// AttachLossPlot records the loss of every sampleEvery-th drained microbatch,
// along with its exponential moving average, and renders the plot to svgPath
// when the run drains cleanly. Pass svgPath == "" to only collect points; pass
// sampleEvery <= 1 to record every microbatch.
//
// Call Plots.WithFile on the returned Plots before the run starts to also
// persist the points across restarts.
func AttachLossPlot(coord *pipeline.Coordinator, svgPath string, sampleEvery int) *Plots {
	ps := New(1024, 400)
	if sampleEvery < 1 {
		sampleEvery = 1
	}
	var movingAvg float64
	hasMovingAvg := false
	count := 0
	coord.OnStep(LossPlotName, 0, func(_ *pipeline.Coordinator, out pipeline.Output) error {
		if hasMovingAvg {
			movingAvg = movingAvgBeta*movingAvg + (1-movingAvgBeta)*out.Loss
		} else {
			movingAvg = out.Loss
			hasMovingAvg = true
		}
		if count%sampleEvery == 0 {
			step := float64(out.Mb)
			ps.AddPoint("Train: batch loss", "loss", step, out.Loss)
			ps.AddPoint("Train: moving avg loss", "loss", step, movingAvg)
		}
		count++
		return nil
	})
	coord.OnEnd(LossPlotName, 120, func(_ *pipeline.Coordinator) error {
		ps.Done()
		if svgPath == "" {
			return nil
		}
		return ps.SaveSVG(svgPath)
	})
	return ps
}
