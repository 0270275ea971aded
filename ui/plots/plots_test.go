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
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PluralisResearch/AsyncPP/losses"
	"github.com/PluralisResearch/AsyncPP/pipeline"
	"github.com/PluralisResearch/AsyncPP/transport"
	"github.com/PluralisResearch/AsyncPP/transport/local"
	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

func TestAddPoint(t *testing.T) {
	ps := New(640, 320)
	ps.AddPoint("Train: batch loss", "loss", 0, 4.0)
	ps.AddPoint("Train: batch loss", "loss", 1, 2.0)
	ps.AddPoint("Train: moving avg loss", "loss", 1, 3.0)

	// Invalid points are dropped.
	ps.AddPoint("Train: batch loss", "loss", 2, math.NaN())
	ps.AddPoint("Train: batch loss", "loss", 2, math.Inf(1))
	ps.AddPoint("Train: batch loss", "loss", math.NaN(), 1.0)

	require.Len(t, ps.PerMetricType, 1)
	plot := ps.PerMetricType["loss"]
	require.NotNil(t, plot)
	require.Len(t, plot.PerName, 2)
	assert.Equal(t, 2, plot.PerName["Train: batch loss"].Size())
	assert.Equal(t, 1, plot.PerName["Train: moving avg loss"].Size())
	assert.Equal(t, 3, plot.allPoints.Size())
}

func TestAddValues(t *testing.T) {
	ps := New(640, 320)
	ps.AddValues("loss", "loss", []float64{3, 2, 1})
	require.Len(t, ps.PerMetricType, 1)
	assert.Equal(t, 3, ps.PerMetricType["loss"].PerName["loss"].Size())
}

func TestPointsCollection(t *testing.T) {
	raw := []Point{
		{MetricName: "loss", MetricType: "loss", Step: 0, Value: 4},
		{MetricName: "loss", MetricType: "loss", Step: 1, Value: 2},
		{MetricName: "accuracy", MetricType: "accuracy", Step: 1, Value: 0.5},
	}
	points := NewPoints(raw)
	require.Len(t, points, 2)

	// Names ordered by metric type, then name.
	assert.Equal(t, []string{"accuracy", "loss"}, points.MetricsNames())

	// Extract returns points in step order.
	extracted := points.Extract()
	require.Len(t, extracted, 3)
	assert.Equal(t, 0.0, extracted[0].Step)

	// Map transforms in place.
	points.Map(func(p *Point) { p.Value *= 10 })
	assert.Equal(t, 40.0, points[0][0].Value)

	// Filter drops points and empty steps.
	points.Filter(func(p Point) bool { return p.MetricName == "loss" })
	require.Len(t, points[1], 1)
	assert.Equal(t, "loss", points[1][0].MetricName)

	// Add merges collections.
	other := NewPoints([]Point{{MetricName: "loss", MetricType: "loss", Step: 2, Value: 1}})
	points.Add(other)
	require.Len(t, points, 3)

	table := points.TableForMetrics()
	assert.Contains(t, table, "Step")
	assert.Contains(t, table, "loss")
	assert.Contains(t, table, "40.000000")
}

func TestFileRoundTrip(t *testing.T) {
	pointsPath := filepath.Join(t.TempDir(), TrainingPlotFileName)

	// A missing file is fine on the first run.
	ps, err := New(640, 320).WithFile(pointsPath)
	require.NoError(t, err)
	ps.AddPoint("loss", "loss", 0, 4)
	ps.AddPoint("loss", "loss", 1, 2)
	ps.Done()

	loaded, err := LoadPoints(pointsPath)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, Point{MetricName: "loss", MetricType: "loss", Step: 0, Value: 4}, loaded[0])

	// A second run preloads the existing points and appends to them.
	ps2, err := New(640, 320).WithFile(pointsPath)
	require.NoError(t, err)
	assert.Equal(t, 2, ps2.PerMetricType["loss"].PerName["loss"].Size())
	ps2.AddPoint("loss", "loss", 2, 1)
	ps2.Done()

	loaded, err = LoadPoints(pointsPath)
	require.NoError(t, err)
	require.Len(t, loaded, 3)

	// Preload with renaming.
	ps3, err := New(640, 320).PreloadFile(pointsPath, func(name string) string { return "Train: " + name })
	require.NoError(t, err)
	assert.Equal(t, 3, ps3.PerMetricType["loss"].PerName["Train: loss"].Size())

	// LoadPointsFromDir joins the default file name.
	fromDir, err := LoadPointsFromDir(filepath.Dir(pointsPath))
	require.NoError(t, err)
	assert.Len(t, fromDir, 3)

	_, err = LoadPoints(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestSaveSVG(t *testing.T) {
	dir := t.TempDir()

	// A single point per series is not enough to draw anything.
	ps := New(640, 320)
	ps.AddPoint("loss", "loss", 0, 4)
	svgPath := filepath.Join(dir, "plot.svg")
	require.NoError(t, ps.SaveSVG(svgPath))
	_, err := os.Stat(svgPath)
	require.True(t, os.IsNotExist(err))

	// A single metric type renders at the exact path.
	ps.AddPoint("loss", "loss", 1, 2)
	ps.AddPoint("loss", "loss", 2, 1)
	require.NoError(t, ps.SaveSVG(svgPath))
	contents, err := os.ReadFile(svgPath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "<svg")
	assert.Contains(t, string(contents), "Steps")

	// Multiple metric types render to one file each.
	ps.AddPoint("accuracy", "accuracy", 0, 0.1)
	ps.AddPoint("accuracy", "accuracy", 1, 0.9)
	require.NoError(t, ps.SaveSVG(svgPath))
	for _, name := range []string{"plot-loss.svg", "plot-accuracy.svg"} {
		contents, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Contains(t, string(contents), "<svg")
	}
}

// passThroughModule is a parameterless stage that returns its input unchanged.
type passThroughModule struct{}

func (passThroughModule) Forward(input *tensors.Tensor) (*tensors.Tensor, any, error) {
	return input, nil, nil
}

func (passThroughModule) Backward(_ any, _ *tensors.Tensor) (*tensors.Tensor, []*tensors.Tensor, error) {
	return nil, nil, nil
}

func (passThroughModule) Parameters() []*tensors.Tensor { return nil }

// rampDataset yields (i+1, 2*(i+1)) scalar pairs, so the pass-through loss
// ramps up with the microbatch index.
type rampDataset struct {
	n, next int
}

func (ds *rampDataset) Name() string { return "ramp" }
func (ds *rampDataset) Reset()       { ds.next = 0 }

func (ds *rampDataset) Yield() (input, target *tensors.Tensor, err error) {
	if ds.next >= ds.n {
		return nil, nil, io.EOF
	}
	v := float64(ds.next + 1)
	ds.next++
	return tensors.FromFlatDataAndDimensions([]float64{v}, 1),
		tensors.FromFlatDataAndDimensions([]float64{2 * v}, 1), nil
}

func TestAttachLossPlot(t *testing.T) {
	dir := t.TempDir()
	svgPath := filepath.Join(dir, "loss.svg")
	pointsPath := filepath.Join(dir, TrainingPlotFileName)

	fabric := local.NewFabric(1, 1)
	coord := pipeline.Build(
		[]transport.Transport{fabric.Endpoint(0)},
		[]pipeline.Module{passThroughModule{}},
		losses.MeanSquaredError).
		Done()
	ps := AttachLossPlot(coord, svgPath, 1)
	_, err := ps.WithFile(pointsPath)
	require.NoError(t, err)

	require.NoError(t, coord.Run(&rampDataset{n: 3}))

	// Both the raw and the smoothed series collected every microbatch.
	plot := ps.PerMetricType["loss"]
	require.NotNil(t, plot)
	assert.Equal(t, 3, plot.PerName["Train: batch loss"].Size())
	assert.Equal(t, 3, plot.PerName["Train: moving avg loss"].Size())

	// The rendered SVG names both series.
	contents, err := os.ReadFile(svgPath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "<svg")
	assert.True(t, strings.Contains(string(contents), "batch loss"))

	// Points were persisted for the next run.
	loaded, err := LoadPoints(pointsPath)
	require.NoError(t, err)
	assert.Len(t, loaded, 6)
}

func TestAttachLossPlotSampling(t *testing.T) {
	fabric := local.NewFabric(1, 1)
	coord := pipeline.Build(
		[]transport.Transport{fabric.Endpoint(0)},
		[]pipeline.Module{passThroughModule{}},
		losses.MeanSquaredError).
		Done()
	ps := AttachLossPlot(coord, "", 2)

	require.NoError(t, coord.Run(&rampDataset{n: 5}))

	// Microbatches 0, 2 and 4 sampled.
	plot := ps.PerMetricType["loss"]
	require.NotNil(t, plot)
	assert.Equal(t, 3, plot.PerName["Train: batch loss"].Size())
}
