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

// asyncpp-checkpoints reports on a checkpoint directory written by
// pipeline.Checkpoints: the saved checkpoints, the latest one's parameter
// tensors, and the training metrics collected alongside.
//
// Usage:
//
//	asyncpp-checkpoints [-list|-summary|-tensors|-metrics] <checkpoint-dir>
//
// Without report flags it prints the summary.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/PluralisResearch/AsyncPP/pipeline"
	"github.com/PluralisResearch/AsyncPP/types"
	"github.com/PluralisResearch/AsyncPP/types/xslices"
	"github.com/PluralisResearch/AsyncPP/ui/plots"
)

var (
	flagList = flag.Bool("list", false,
		"List every saved checkpoint with its size and save time.")
	flagSummary = flag.Bool("summary", false,
		"Display a summary of the latest checkpoint: run, stages, versions and parameter sizes.")
	flagTensors = flag.Bool("tensors", false,
		"List the parameter tensors of the latest checkpoint, per stage.")
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Table of the metrics collected for plotting in file %q.", plots.TrainingPlotFileName))
	flagMetricsNames = flag.String("metrics_names", "",
		"Comma-separated list of metric names to include in the -metrics report. Empty includes all.")
	flagMetricsTypes = flag.String("metrics_types", "",
		"Comma-separated list of metric types to include in the -metrics report. Empty includes all.")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'asyncpp-checkpoints -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'asyncpp-checkpoints -help'")
		os.Exit(1)
	}
	if !*flagList && !*flagSummary && !*flagTensors && !*flagMetrics {
		*flagSummary = true
	}
	report(args[0])
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func report(dir string) {
	if *flagList {
		listCheckpoints(dir)
	}
	if *flagSummary || *flagTensors {
		files := must.M1(pipeline.ListCheckpointFiles(dir))
		if len(files) == 0 {
			klog.Errorf("No checkpoints found in %q", dir)
			os.Exit(1)
		}
		latest := xslices.Last(files)
		info := must.M1(pipeline.InspectCheckpoint(latest))
		if *flagSummary {
			summary(dir, latest, info)
		}
		if *flagTensors {
			tensorsReport(info)
		}
	}
	if *flagMetrics {
		metrics(dir)
	}
}

func listCheckpoints(dir string) {
	files := must.M1(pipeline.ListCheckpointFiles(dir))
	fmt.Println(titleStyle.Render("Checkpoints"))
	table := newPlainTable(true)
	table.Headers("Checkpoint", "Saved", "Size")
	for _, file := range files {
		stat := must.M1(os.Stat(file))
		table.Row(filepath.Base(file),
			stat.ModTime().Format("2006-01-02 15:04:05"),
			humanize.Bytes(uint64(stat.Size())))
	}
	fmt.Println(table.Render())
}

func summary(dir, latest string, info *pipeline.CheckpointInfo) {
	var numTensors, totalSize int
	var totalMemory uintptr
	for _, stage := range info.Stages {
		numTensors += len(stage.Params)
		for _, param := range stage.Params {
			totalSize += param.Size()
			totalMemory += param.Memory()
		}
	}
	optimizerSteps := xslices.Map(info.Stages, func(s pipeline.StageCheckpoint) int64 { return s.OptimizerSteps })

	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("directory", dir)
	table.Row("checkpoint", filepath.Base(latest))
	table.Row("run", info.RunID)
	table.Row("stages", humanize.Comma(int64(info.NumStages)))
	table.Row("stage versions", fmt.Sprint(info.Versions))
	table.Row("optimizer steps", fmt.Sprint(optimizerSteps))
	table.Row("# tensors", humanize.Comma(int64(numTensors)))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	fmt.Println(table.Render())
}

func tensorsReport(info *pipeline.CheckpointInfo) {
	fmt.Println(titleStyle.Render("Tensors"))
	table := newPlainTable(true)
	table.Headers("Stage", "Param", "Shape", "Size", "Bytes")
	for stage, saved := range info.Stages {
		for ii, param := range saved.Params {
			table.Row(
				fmt.Sprintf("%d", stage),
				fmt.Sprintf("#%d", ii),
				param.Shape().String(),
				humanize.Comma(int64(param.Size())),
				humanize.Bytes(uint64(param.Memory())))
		}
	}
	fmt.Println(table.Render())
}

func metrics(dir string) {
	rawPoints := must.M1(plots.LoadPointsFromDir(dir))
	if len(rawPoints) == 0 {
		klog.Errorf("No metrics found in %q", filepath.Join(dir, plots.TrainingPlotFileName))
		return
	}
	points := plots.NewPoints(rawPoints)
	if *flagMetricsTypes != "" {
		wanted := types.SetWith(strings.Split(*flagMetricsTypes, ",")...)
		points.Filter(func(p plots.Point) bool { return wanted.Has(p.MetricType) })
	}
	var names []string
	if *flagMetricsNames != "" {
		names = strings.Split(*flagMetricsNames, ",")
	}
	fmt.Println(titleStyle.Render("Metrics"))
	fmt.Println(points.TableForMetrics(names...))
}
