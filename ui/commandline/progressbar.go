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

package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"

	"github.com/PluralisResearch/AsyncPP/pipeline"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called each time the progress bar is updated, and it should return a name and the
// current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressBarName is the hook name under which the progress bar registers itself
// on the Coordinator.
const ProgressBarName = "asyncpp.ui.commandline.progressBar"

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// movingLossBeta is the decay of the exponential moving average of the
// microbatch loss shown next to the raw value.
const movingLossBeta = 0.95

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps    int
	bar         *progressbar.ProgressBar
	startTime   time.Time
	lastDrained int

	movingLoss     float64
	hasMovingLoss  bool
	extraMetricFns []ExtraMetricFn

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

type progressBarUpdate struct {
	amount  int
	metrics []string
}

func (pBar *progressBar) onStart(_ *pipeline.Coordinator) error {
	pBar.startTime = time.Now()
	pBar.lastDrained = 0
	if pBar.numSteps <= 0 {
		pBar.numSteps = 1000 // Guess for now.
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	return nil
}

func (pBar *progressBar) onStep(coord *pipeline.Coordinator, out pipeline.Output) error {
	if pBar.bar.IsFinished() {
		return nil
	}

	drained := int(coord.Drained())
	amount := drained - pBar.lastDrained
	if amount <= 0 {
		return nil
	}
	pBar.lastDrained = drained

	if pBar.hasMovingLoss {
		pBar.movingLoss = movingLossBeta*pBar.movingLoss + (1-movingLossBeta)*out.Loss
	} else {
		pBar.movingLoss = out.Loss
		pBar.hasMovingLoss = true
	}

	// Enqueue an update to be asynchronously printed.
	update := progressBarUpdate{
		amount: amount,
		metrics: []string{
			fmt.Sprintf("%s of %s", humanize.Comma(int64(drained)), humanize.Comma(int64(pBar.numSteps))),
			fmt.Sprintf("%.5g", out.Loss),
			fmt.Sprintf("%.5g", pBar.movingLoss),
			formatVersions(coord.Versions()),
			FormatDuration(pBar.meanStepDuration(drained)),
		},
	}
	pBar.updates <- update
	return nil
}

func (pBar *progressBar) onEnd(_ *pipeline.Coordinator) error {
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	fmt.Println()
	return nil
}

// meanStepDuration averages the wall time over the microbatches drained so far.
func (pBar *progressBar) meanStepDuration(drained int) time.Duration {
	if drained <= 0 {
		return 0
	}
	return time.Since(pBar.startTime) / time.Duration(drained)
}

// formatVersions pretty-prints the per-stage parameter versions.
func formatVersions(versions []int64) string {
	parts := make([]byte, 0, 16)
	parts = append(parts, '[')
	for ii, v := range versions {
		if ii > 0 {
			parts = append(parts, ' ')
		}
		parts = append(parts, humanize.Comma(v)...)
	}
	parts = append(parts, ']')
	return string(parts)
}

// statsRowNames are the left column of the stats table, matching the order of
// progressBarUpdate.metrics.
var statsRowNames = []string{"Microbatch", "Batch loss", "Moving avg loss", "Stage versions", "Mean step duration"}

// AttachProgressBar creates a commandline progress bar and attaches it to the Coordinator,
// so that when the run is driven (Run, RunEpochs or a manual inject/drain loop) it displays
// a progress bar with progression and training stats.
//
// numSteps is the total number of microbatches expected for the run, used to scale the bar;
// pass <= 0 if unknown.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(coord *pipeline.Coordinator, numSteps int, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		numSteps:       numSteps,
		extraMetricFns: extraMetrics,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go func() {
		// Asynchronously draw updates: this is handy if the pipeline is faster than the
		// terminal, in particular if running on cloud, with a relatively slow network
		// connection.
		for update := range pBar.updates {
			// Exhaust the updates in the buffer:
			amount := update.amount
		exhaust:
			for {
				select {
				case newUpdate, ok := <-pBar.updates:
					if !ok {
						break exhaust
					}
					amount += newUpdate.amount
					update = newUpdate
				default:
					break exhaust
				}
			}

			// Create the table to be printed.
			pBar.statsTable.Data(lgtable.NewStringData())
			for rowIdx, rowName := range statsRowNames {
				pBar.statsTable.Row(rowName, update.metrics[rowIdx])
			}
			for _, extraMetric := range pBar.extraMetricFns {
				name, value := extraMetric()
				pBar.statsTable.Row(name, value)
			}

			// For the command-line, we clear the previous lines that will be overwritten.
			pBar.termenv.HideCursor()
			if !pBar.isFirstOutput {
				numLinesToBackup := len(statsRowNames) + 2 + 2 + len(pBar.extraMetricFns)
				pBar.termenv.CursorPrevLine(numLinesToBackup)
			}
			pBar.isFirstOutput = false

			// Print update.
			fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
			_ = pBar.bar.Add(amount) // Prints progress bar line.
			fmt.Println()
			pBar.termenv.ShowCursor()
			time.Sleep(maxUpdateFrequency)
		}
		pBar.asyncUpdatesDone.Done()
	}()

	coord.OnStart(ProgressBarName, 0, pBar.onStart)
	coord.OnStep(ProgressBarName, 0, pBar.onStep)
	coord.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
