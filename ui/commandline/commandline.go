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

// Package commandline contains convenience UI tools to drive and observe
// pipeline training runs from the command line: a progress bar with live
// stats, hyperparameter settings flags and a post-run report.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/PluralisResearch/AsyncPP/pipeline"
)

// ReportRun writes a summary of a finished (or stopped) run to w: schedule
// policy, microbatch counts, per-stage parameter versions and transport
// traffic.
func ReportRun(w io.Writer, coord *pipeline.Coordinator) error {
	policy := coord.Policy()
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	table.Row("Run", coord.RunID())
	table.Row("Stages", fmt.Sprintf("%d", coord.NumStages()))
	table.Row("Policy", fmt.Sprintf("window=%d accumulate=%d", policy.Window, policy.Accumulate))
	table.Row("Microbatches", fmt.Sprintf("%s injected / %s drained",
		humanize.Comma(coord.Injected()), humanize.Comma(coord.Drained())))
	table.Row("Stage versions", formatVersions(coord.Versions()))
	for stage, stats := range coord.TransportStats() {
		table.Row(fmt.Sprintf("Stage %d traffic", stage), stats.String())
	}
	_, err := fmt.Fprintln(w, table.String())
	return err
}
