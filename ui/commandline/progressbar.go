// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/moerouter/pkg/ml/moe"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBar displays the progress of a simulation, one step per forward pass, with a table of
// the accumulated routing statistics.
type ProgressBar struct {
	numPasses int
	bar       *progressbar.ProgressBar

	// Accumulated over all updates. Only accessed by the caller of Update.
	total          moe.Stats
	passDurations  []time.Duration
	passesReported int

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// NewProgressBar creates a commandline progress bar for numPasses forward passes.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
//
// Call Update after each pass, and Done at the end.
func NewProgressBar(numPasses int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		numPasses:      numPasses,
		extraMetricFns: extraMetrics,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.bar = progressbar.NewOptions(numPasses,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("passes"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so passes are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return pBar
}

// Update reports the statistics of one forward pass, typically aggregated over all the workers.
func (pBar *ProgressBar) Update(stats *moe.Stats) {
	pBar.total.Merge(stats)
	pBar.passDurations = append(pBar.passDurations, stats.Total)
	pBar.passesReported++
	pBar.updates <- progressBarUpdate{amount: 1, rows: pBar.statsRows()}
}

// Summary returns the statistics accumulated so far.
func (pBar *ProgressBar) Summary() moe.Stats {
	return pBar.total
}

func (pBar *ProgressBar) statsRows() [][2]string {
	return [][2]string{
		{"Pass", fmt.Sprintf("%s of %s", humanize.Comma(int64(pBar.passesReported)), humanize.Comma(int64(pBar.numPasses)))},
		{"Median pass duration", FormatDuration(median(pBar.passDurations))},
		{"Elements routed", humanize.Comma(int64(pBar.total.Sent))},
		{"Elements dropped", fmt.Sprintf("%s (%.2f%%)", humanize.Comma(int64(pBar.total.Dropped)), 100*pBar.total.DropRate())},
		{"Expert slot utilization", fmt.Sprintf("%.1f%%", 100*pBar.total.Utilization())},
	}
}

func median(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// drawUpdates asynchronously draws the updates: handy if the passes are faster than the terminal.
func (pBar *ProgressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
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

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Clear the previous lines that will be overwritten: table rows, its 2 borders and the bar line.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(len(update.rows) + len(pBar.extraMetricFns) + 3)
		}
		pBar.isFirstOutput = false

		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Print("\033[J\n")
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Done waits for the pending updates to be displayed, and restores the terminal.
func (pBar *ProgressBar) Done() {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
}
