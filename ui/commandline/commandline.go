// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: parsing of the routing
// settings, a progress bar for simulations and tables with routing statistics.
package commandline

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/moerouter/pkg/ml/moe"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)

	// TitleStyle is used for the titles of the reports.
	TitleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// NewPlainTable returns a table with alternating row styles, and the given column alignments. The last
// alignment is used for the remaining columns. Rows for which isRed returns true are highlighted.
func NewPlainTable(withHeader bool, isRed func(row int) bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row < 0 {
				s = headerRowStyle
				return
			}
			switch {
			case isRed != nil && isRed(row):
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			s = s.Align(alignment)
			return
		})
}

// StatsTable renders a table with one row per worker: the elements it sent, received and dropped.
// Rows of workers that dropped elements are highlighted. traffic, if given, holds the bytes sent and
// received by each worker.
func StatsTable(stats []*moe.Stats, traffic [][2]int64) string {
	table := NewPlainTable(true, func(row int) bool {
		return row >= 0 && row < len(stats) && stats[row].Dropped > 0
	}, lipgloss.Right)
	headers := []string{"Worker", "Passes", "Sent", "Received", "Dropped", "Drop rate", "Rows", "Padded", "Capacity"}
	if traffic != nil {
		headers = append(headers, "Bytes sent", "Bytes received")
	}
	table.Headers(headers...)
	for worker, s := range stats {
		row := []string{
			fmt.Sprintf("#%d", s.Worker),
			humanize.Comma(int64(s.Pass + 1)),
			humanize.Comma(int64(s.Sent)),
			humanize.Comma(int64(s.Received)),
			humanize.Comma(int64(s.Dropped)),
			fmt.Sprintf("%.2f%%", 100*s.DropRate()),
			humanize.Comma(int64(s.Rows)),
			humanize.Comma(int64(s.Padded)),
			humanize.Comma(int64(s.Capacity)),
		}
		if traffic != nil {
			row = append(row, humanize.Bytes(uint64(traffic[worker][0])), humanize.Bytes(uint64(traffic[worker][1])))
		}
		table.Row(row...)
	}
	return table.Render()
}

// PhasesTable renders the time spent on each phase of the forward passes, summed over the passes, for
// each worker.
func PhasesTable(stats []*moe.Stats) string {
	table := NewPlainTable(true, nil, lipgloss.Right)
	if len(stats) == 0 {
		return table.Render()
	}
	phases := stats[0].Phases()
	headers := []string{"Phase"}
	for _, s := range stats {
		headers = append(headers, fmt.Sprintf("Worker #%d", s.Worker))
	}
	table.Headers(headers...)
	for _, phase := range phases {
		row := []string{phase.String()}
		for _, s := range stats {
			row = append(row, FormatDuration(s.Durations[phase]))
		}
		table.Row(row...)
	}
	total := []string{"Total"}
	for _, s := range stats {
		total = append(total, FormatDuration(s.Total))
	}
	table.Row(total...)
	return table.Render()
}
