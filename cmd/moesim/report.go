package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/moerouter/pkg/ml/moe"
	"github.com/gomlx/moerouter/ui/commandline"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// workerTotals merges the stats of all the passes of each worker. traffic is nil if the transport
// doesn't report it.
func workerTotals(results []*workerResult) (totals []*moe.Stats, traffic [][2]int64) {
	var hasTraffic bool
	for _, r := range results {
		total := &moe.Stats{Worker: r.worker, Pass: len(r.passes) - 1}
		for _, pr := range r.passes {
			total.BatchSize += pr.stats.BatchSize
			total.SeqLen = pr.stats.SeqLen
			total.Capacity = pr.stats.Capacity
			total.Merge(pr.stats)
		}
		totals = append(totals, total)
		traffic = append(traffic, r.traffic)
		hasTraffic = hasTraffic || r.traffic != [2]int64{}
	}
	if !hasTraffic {
		traffic = nil
	}
	return
}

// groupDropped returns the number of elements dropped in each pass, over all the given workers.
func groupDropped(results []*workerResult, numPasses int) []int {
	dropped := make([]int, numPasses)
	for _, r := range results {
		for pass, pr := range r.passes {
			dropped[pass] += pr.stats.Dropped
		}
	}
	return dropped
}

// printReport prints the tables with the statistics of each worker, and the verification summary, if any.
func printReport(totals []*moe.Stats, traffic [][2]int64, v *verification) {
	fmt.Println(commandline.TitleStyle.Render("Routing statistics"))
	fmt.Println(commandline.StatsTable(totals, traffic))
	fmt.Println(commandline.TitleStyle.Render("Time per phase"))
	fmt.Println(commandline.PhasesTable(totals))
	if v == nil {
		return
	}
	fmt.Println(commandline.TitleStyle.Render("Verification"))
	table := commandline.NewPlainTable(false, nil, lipgloss.Right, lipgloss.Left)
	table.Row("passes verified", humanize.Comma(int64(v.checked)))
	table.Row("passes skipped (dropped elements)", humanize.Comma(int64(v.skipped)))
	table.Row("max absolute error", fmt.Sprintf("%.3g", v.maxError))
	fmt.Println(table.Render())
}

// plotDropRates saves a chart with the drop rate of each worker per pass to path. The image format is
// taken from the file extension (.png, .svg, .pdf, ...).
func plotDropRates(results []*workerResult, path string) error {
	p := plot.New()
	p.Title.Text = "Elements dropped for lack of capacity"
	p.X.Label.Text = "pass"
	p.Y.Label.Text = "drop rate (%)"
	p.Y.Min = 0

	var lines []any
	for _, r := range results {
		points := make(plotter.XYs, len(r.passes))
		for i, pr := range r.passes {
			points[i].X = float64(pr.stats.Pass)
			points[i].Y = 100 * pr.stats.DropRate()
		}
		lines = append(lines, fmt.Sprintf("worker #%d", r.worker), points)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrap(err, "failed to plot drop rates")
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", path)
	}
	return nil
}
