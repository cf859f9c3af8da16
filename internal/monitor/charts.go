// Package monitor renders recorded runs as charts: interactive HTML on the
// debug server and static PNGs for offline inspection.
package monitor

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/motion.relay/internal/db"
)

// RenderCyclesChart writes an HTML page with the window averages of every
// completed cycle of run and, below it, the dx/dy flags sent to the actuator.
// Abandoned cycles are left as gaps.
func RenderCyclesChart(w io.Writer, run db.Run, cycles []db.Cycle) error {
	x := make([]uint32, 0, len(cycles))
	prev := make([]opts.LineData, 0, len(cycles))
	curr := make([]opts.LineData, 0, len(cycles))
	gxMean := make([]opts.LineData, 0, len(cycles))
	gyMean := make([]opts.LineData, 0, len(cycles))
	dx := make([]opts.LineData, 0, len(cycles))
	dy := make([]opts.LineData, 0, len(cycles))

	for _, c := range cycles {
		x = append(x, c.Cycle)
		if c.Abandoned {
			prev = append(prev, opts.LineData{Value: "-"})
			curr = append(curr, opts.LineData{Value: "-"})
			gxMean = append(gxMean, opts.LineData{Value: c.GXMean})
			gyMean = append(gyMean, opts.LineData{Value: c.GYMean})
			dx = append(dx, opts.LineData{Value: "-"})
			dy = append(dy, opts.LineData{Value: "-"})
			continue
		}
		prev = append(prev, opts.LineData{Value: c.GXPrevious})
		curr = append(curr, opts.LineData{Value: c.GXCurrent})
		gxMean = append(gxMean, opts.LineData{Value: c.GXMean})
		gyMean = append(gyMean, opts.LineData{Value: c.GYMean})
		dx = append(dx, opts.LineData{Value: int(c.DX)})
		dy = append(dy, opts.LineData{Value: int(c.DY)})
	}

	subtitle := fmt.Sprintf("run=%s started=%s window=%d cycles=%d",
		run.ID, run.StartedAt.Format(time.RFC3339), run.WindowSize, len(cycles))

	averages := charts.NewLine()
	averages.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "motion.relay cycles", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "GX window averages", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cycle", NameLocation: "middle", NameGap: 25}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	averages.SetXAxis(x).
		AddSeries("gx previous", prev).
		AddSeries("gx current", curr).
		AddSeries("gx mean", gxMean).
		AddSeries("gy mean", gyMean)

	flags := charts.NewLine()
	flags.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "Actuator flags", Subtitle: "-1 insufficient, 0 steady, 1 changed"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithYAxisOpts(opts.YAxis{Min: -1, Max: 1}),
	)
	flags.SetXAxis(x).
		AddSeries("dx", dx).
		AddSeries("dy", dy)

	page := components.NewPage()
	page.AddCharts(averages, flags)
	return page.Render(w)
}
