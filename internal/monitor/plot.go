package monitor

import (
	"errors"
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/motion.relay/internal/db"
	"github.com/banshee-data/motion.relay/internal/motion"
)

var ErrNoCycles = errors.New("run has no recorded cycles")

// Default PNG size.
const (
	PlotWidth  = 14 * vg.Inch
	PlotHeight = 6 * vg.Inch
)

var (
	colorPrevious = color.RGBA{R: 0x31, G: 0x68, B: 0x8e, A: 0xff}
	colorCurrent  = color.RGBA{R: 0x35, G: 0xb7, B: 0x79, A: 0xff}
	colorGYMean   = color.RGBA{R: 0xfd, G: 0xa0, B: 0x1e, A: 0xff}
	colorChanged  = color.RGBA{R: 0xff, G: 0x52, B: 0x52, A: 0xff}
	colorAbandon  = color.RGBA{R: 0x9e, G: 0x9e, B: 0x9e, A: 0xff}
)

// PlotRun draws the GX window averages and the running GY mean of each cycle.
// Cycles that flagged a change are marked in red and abandoned cycles in grey.
func PlotRun(title string, cycles []db.Cycle) (*plot.Plot, error) {
	if len(cycles) == 0 {
		return nil, ErrNoCycles
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Cycle"
	p.Y.Label.Text = "Reading"

	prevPts := make(plotter.XYs, 0, len(cycles))
	currPts := make(plotter.XYs, 0, len(cycles))
	gyPts := make(plotter.XYs, 0, len(cycles))
	var changedPts, abandonedPts plotter.XYs

	for _, c := range cycles {
		x := float64(c.Cycle)
		gyPts = append(gyPts, plotter.XY{X: x, Y: c.GYMean})
		if c.Abandoned {
			abandonedPts = append(abandonedPts, plotter.XY{X: x, Y: c.GXMean})
			continue
		}
		// insufficient cycles carry no window averages
		if c.DX != motion.FlagInsufficient {
			prevPts = append(prevPts, plotter.XY{X: x, Y: c.GXPrevious})
			currPts = append(currPts, plotter.XY{X: x, Y: c.GXCurrent})
		}
		if c.DX == motion.FlagChanged || c.DY == motion.FlagChanged {
			changedPts = append(changedPts, plotter.XY{X: x, Y: c.GXCurrent})
		}
	}

	lines := []struct {
		label string
		pts   plotter.XYs
		color color.Color
	}{
		{"gx previous", prevPts, colorPrevious},
		{"gx current", currPts, colorCurrent},
		{"gy mean", gyPts, colorGYMean},
	}
	for _, l := range lines {
		if len(l.pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(l.pts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.label, err)
		}
		line.Color = l.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(l.label, line)
	}

	markers := []struct {
		label string
		pts   plotter.XYs
		color color.Color
	}{
		{"changed", changedPts, colorChanged},
		{"abandoned", abandonedPts, colorAbandon},
	}
	for _, m := range markers {
		if len(m.pts) == 0 {
			continue
		}
		sc, err := plotter.NewScatter(m.pts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.label, err)
		}
		sc.GlyphStyle.Color = m.color
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add(m.label, sc)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	p.Add(plotter.NewGrid())
	return p, nil
}

// WritePNG plots cycles and encodes the result as PNG.
func WritePNG(w io.Writer, title string, cycles []db.Cycle) error {
	p, err := PlotRun(title, cycles)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(PlotWidth, PlotHeight, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// SavePNG plots cycles into the file at path.
func SavePNG(path, title string, cycles []db.Cycle) error {
	p, err := PlotRun(title, cycles)
	if err != nil {
		return err
	}
	return p.Save(PlotWidth, PlotHeight, path)
}
