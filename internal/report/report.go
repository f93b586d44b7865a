// Package report renders the scan progress curve: a PNG for the archive
// next to the final CSV, an HTML chart for the API, and a CSV export of the
// histogram.
package report

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"image/color"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/laserscan/internal/sweep"
)

// echartsAssetsPrefix is where rendered pages load echarts.min.js from.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// ErrNoPoints is returned when there is nothing to draw.
var ErrNoPoints = errors.New("no progress points")

var (
	lineColor   = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	markerColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// WriteProgressPNG draws rate against wavenumber and saves it to path.
func WriteProgressPNG(points []sweep.ProgressPoint, title, path string) error {
	if len(points) == 0 {
		return ErrNoPoints
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Wavenumber (cm^-1)"
	p.Y.Label.Text = "Events / bunch"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(points))
	for i, pt := range points {
		pts[i].X = pt.Wavenumber
		pts[i].Y = pt.Rate
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to create line: %w", err)
	}
	line.Color = lineColor
	line.Width = vg.Points(1)

	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("failed to create scatter: %w", err)
	}
	scatter.GlyphStyle.Color = markerColor
	scatter.GlyphStyle.Radius = vg.Points(2)

	p.Add(line, scatter)

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}
	return nil
}

// RenderProgressHTML writes a standalone echarts page with the progress
// curve. An empty curve still renders an empty chart.
func RenderProgressHTML(w io.Writer, points []sweep.ProgressPoint, subtitle string) error {
	data := make([]opts.LineData, 0, len(points))
	counts := make([]opts.BarData, 0, len(points))
	x := make([]string, 0, len(points))
	for _, pt := range points {
		x = append(x, strconv.FormatFloat(pt.Wavenumber, 'f', 4, 64))
		data = append(data, opts.LineData{Value: pt.Rate})
		counts = append(counts, opts.BarData{Value: pt.Bunches})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Scan Progress", Theme: "dark", Width: "100%", Height: "520px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Events per bunch", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Wavenumber (cm^-1)", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Rate", NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(x).AddSeries("rate", data,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}),
	)

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "100%", Height: "320px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Bunches per point"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).AddSeries("bunches", counts)

	page := components.NewPage()
	page.PageTitle = "Scan Progress"
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(line, bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("render error: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ProgressHeader is the column order of WriteProgressCSV.
var ProgressHeader = []string{"wavenumber", "rate", "events", "bunches", "measured_wn"}

// WriteProgressCSV exports the histogram, one row per merged key.
func WriteProgressCSV(w io.Writer, points []sweep.ProgressPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ProgressHeader); err != nil {
		return err
	}
	for _, pt := range points {
		row := []string{
			strconv.FormatFloat(pt.Wavenumber, 'f', -1, 64),
			strconv.FormatFloat(pt.Rate, 'f', -1, 64),
			strconv.FormatInt(pt.Events, 10),
			strconv.FormatInt(pt.Bunches, 10),
			strconv.FormatFloat(pt.MeasuredWN, 'f', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
