package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/uwb-locator/internal/httputil"
	"github.com/banshee-data/uwb-locator/internal/uwb"
	"github.com/banshee-data/uwb-locator/internal/uwb/engine"
)

var (
	anchorColor = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	tagColor    = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
)

// mapPoints splits the resolved devices of snap by role. Unresolved devices
// have no meaningful position and are left off the map.
func mapPoints(snap *engine.Snapshot) (anchors, tags plotter.XYLabels) {
	for _, d := range snap.Devices {
		if !d.Resolved {
			continue
		}
		xy := plotter.XY{X: d.Position.X, Y: d.Position.Y}
		label := fmt.Sprintf("%s (%s)", d.Address, d.Role)
		switch d.Role {
		case uwb.RoleAnchor:
			anchors.XYs = append(anchors.XYs, xy)
			anchors.Labels = append(anchors.Labels, label)
		case uwb.RoleTag:
			tags.XYs = append(tags.XYs, xy)
			tags.Labels = append(tags.Labels, label)
		}
	}
	return anchors, tags
}

// renderMapPlot draws the top-down (x, y) view of snap.
func renderMapPlot(snap *engine.Snapshot) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Device Positions"
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	anchors, tags := mapPoints(snap)
	layers := []struct {
		name  string
		pts   plotter.XYLabels
		color color.Color
		shape draw.GlyphDrawer
	}{
		{"anchors", anchors, anchorColor, draw.TriangleGlyph{}},
		{"tags", tags, tagColor, draw.CircleGlyph{}},
	}
	for _, l := range layers {
		if len(l.pts.XYs) == 0 {
			continue
		}
		sc, err := plotter.NewScatter(l.pts.XYs)
		if err != nil {
			return nil, fmt.Errorf("%s scatter: %w", l.name, err)
		}
		sc.GlyphStyle.Color = l.color
		sc.GlyphStyle.Shape = l.shape
		sc.GlyphStyle.Radius = vg.Points(4)
		labels, err := plotter.NewLabels(l.pts)
		if err != nil {
			return nil, fmt.Errorf("%s labels: %w", l.name, err)
		}
		p.Add(sc, labels)
		p.Legend.Add(l.name, sc)
	}
	p.Legend.Top = true
	return p, nil
}

func (s *Server) mapPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	size := 8 * vg.Inch
	if v := r.URL.Query().Get("size"); v != "" {
		inches, err := strconv.ParseFloat(v, 64)
		if err != nil || inches < 2 || inches > 30 {
			httputil.BadRequest(w, "invalid 'size' parameter")
			return
		}
		size = vg.Length(inches) * vg.Inch
	}

	p, err := renderMapPlot(s.snapshot())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build plot: %v", err))
		return
	}
	wt, err := p.WriterTo(size, size, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func scatterData(pts plotter.XYLabels) []opts.ScatterData {
	data := make([]opts.ScatterData, 0, len(pts.XYs))
	for i, xy := range pts.XYs {
		data = append(data, opts.ScatterData{Name: pts.Labels[i], Value: []interface{}{xy.X, xy.Y}})
	}
	return data
}

// mapHTML renders an interactive scatter of the same view with go-echarts.
func (s *Server) mapHTML(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.snapshot()
	anchors, tags := mapPoints(snap)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "UWB Device Positions", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Device Positions", Subtitle: fmt.Sprintf("seq=%d frame=%s", snap.Seq, snap.FrameID)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("anchors", scatterData(anchors),
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#1f77b4"}))
	scatter.AddSeries("tags", scatterData(tags),
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#d62728"}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
