// Package render draws vector tiles and legends into PNG images using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
	"github.com/tissuemaps/tmviewer/pkg/tiling"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// Config contains renderer configuration.
type Config struct {
	TileSize int
}

// StyleFunc returns the fill color of a feature. An error aborts the tile.
type StyleFunc func(f wire.Feature) (color.Color, error)

// Renderer renders tiles and legends.
type Renderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = tiling.DefaultTileSize
	}
	return &Renderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.TileSize, cfg.TileSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// TileSize returns the configured tile edge length.
func (r *Renderer) TileSize() int {
	return r.config.TileSize
}

// RenderFeatures draws the polygons of a vector tile. Feature coordinates are
// map coordinates (x, -row); resolution is image pixels per screen pixel.
func (r *Renderer) RenderFeatures(features []wire.Feature, extent tiling.Extent, resolution float64, style StyleFunc) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.Transparent)
	dc.Clear()

	if resolution <= 0 {
		resolution = 1
	}

	for i, f := range features {
		fill, err := style(f)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		for _, ring := range f.Geometry.Coordinates {
			if len(ring) < 3 {
				continue
			}
			for j, pt := range ring {
				px := (pt[0] - extent.MinX) / resolution
				py := (-pt[1] - extent.MinY) / resolution
				if j == 0 {
					dc.MoveTo(px, py)
				} else {
					dc.LineTo(px, py)
				}
			}
			dc.ClosePath()
		}
		dc.SetColor(fill)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

// LegendEntry is one swatch of a discrete legend.
type LegendEntry struct {
	Label string
	Color color.Color
}

const (
	legendWidth   = 160
	legendRow     = 18
	legendPadding = 6
	swatchSize    = 12
)

// RenderScalarLegend draws one colored swatch and label per entry.
func (r *Renderer) RenderScalarLegend(title string, entries []LegendEntry) ([]byte, error) {
	height := legendPadding*2 + legendRow*(len(entries)+1)
	dc := gg.NewContext(legendWidth, height)
	dc.SetColor(color.White)
	dc.Clear()

	dc.SetColor(color.Black)
	dc.DrawString(title, legendPadding, legendPadding+12)

	for i, e := range entries {
		y := float64(legendPadding + legendRow*(i+1))
		dc.SetColor(e.Color)
		dc.DrawRectangle(legendPadding, y+2, swatchSize, swatchSize)
		dc.Fill()
		dc.SetColor(color.Black)
		dc.DrawString(e.Label, legendPadding+swatchSize+6, y+12)
	}

	return r.encodeContext(dc)
}

// Colorer maps a normalized value in [0, 1] to a color.
type Colorer interface {
	At(t float64) color.Color
}

// RenderContinuousLegend draws a horizontal gradient bar annotated with its range.
func (r *Renderer) RenderContinuousLegend(title string, cmap Colorer, min, max float64) ([]byte, error) {
	const barHeight = 14
	height := legendPadding*2 + legendRow*2 + barHeight
	dc := gg.NewContext(legendWidth, height)
	dc.SetColor(color.White)
	dc.Clear()

	dc.SetColor(color.Black)
	dc.DrawString(title, legendPadding, legendPadding+12)

	barWidth := legendWidth - 2*legendPadding
	top := float64(legendPadding + legendRow)
	for i := 0; i < barWidth; i++ {
		dc.SetColor(cmap.At(float64(i) / float64(barWidth-1)))
		dc.DrawRectangle(float64(legendPadding+i), top, 1, barHeight)
		dc.Fill()
	}

	dc.SetColor(color.Black)
	labelY := top + barHeight + 14
	dc.DrawString(formatValue(min), legendPadding, labelY)
	maxLabel := formatValue(max)
	w, _ := dc.MeasureString(maxLabel)
	dc.DrawString(maxLabel, float64(legendWidth-legendPadding)-w, labelY)

	return r.encodeContext(dc)
}

func formatValue(v float64) string {
	return fmt.Sprintf("%.3g", v)
}

func (r *Renderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyTile creates an empty transparent tile.
func (r *Renderer) CreateEmptyTile() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.config.TileSize, r.config.TileSize))
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
