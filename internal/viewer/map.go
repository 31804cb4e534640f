package viewer

import (
	"image/color"
	"strconv"
	"strings"
	"sync"

	"github.com/tissuemaps/tmviewer/pkg/tiling"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// View is the camera state of a map. Map coordinates use image pixels on the
// x axis and negated image rows on the y axis.
type View struct {
	Center  [2]float64
	Extent  [4]float64 // minX, minY, maxX, maxY
	Zoom    int
	MaxZoom int
}

// PixelView returns the fully zoomed out view of an image.
func PixelView(size wire.ImageSize) View {
	w, h := float64(size.Width()), float64(size.Height())
	return View{
		Center:  [2]float64{w / 2, -h / 2},
		Extent:  [4]float64{0, -h, w, 0},
		Zoom:    0,
		MaxZoom: tiling.MaxZoom(size.Width(), size.Height(), tiling.DefaultTileSize),
	}
}

// StyleFunc computes the fill color of one vector feature.
type StyleFunc func(f wire.Feature) (color.Color, error)

// TileLayer is the map-level representation of a Layer.
type TileLayer struct {
	template string
	style    StyleFunc

	mu      sync.Mutex
	visible bool
}

func newTileLayer(template string, style StyleFunc, visible bool) *TileLayer {
	return &TileLayer{template: template, style: style, visible: visible}
}

// Template returns the URL template with literal {x}, {y} and {z} placeholders.
func (t *TileLayer) Template() string {
	return t.template
}

// URLFor substitutes tile coordinates into the template.
func (t *TileLayer) URLFor(x, y, z int) string {
	return strings.NewReplacer(
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
		"{z}", strconv.Itoa(z),
	).Replace(t.template)
}

// Vector reports whether the layer is drawn from styled vector features.
func (t *TileLayer) Vector() bool {
	return t.style != nil
}

// Style computes a feature color. Raster layers return an error.
func (t *TileLayer) Style(f wire.Feature) (color.Color, error) {
	if t.style == nil {
		return nil, errRasterLayer
	}
	return t.style(f)
}

func (t *TileLayer) Visible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visible
}

func (t *TileLayer) SetVisible(visible bool) {
	t.mu.Lock()
	t.visible = visible
	t.mu.Unlock()
}

// Map is the rendering surface layers are attached to.
type Map interface {
	AddLayer(tl *TileLayer)
	RemoveLayer(tl *TileLayer)
	Layers() []*TileLayer
	View() (View, bool)
	SetView(v View)
	SetCenter(center [2]float64, zoom int)
}

// HeadlessMap keeps map state in memory without drawing anything.
type HeadlessMap struct {
	mu      sync.Mutex
	layers  []*TileLayer
	view    View
	hasView bool
}

func NewHeadlessMap() *HeadlessMap {
	return &HeadlessMap{}
}

// AddLayer appends tl unless that exact instance is already on the map.
func (m *HeadlessMap) AddLayer(tl *TileLayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.layers {
		if l == tl {
			return
		}
	}
	m.layers = append(m.layers, tl)
}

func (m *HeadlessMap) RemoveLayer(tl *TileLayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.layers {
		if l == tl {
			m.layers = append(m.layers[:i], m.layers[i+1:]...)
			return
		}
	}
}

func (m *HeadlessMap) Layers() []*TileLayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*TileLayer, len(m.layers))
	copy(out, m.layers)
	return out
}

func (m *HeadlessMap) View() (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view, m.hasView
}

func (m *HeadlessMap) SetView(v View) {
	m.mu.Lock()
	m.view = v
	m.hasView = true
	m.mu.Unlock()
}

// SetCenter moves the camera, clamping zoom to the view's range.
func (m *HeadlessMap) SetCenter(center [2]float64, zoom int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if zoom < 0 {
		zoom = 0
	}
	if m.hasView && zoom > m.view.MaxZoom {
		zoom = m.view.MaxZoom
	}
	m.view.Center = center
	m.view.Zoom = zoom
	m.hasView = true
}
