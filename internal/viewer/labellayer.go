package viewer

import (
	"encoding/json"
	"fmt"
	"image/color"
	"math"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// ColorMapper maps a feature label to its fill color.
type ColorMapper interface {
	Color(label any) (color.Color, error)
}

// LabelLayer colors objects by the label a tool assigned to them.
type LabelLayer interface {
	VectorLayer
	ExperimentID() string
	ZPlane() int
	TPoint() int
	Attributes() Attributes
	// ColorMapper returns the memoized mapper; it is built on first use.
	ColorMapper() (ColorMapper, error)
	NewLegend() (Legend, error)
}

var attrValidator = validator.New(validator.WithRequiredStructEnabled())

func decodeAttributes(attrs Attributes, out any) error {
	if err := attrs.Decode(out); err != nil {
		return err
	}
	if err := attrValidator.Struct(out); err != nil {
		return fmt.Errorf("invalid attributes: %w", err)
	}
	return nil
}

// labelLayer carries everything label layer variants share. Variants set build.
type labelLayer struct {
	layerBase
	attrs Attributes
	build func() (ColorMapper, error)

	mapperOnce sync.Once
	mapper     ColorMapper
	mapperErr  error
}

func newLabelLayer(opts LayerOptions, attrs Attributes) labelLayer {
	if attrs == nil {
		attrs = Attributes{}
	}
	return labelLayer{layerBase: newLayerBase(opts), attrs: attrs}
}

func (l *labelLayer) ZPlane() int { return l.opts.ZPlane }
func (l *labelLayer) TPoint() int { return l.opts.TPoint }

// Attributes returns the attributes of the result the layer belongs to.
func (l *labelLayer) Attributes() Attributes { return l.attrs }

// TileURL returns the {z}/{x}/{y} template of the label tiles at (zplane, tpoint).
func (l *labelLayer) TileURL() string {
	return LabelTileURL(l.opts.ExperimentID, l.opts.ID, l.opts.ZPlane, l.opts.TPoint)
}

// TileLayer returns the map layer, created on first use.
func (l *labelLayer) TileLayer() *TileLayer {
	return l.tileLayer(l.TileURL(), l.Style)
}

// ColorMapper builds the label colors once and returns the same mapper after.
func (l *labelLayer) ColorMapper() (ColorMapper, error) {
	l.mapperOnce.Do(func() {
		l.mapper, l.mapperErr = l.build()
	})
	return l.mapper, l.mapperErr
}

// Style colors a feature by its label property. A feature without a label
// aborts rendering of the tile.
func (l *labelLayer) Style(f wire.Feature) (color.Color, error) {
	label, ok := f.Properties["label"]
	if !ok || label == nil {
		return nil, fmt.Errorf("layer %s, object %v: %w", l.opts.ID, f.Properties["id"], ErrMissingLabel)
	}
	m, err := l.ColorMapper()
	if err != nil {
		return nil, err
	}
	return m.Color(label)
}

// labelKey formats a label the way the server writes it into attribute maps.
func labelKey(label any) string {
	switch v := label.(type) {
	case string:
		return v
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func labelFloat(label any) (float64, error) {
	switch v := label.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(v, 64)
	}
	return 0, fmt.Errorf("label %v is not numeric", label)
}

// categoricalMapper looks colors up by label key.
type categoricalMapper struct {
	colors map[string]color.Color
}

func (m *categoricalMapper) Color(label any) (color.Color, error) {
	c, ok := m.colors[labelKey(label)]
	if !ok {
		return nil, fmt.Errorf("no color for label %q", labelKey(label))
	}
	return c, nil
}

// Colorer is a continuous color scale over [0, 1].
type Colorer interface {
	At(t float64) color.Color
}

// continuousMapper scales numeric labels into [min, max].
type continuousMapper struct {
	scale    Colorer
	min, max float64
}

func (m *continuousMapper) Color(label any) (color.Color, error) {
	v, err := labelFloat(label)
	if err != nil {
		return nil, err
	}
	if m.max <= m.min {
		return m.scale.At(0), nil
	}
	return m.scale.At((v - m.min) / (m.max - m.min)), nil
}
