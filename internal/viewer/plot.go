package viewer

import (
	"encoding/json"
	"fmt"

	"github.com/tissuemaps/tmviewer/pkg/wire"
)

func init() {
	Plots.Register("HistogramPlot", func(p wire.SerializedPlot) (Plot, error) {
		return NewHistogramPlot(p)
	})
	Plots.Register("ScatterPlot", func(p wire.SerializedPlot) (Plot, error) {
		return NewScatterPlot(p)
	})
}

// Plot is a tool-defined visualization shown next to the map.
type Plot interface {
	ID() string
	Type() string
	Attributes() Attributes
	Element() *Element
	Visible() bool
	SetVisible(visible bool)
	Delete()
}

type plotBase struct {
	id    string
	typ   string
	attrs Attributes
	el    *Element
}

func newPlotBase(p wire.SerializedPlot) (plotBase, error) {
	attrs := Attributes(p.Attributes)
	if attrs == nil {
		attrs = Attributes{}
	}
	body, err := json.Marshal(attrs)
	if err != nil {
		return plotBase{}, fmt.Errorf("plot %s: %w", p.ID, err)
	}
	el := NewElement("plot")
	el.SetContent("application/json", body)
	return plotBase{id: p.ID, typ: p.Type, attrs: attrs, el: el}, nil
}

func (p *plotBase) ID() string              { return p.id }
func (p *plotBase) Type() string            { return p.typ }
func (p *plotBase) Attributes() Attributes  { return p.attrs }
func (p *plotBase) Element() *Element       { return p.el }
func (p *plotBase) Visible() bool           { return p.el.Visible() }
func (p *plotBase) SetVisible(visible bool) { p.el.SetVisible(visible) }
func (p *plotBase) Delete()                 { p.el.Remove() }

// HistogramPlot shows the distribution of a feature.
type HistogramPlot struct {
	plotBase
	Data struct {
		Feature string    `json:"feature"`
		Counts  []int     `json:"counts" validate:"required"`
		Edges   []float64 `json:"edges" validate:"required"`
	}
}

func NewHistogramPlot(p wire.SerializedPlot) (*HistogramPlot, error) {
	base, err := newPlotBase(p)
	if err != nil {
		return nil, err
	}
	h := &HistogramPlot{plotBase: base}
	if err := decodeAttributes(base.attrs, &h.Data); err != nil {
		return nil, fmt.Errorf("histogram %s: %w", p.ID, err)
	}
	if len(h.Data.Edges) != len(h.Data.Counts)+1 {
		return nil, fmt.Errorf("histogram %s: %d edges for %d bins", p.ID, len(h.Data.Edges), len(h.Data.Counts))
	}
	return h, nil
}

// ScatterPlot shows objects in a two dimensional feature space.
type ScatterPlot struct {
	plotBase
	Data struct {
		XFeature string       `json:"x_feature"`
		YFeature string       `json:"y_feature"`
		Points   [][2]float64 `json:"points"`
		Labels   []int        `json:"labels"`
	}
}

func NewScatterPlot(p wire.SerializedPlot) (*ScatterPlot, error) {
	base, err := newPlotBase(p)
	if err != nil {
		return nil, err
	}
	s := &ScatterPlot{plotBase: base}
	if err := decodeAttributes(base.attrs, &s.Data); err != nil {
		return nil, fmt.Errorf("scatter plot %s: %w", p.ID, err)
	}
	if len(s.Data.Labels) > 0 && len(s.Data.Labels) != len(s.Data.Points) {
		return nil, fmt.Errorf("scatter plot %s: %d labels for %d points", p.ID, len(s.Data.Labels), len(s.Data.Points))
	}
	return s, nil
}
