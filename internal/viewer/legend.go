package viewer

import (
	"fmt"

	"github.com/tissuemaps/tmviewer/internal/render"
)

// Legend explains the color encoding of a label layer.
type Legend interface {
	Element() *Element
	Visible() bool
	SetVisible(visible bool)
	// Delete removes the legend element from its container.
	Delete()
}

var legendRenderer = render.NewRenderer(render.Config{})

type legendBase struct {
	el *Element
}

func (l *legendBase) Element() *Element       { return l.el }
func (l *legendBase) Visible() bool           { return l.el.Visible() }
func (l *legendBase) SetVisible(visible bool) { l.el.SetVisible(visible) }
func (l *legendBase) Delete()                 { l.el.Remove() }

// ScalarLabelLegend lists discrete classes with their colors.
type ScalarLabelLegend struct {
	legendBase
	title   string
	entries []render.LegendEntry
}

func NewScalarLabelLegend(title string, entries []render.LegendEntry) (*ScalarLabelLegend, error) {
	png, err := legendRenderer.RenderScalarLegend(title, entries)
	if err != nil {
		return nil, fmt.Errorf("render legend: %w", err)
	}
	el := NewElement("legend")
	el.SetContent("image/png", png)
	return &ScalarLabelLegend{legendBase: legendBase{el: el}, title: title, entries: entries}, nil
}

func (l *ScalarLabelLegend) Title() string                 { return l.title }
func (l *ScalarLabelLegend) Entries() []render.LegendEntry { return l.entries }

// ContinuousLabelLegend shows a color bar over a numeric range.
type ContinuousLabelLegend struct {
	legendBase
	title    string
	min, max float64
}

func NewContinuousLabelLegend(title string, scale Colorer, min, max float64) (*ContinuousLabelLegend, error) {
	png, err := legendRenderer.RenderContinuousLegend(title, scale, min, max)
	if err != nil {
		return nil, fmt.Errorf("render legend: %w", err)
	}
	el := NewElement("legend")
	el.SetContent("image/png", png)
	return &ContinuousLabelLegend{legendBase: legendBase{el: el}, title: title, min: min, max: max}, nil
}

func (l *ContinuousLabelLegend) Title() string { return l.title }

// Range returns the value range covered by the color bar.
func (l *ContinuousLabelLegend) Range() (min, max float64) {
	return l.min, l.max
}
