package viewer

import (
	"sync"

	"github.com/tissuemaps/tmviewer/pkg/wire"
)

type resultState int

const (
	resultConstructed resultState = iota
	resultAttached
	resultDeleted
)

// visibilityToggler is anything whose visibility follows its tool result.
type visibilityToggler interface {
	SetVisible(visible bool)
}

// ToolResult is everything one tool computation produced: label layers, a
// legend and plots, shown or hidden together.
type ToolResult struct {
	id           string
	name         string
	resultType   string
	toolName     string
	submissionID string
	experimentID string
	attributes   Attributes

	layers []LabelLayer
	legend Legend
	plots  []Plot

	// components is the fixed list visibility cascades to.
	components []visibilityToggler

	mu      sync.Mutex
	state   resultState
	visible bool
	viewer  *Viewer
}

func newToolResult(sr wire.SerializedToolResult, attrs Attributes, layers []LabelLayer, legend Legend, plots []Plot) *ToolResult {
	r := &ToolResult{
		id:           sr.ID,
		name:         sr.Name,
		resultType:   sr.Type,
		toolName:     sr.ToolName,
		submissionID: sr.SubmissionID,
		experimentID: sr.ExperimentID,
		attributes:   attrs,
		layers:       layers,
		legend:       legend,
		plots:        plots,
		visible:      true,
	}
	for _, l := range layers {
		r.components = append(r.components, l)
	}
	if legend != nil {
		r.components = append(r.components, legend)
	}
	for _, p := range plots {
		r.components = append(r.components, p)
	}
	return r
}

func (r *ToolResult) ID() string             { return r.id }
func (r *ToolResult) Name() string           { return r.name }
func (r *ToolResult) Type() string           { return r.resultType }
func (r *ToolResult) ToolName() string       { return r.toolName }
func (r *ToolResult) SubmissionID() string   { return r.submissionID }
func (r *ToolResult) ExperimentID() string   { return r.experimentID }
func (r *ToolResult) Attributes() Attributes { return r.attributes }
func (r *ToolResult) Layers() []LabelLayer   { return r.layers }
func (r *ToolResult) Plots() []Plot          { return r.plots }

// Legend returns the legend of the first layer, or nil for plot-only results.
func (r *ToolResult) Legend() Legend { return r.legend }

func (r *ToolResult) Visible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible
}

// Viewer returns the owning viewer, or nil before attachment.
func (r *ToolResult) Viewer() *Viewer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewer
}

func (r *ToolResult) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == resultAttached
}

func (r *ToolResult) Deleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == resultDeleted
}

// AttachToViewer binds the result to v once. The first label layer goes to the
// viewport, the legend and plots go to the viewer's containers.
func (r *ToolResult) AttachToViewer(v *Viewer) error {
	r.mu.Lock()
	switch r.state {
	case resultAttached:
		r.mu.Unlock()
		return ErrAlreadyAttached
	case resultDeleted:
		r.mu.Unlock()
		return ErrResultDeleted
	}
	r.state = resultAttached
	r.viewer = v
	visible := r.visible
	r.mu.Unlock()

	if len(r.layers) > 0 {
		v.Viewport().AddLayer(r.layers[0])
	}
	if r.legend != nil {
		v.LegendContainer().Append(r.legend.Element())
	}
	for _, p := range r.plots {
		v.PlotContainer().Append(p.Element())
	}
	r.SetVisibility(visible)
	return nil
}

// SetVisibility shows or hides every layer, the legend and every plot.
func (r *ToolResult) SetVisibility(visible bool) {
	r.mu.Lock()
	r.visible = visible
	r.mu.Unlock()
	for _, c := range r.components {
		c.SetVisible(visible)
	}
}

// Delete detaches the result from its viewer and removes its elements.
// Calling it again, or on a result that was never attached, does nothing.
func (r *ToolResult) Delete() {
	r.mu.Lock()
	if r.state == resultDeleted {
		r.mu.Unlock()
		return
	}
	attached := r.state == resultAttached
	r.state = resultDeleted
	v := r.viewer
	r.mu.Unlock()

	if !attached || v == nil {
		return
	}
	for _, l := range r.layers {
		v.Viewport().RemoveLayer(l)
	}
	if r.legend != nil {
		r.legend.Delete()
	}
	for _, p := range r.plots {
		p.Delete()
	}
	v.forgetToolResult(r)
}
