// Package viewer is the client-side state model of an experiment view: the
// map and its layers, tool sessions, tool results with their legends and
// plots, and the user's object selections.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tissuemaps/tmviewer/internal/transport"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// Backend is the server API a viewer needs. *transport.Client implements it.
type Backend interface {
	SendToolRequest(ctx context.Context, req wire.ToolRequest) (json.RawMessage, error)
	Experiment(ctx context.Context, experimentID string) (*wire.ExperimentInfo, error)
	ListTools(ctx context.Context) ([]wire.ToolDescriptor, error)
	ToolResults(ctx context.Context, experimentID string) ([]wire.SerializedToolResult, error)
	DeleteToolResult(ctx context.Context, experimentID, resultID string) error
	MapObject(ctx context.Context, experimentID, mapobjectType string, id int64) (*wire.MapObjectInfo, error)
}

// Options configures a Viewer.
type Options struct {
	Map        Map            // defaults to a HeadlessMap
	Dispatcher *Dispatcher    // required for long-running tools
	DAO        *ToolResultDAO // defaults to NewToolResultDAO()
}

// Viewer is an open experiment.
type Viewer struct {
	backend    Backend
	dao        *ToolResultDAO
	dispatcher *Dispatcher
	experiment wire.ExperimentInfo

	m         Map
	viewport  *Viewport
	scope     *Scope
	element   *Element
	legends   *Element
	plots     *Element
	selection *SelectionHandler

	mu                 sync.Mutex
	destroyed          bool
	tools              []*Tool
	sessions           map[string]*Session
	results            []*ToolResult
	channelLayers      []*ChannelLayer
	segmentationLayers []*SegmentationLayer
}

// New creates a viewer for exp with an unmounted viewport.
func New(backend Backend, exp wire.ExperimentInfo, opts Options) *Viewer {
	if opts.Map == nil {
		opts.Map = NewHeadlessMap()
	}
	if opts.DAO == nil {
		opts.DAO = NewToolResultDAO()
	}
	v := &Viewer{
		backend:    backend,
		dao:        opts.DAO,
		dispatcher: opts.Dispatcher,
		experiment: exp,
		m:          opts.Map,
		viewport:   NewViewport(),
		scope:      NewScope(),
		element:    NewElement("viewer"),
		legends:    NewElement("legends"),
		plots:      NewElement("plots"),
		selection:  NewSelectionHandler(),
		sessions:   make(map[string]*Session),
	}
	v.element.Append(v.legends)
	v.element.Append(v.plots)
	return v
}

// Open loads an experiment, builds its channel and segmentation layers,
// mounts the viewport and restores saved tool results hidden.
func Open(ctx context.Context, backend Backend, experimentID string, opts Options) (*Viewer, error) {
	exp, err := backend.Experiment(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("load experiment %s: %w", experimentID, err)
	}
	descs, err := backend.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	v := New(backend, *exp, opts)
	for _, d := range descs {
		v.AddTool(NewTool(d, nil))
	}
	v.addExperimentLayers()
	if err := v.Mount(); err != nil {
		return nil, err
	}

	if err := v.LoadSavedResults(ctx); err != nil {
		log.Warn().Err(err).Str("component", "viewer").Str("experiment", exp.ID).Msg("some saved results could not be restored")
	}
	log.Info().Str("component", "viewer").Str("experiment", exp.ID).
		Int("tools", len(descs)).Int("results", len(v.ToolResults())).Msg("experiment opened")
	return v, nil
}

// Mount hands the map, element and scope to the viewport, which runs every
// queued map operation.
func (v *Viewer) Mount() error {
	return v.viewport.Mount(v.m, v.element, v.scope)
}

func (v *Viewer) addExperimentLayers() {
	exp := v.experiment
	if len(exp.Channels) == 0 {
		v.viewport.initView(exp.ImageSize)
	}
	for i, ch := range exp.Channels {
		l := NewChannelLayer(LayerOptions{
			ID:           ch.ID,
			ExperimentID: exp.ID,
			Size:         exp.ImageSize,
			Hidden:       i > 0,
		}, ch.Name)
		v.mu.Lock()
		v.channelLayers = append(v.channelLayers, l)
		v.mu.Unlock()
		v.viewport.AddChannelLayer(l)
	}
	for _, sl := range exp.SegmentationLayers {
		opts := LayerOptionsFrom(sl.SerializedSegmentationLayer)
		if opts.ExperimentID == "" {
			opts.ExperimentID = exp.ID
		}
		opts.Hidden = true
		l := NewSegmentationLayer(opts, sl.MapObjectType)
		v.mu.Lock()
		v.segmentationLayers = append(v.segmentationLayers, l)
		v.mu.Unlock()
		v.viewport.AddSegmentationLayer(l)
	}
}

func (v *Viewer) Experiment() wire.ExperimentInfo { return v.experiment }
func (v *Viewer) ExperimentID() string            { return v.experiment.ID }
func (v *Viewer) Viewport() *Viewport             { return v.viewport }
func (v *Viewer) Scope() *Scope                   { return v.scope }
func (v *Viewer) Element() *Element               { return v.element }
func (v *Viewer) LegendContainer() *Element       { return v.legends }
func (v *Viewer) PlotContainer() *Element         { return v.plots }
func (v *Viewer) Selection() *SelectionHandler    { return v.selection }

func (v *Viewer) ChannelLayers() []*ChannelLayer {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*ChannelLayer(nil), v.channelLayers...)
}

func (v *Viewer) SegmentationLayers() []*SegmentationLayer {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*SegmentationLayer(nil), v.segmentationLayers...)
}

func (v *Viewer) Destroyed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.destroyed
}

func (v *Viewer) broadcast(name string, payload any) {
	v.scope.Broadcast(name, payload)
}

// AddTool makes t available in the viewer.
func (v *Viewer) AddTool(t *Tool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tools = append(v.tools, t)
}

// Tool returns the tool named name.
func (v *Viewer) Tool(name string) (*Tool, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, t := range v.tools {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

func (v *Viewer) Tools() []*Tool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*Tool(nil), v.tools...)
}

func (v *Viewer) registerSession(s *Session) error {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return ErrViewerDestroyed
	}
	v.sessions[s.uuid] = s
	v.mu.Unlock()

	if v.dispatcher != nil {
		v.dispatcher.register(s)
	}
	return nil
}

func (v *Viewer) forgetSession(s *Session) {
	v.mu.Lock()
	delete(v.sessions, s.uuid)
	v.mu.Unlock()

	if v.dispatcher != nil {
		v.dispatcher.unregister(s)
	}
}

// Session returns the open session with the given UUID.
func (v *Viewer) Session(uuid string) (*Session, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.sessions[uuid]
	return s, ok
}

// AddToolResult attaches r to the viewer.
func (v *Viewer) AddToolResult(r *ToolResult) error {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return ErrViewerDestroyed
	}
	v.results = append(v.results, r)
	v.mu.Unlock()

	if err := r.AttachToViewer(v); err != nil {
		v.forgetToolResult(r)
		return err
	}
	v.broadcast(EventToolResultAdded, r)
	return nil
}

func (v *Viewer) forgetToolResult(r *ToolResult) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, x := range v.results {
		if x == r {
			v.results = append(v.results[:i], v.results[i+1:]...)
			return
		}
	}
}

// ToolResults returns the attached results in arrival order.
func (v *Viewer) ToolResults() []*ToolResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*ToolResult(nil), v.results...)
}

func (v *Viewer) hasResult(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range v.results {
		if r.ID() == id {
			return true
		}
	}
	return false
}

// LoadSavedResults attaches the stored results of the experiment, hidden.
// A result that fails to decode is skipped; the others are still attached.
func (v *Viewer) LoadSavedResults(ctx context.Context) error {
	srs, err := v.backend.ToolResults(ctx, v.experiment.ID)
	if err != nil {
		return transport.AsError(err)
	}

	var errs []error
	for _, sr := range srs {
		if v.hasResult(sr.ID) {
			continue
		}
		r, err := v.dao.FromSerialized(sr)
		if err != nil {
			errs = append(errs, fmt.Errorf("result %s: %w", sr.ID, err))
			continue
		}
		r.SetVisibility(false)
		if err := v.AddToolResult(r); err != nil {
			if errors.Is(err, ErrViewerDestroyed) {
				return err
			}
			errs = append(errs, fmt.Errorf("result %s: %w", sr.ID, err))
		}
	}
	return errors.Join(errs...)
}

// DeleteToolResult removes r on the server and then from the viewer.
func (v *Viewer) DeleteToolResult(ctx context.Context, r *ToolResult) error {
	if err := v.backend.DeleteToolResult(ctx, v.experiment.ID, r.ID()); err != nil {
		return transport.AsError(err)
	}
	r.Delete()
	return nil
}

// GoToMapObject centers the map on an object at the deepest zoom level.
func (v *Viewer) GoToMapObject(ctx context.Context, mapobjectType string, id int64) error {
	if v.Destroyed() {
		return ErrViewerDestroyed
	}
	obj, err := v.backend.MapObject(ctx, v.experiment.ID, mapobjectType, id)
	if err != nil {
		return transport.AsError(err)
	}
	view := PixelView(v.experiment.ImageSize)
	v.viewport.GoToPosition([2]float64{obj.Centroid[0], -obj.Centroid[1]}, view.MaxZoom)
	return nil
}

// Destroy closes all sessions, removes all results and tears the map down.
// Results arriving later are ignored.
func (v *Viewer) Destroy() {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return
	}
	v.destroyed = true
	sessions := make([]*Session, 0, len(v.sessions))
	for _, s := range v.sessions {
		sessions = append(sessions, s)
	}
	results := append([]*ToolResult(nil), v.results...)
	v.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, r := range results {
		r.Delete()
	}
	v.viewport.Destroy()
	v.element.Remove()
	v.scope.Destroy()
}
