package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/tissuemaps/tmviewer/internal/transport"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

type fakeBackend struct {
	mu       sync.Mutex
	exp      wire.ExperimentInfo
	tools    []wire.ToolDescriptor
	saved    []wire.SerializedToolResult
	objects  map[int64]wire.MapObjectInfo
	requests []wire.ToolRequest
	deleted  []string
	reply    func(req wire.ToolRequest) (json.RawMessage, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		exp: wire.ExperimentInfo{
			ID:        "exp1",
			Name:      "plate 1",
			ImageSize: wire.ImageSize{1024, 512},
			ZPlanes:   1,
			TPoints:   1,
			Channels:  []wire.ChannelInfo{{ID: "c1", Name: "DAPI"}, {ID: "c2", Name: "GFP"}},
			SegmentationLayers: []wire.SegmentationLayerInfo{{
				SerializedSegmentationLayer: wire.SerializedSegmentationLayer{ID: "s1", ExperimentID: "exp1", ImageSize: wire.ImageSize{1024, 512}},
				MapObjectType:               "cells",
			}},
		},
		tools: []wire.ToolDescriptor{
			{Name: "Heatmap"},
			{Name: "Clustering", LongRunning: true},
		},
		objects: map[int64]wire.MapObjectInfo{7: {ID: 7, Type: "cells", Centroid: [2]float64{100, 50}}},
	}
}

func (b *fakeBackend) SendToolRequest(ctx context.Context, req wire.ToolRequest) (json.RawMessage, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	reply := b.reply
	b.mu.Unlock()
	if reply == nil {
		return nil, &transport.Error{StatusCode: 500, Message: "no reply configured"}
	}
	return reply(req)
}

func (b *fakeBackend) Experiment(ctx context.Context, id string) (*wire.ExperimentInfo, error) {
	if id != b.exp.ID {
		return nil, &transport.Error{StatusCode: 404, Message: "experiment not found"}
	}
	exp := b.exp
	return &exp, nil
}

func (b *fakeBackend) ListTools(ctx context.Context) ([]wire.ToolDescriptor, error) {
	return b.tools, nil
}

func (b *fakeBackend) ToolResults(ctx context.Context, experimentID string) ([]wire.SerializedToolResult, error) {
	return b.saved, nil
}

func (b *fakeBackend) DeleteToolResult(ctx context.Context, experimentID, resultID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, resultID)
	return nil
}

func (b *fakeBackend) MapObject(ctx context.Context, experimentID, mapobjectType string, id int64) (*wire.MapObjectInfo, error) {
	obj, ok := b.objects[id]
	if !ok {
		return nil, &transport.Error{StatusCode: 404, Message: "mapobject not found"}
	}
	return &obj, nil
}

func kmeansResult(id string) wire.SerializedToolResult {
	return wire.SerializedToolResult{
		ID:           id,
		Name:         "clusters " + id,
		Type:         "KMeansToolResult",
		ToolName:     "Clustering",
		ExperimentID: "exp1",
		Attributes:   map[string]any{"k": 3.0},
		Layers: []wire.SerializedSegmentationLayer{{
			ID: "l-" + id, ExperimentID: "exp1", ImageSize: wire.ImageSize{1024, 512},
		}},
		Plots: []wire.SerializedPlot{
			{ID: "p1", Type: "HistogramPlot", Attributes: map[string]any{
				"feature": "area", "counts": []any{1.0, 2.0}, "edges": []any{0.0, 1.0, 2.0},
			}},
			{ID: "p2", Type: "ScatterPlot", Attributes: map[string]any{
				"points": []any{[]any{1.0, 2.0}}, "labels": []any{0.0},
			}},
		},
	}
}

func replyResult(sr wire.SerializedToolResult) func(wire.ToolRequest) (json.RawMessage, error) {
	return func(wire.ToolRequest) (json.RawMessage, error) {
		return json.Marshal(sr)
	}
}

func openTestViewer(t *testing.T, b *fakeBackend, opts Options) (*Viewer, *HeadlessMap) {
	t.Helper()
	m := NewHeadlessMap()
	opts.Map = m
	v, err := Open(context.Background(), b, "exp1", opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return v, m
}

func TestOpenBuildsLayersAndView(t *testing.T) {
	b := newFakeBackend()
	v, m := openTestViewer(t, b, Options{})

	if got := len(v.ChannelLayers()); got != 2 {
		t.Fatalf("expected 2 channel layers, got %d", got)
	}
	if got := len(v.SegmentationLayers()); got != 1 {
		t.Fatalf("expected 1 segmentation layer, got %d", got)
	}
	if got := len(m.Layers()); got != 3 {
		t.Fatalf("expected 3 map layers, got %d", got)
	}
	if !v.ChannelLayers()[0].Visible() || v.ChannelLayers()[1].Visible() {
		t.Fatal("expected only the first channel to be visible")
	}

	view, ok := m.View()
	if !ok {
		t.Fatal("expected the map view to be set")
	}
	if view.Center != [2]float64{512, -256} || view.Extent != [4]float64{0, -512, 1024, 0} || view.Zoom != 0 {
		t.Fatalf("unexpected view %+v", view)
	}
	if len(v.Tools()) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(v.Tools()))
	}
}

func TestOpenUnknownExperiment(t *testing.T) {
	_, err := Open(context.Background(), newFakeBackend(), "nope", Options{})
	te := transport.AsError(err)
	if te == nil || te.StatusCode != 404 {
		t.Fatalf("expected 404 transport error, got %v", err)
	}
}

func TestLoadSavedResultsHiddenAndIsolated(t *testing.T) {
	b := newFakeBackend()
	bad := kmeansResult("bad")
	bad.Type = "MysteryToolResult"
	b.saved = []wire.SerializedToolResult{kmeansResult("r1"), bad, kmeansResult("r2")}

	v, _ := openTestViewer(t, b, Options{})

	results := v.ToolResults()
	if len(results) != 2 {
		t.Fatalf("expected 2 restored results, got %d", len(results))
	}
	for _, r := range results {
		if r.Visible() || r.Layers()[0].Visible() || r.Legend().Visible() {
			t.Fatalf("expected restored result %s to be hidden", r.ID())
		}
	}

	// Loading again does not duplicate results.
	err := v.LoadSavedResults(context.Background())
	var uv *UnknownVariantError
	if !errors.As(err, &uv) || uv.Type != "MysteryToolResult" {
		t.Fatalf("expected unknown variant error for the bad result, got %v", err)
	}
	if len(v.ToolResults()) != 2 {
		t.Fatalf("expected results not to be duplicated, got %d", len(v.ToolResults()))
	}
}

func TestGoToMapObject(t *testing.T) {
	b := newFakeBackend()
	v, m := openTestViewer(t, b, Options{})

	if err := v.GoToMapObject(context.Background(), "cells", 7); err != nil {
		t.Fatalf("GoToMapObject: %v", err)
	}
	view, _ := m.View()
	if view.Center != [2]float64{100, -50} {
		t.Fatalf("unexpected center %v", view.Center)
	}
	if view.Zoom != view.MaxZoom {
		t.Fatalf("expected deepest zoom %d, got %d", view.MaxZoom, view.Zoom)
	}

	if err := v.GoToMapObject(context.Background(), "cells", 99); transport.AsError(err).StatusCode != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestDeleteToolResultThroughViewer(t *testing.T) {
	b := newFakeBackend()
	b.saved = []wire.SerializedToolResult{kmeansResult("r1")}
	v, m := openTestViewer(t, b, Options{})

	r := v.ToolResults()[0]
	if err := v.DeleteToolResult(context.Background(), r); err != nil {
		t.Fatalf("DeleteToolResult: %v", err)
	}
	if len(b.deleted) != 1 || b.deleted[0] != "r1" {
		t.Fatalf("expected server delete of r1, got %v", b.deleted)
	}
	if len(v.ToolResults()) != 0 {
		t.Fatal("expected result to be gone from the viewer")
	}
	if got := len(m.Layers()); got != 3 {
		t.Fatalf("expected only experiment layers on the map, got %d", got)
	}
	if len(v.LegendContainer().Children()) != 0 || len(v.PlotContainer().Children()) != 0 {
		t.Fatal("expected legend and plot elements to be removed")
	}
}

func TestDestroyTearsDown(t *testing.T) {
	b := newFakeBackend()
	b.saved = []wire.SerializedToolResult{kmeansResult("r1")}
	v, m := openTestViewer(t, b, Options{})

	tool, _ := v.Tool("Heatmap")
	s, err := tool.CreateSession(v)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	v.Destroy()
	v.Destroy()

	if len(m.Layers()) != 0 {
		t.Fatalf("expected empty map, got %d layers", len(m.Layers()))
	}
	if !s.Closed() {
		t.Fatal("expected sessions to be closed")
	}
	if err := v.AddToolResult(&ToolResult{}); !errors.Is(err, ErrViewerDestroyed) {
		t.Fatalf("expected ErrViewerDestroyed, got %v", err)
	}
	if _, err := tool.CreateSession(v); !errors.Is(err, ErrViewerDestroyed) {
		t.Fatalf("expected ErrViewerDestroyed, got %v", err)
	}
}
