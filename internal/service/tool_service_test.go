package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tissuemaps/tmviewer/internal/data/objects"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

func openSynthetic(t *testing.T) *objects.Reader {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "exp1")
	md, objs := objects.Synthetic("exp1", 1000, 500, 100, 7)
	if err := objects.WriteExperiment(dir, md, objs); err != nil {
		t.Fatalf("WriteExperiment: %v", err)
	}
	r, err := objects.NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func request(tool string, payload map[string]any) wire.ToolRequest {
	return wire.ToolRequest{SessionUUID: "s1", ToolName: tool, ExperimentID: "exp1", Payload: payload}
}

func TestToolDescriptors(t *testing.T) {
	s := NewToolService()
	tools := s.Tools()
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(tools))
	}
	want := map[string]bool{"Heatmap": false, "Clustering": true, "Classification": true}
	for _, d := range tools {
		if d.LongRunning != want[d.Name] {
			t.Errorf("%s: long running = %v", d.Name, d.LongRunning)
		}
	}
	if _, err := s.Descriptor("Filter"); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if err := s.Register(HeatmapTool{}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestValidate(t *testing.T) {
	s := NewToolService()
	tests := []struct {
		name    string
		tool    string
		payload map[string]any
		wantErr string
	}{
		{"heatmap ok", "Heatmap", map[string]any{"mapobject_type": "cells", "selected_feature": "area"}, ""},
		{"heatmap missing feature", "Heatmap", map[string]any{"mapobject_type": "cells"}, "selected_feature"},
		{"clustering k too small", "Clustering", map[string]any{"mapobject_type": "cells", "selected_features": []string{"area"}, "k": 1}, "/k"},
		{"clustering features not a list", "Clustering", map[string]any{"mapobject_type": "cells", "selected_features": "area", "k": 3}, "/selected_features"},
		{"classification bad color", "Classification", map[string]any{
			"mapobject_type":    "cells",
			"selected_features": []string{"area"},
			"training_classes": []wire.TrainingClass{
				{Name: "a", Color: "red", ObjectIDs: []int64{1}},
				{Name: "b", Color: "#00ff00", ObjectIDs: []int64{2}},
			},
		}, "color"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.tool, tt.payload)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ire *InvalidRequestError
			if !errors.As(err, &ire) {
				t.Fatalf("expected *InvalidRequestError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRunHeatmap(t *testing.T) {
	exp := openSynthetic(t)
	s := NewToolService()

	r, err := s.Run(context.Background(), exp, request("Heatmap", map[string]any{
		"mapobject_type": "cells", "selected_feature": "area",
	}), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Type != "HeatmapToolResult" || r.ToolName != "Heatmap" || r.SessionUUID != "s1" {
		t.Fatalf("unexpected result %+v", r.SerializedToolResult)
	}
	if len(r.Labels) != 50 {
		t.Fatalf("expected a label per object, got %d", len(r.Labels))
	}
	min, max := r.Attributes["min"].(float64), r.Attributes["max"].(float64)
	if min > max || r.Attributes["feature"] != "area" {
		t.Fatalf("unexpected attributes %v", r.Attributes)
	}
	if _, ok := r.Attributes["colormap"]; ok {
		t.Fatal("no colormap configured, none expected")
	}
	if len(r.Layers) != 1 || r.Layers[0].ExperimentID != "exp1" || r.Layers[0].ImageSize != (wire.ImageSize{1000, 500}) {
		t.Fatalf("unexpected layers %+v", r.Layers)
	}

	if len(r.Plots) != 1 || r.Plots[0].Type != "HistogramPlot" || r.Plots[0].ID == "" {
		t.Fatalf("unexpected plots %+v", r.Plots)
	}
	counts := r.Plots[0].Attributes["counts"].([]int)
	total := 0
	for _, c := range counts {
		total += c
	}
	if total != 50 || len(r.Plots[0].Attributes["edges"].([]float64)) != len(counts)+1 {
		t.Fatalf("histogram does not cover all objects: %v", counts)
	}
}

func TestRunHeatmapColormap(t *testing.T) {
	exp := openSynthetic(t)
	r, err := NewToolService(WithColormap("magma")).Run(context.Background(), exp, request("Heatmap", map[string]any{
		"mapobject_type": "cells", "selected_feature": "intensity",
	}), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Attributes["colormap"] != "magma" {
		t.Fatalf("expected the configured colormap, got %v", r.Attributes)
	}
}

func TestRunClustering(t *testing.T) {
	exp := openSynthetic(t)
	s := NewToolService()
	payload := map[string]any{"mapobject_type": "cells", "selected_features": []any{"area", "intensity"}, "k": 3.0}

	r1, err := s.Run(context.Background(), exp, request("Clustering", payload), "sub1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r1.Type != "KMeansToolResult" || r1.SubmissionID != "sub1" || r1.Attributes["k"] != 3 {
		t.Fatalf("unexpected result %+v", r1.SerializedToolResult)
	}
	seen := map[any]bool{}
	for _, l := range r1.Labels {
		c := l.(int)
		if c < 0 || c >= 3 {
			t.Fatalf("cluster %d out of range", c)
		}
		seen[c] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 non-empty clusters, got %d", len(seen))
	}

	r2, _ := s.Run(context.Background(), exp, request("Clustering", payload), "sub2")
	for id, l := range r1.Labels {
		if r2.Labels[id] != l {
			t.Fatal("expected deterministic clustering")
		}
	}
	if r1.ID == r2.ID {
		t.Fatal("expected distinct result ids")
	}

	payload["k"] = 20.0
	payload["selected_features"] = []any{"volume"}
	_, err = s.Run(context.Background(), exp, request("Clustering", payload), "sub3")
	var ire *InvalidRequestError
	if !errors.As(err, &ire) || !strings.Contains(err.Error(), "volume") {
		t.Fatalf("expected unknown feature error, got %v", err)
	}
}

func TestRunClassification(t *testing.T) {
	exp := openSynthetic(t)
	s := NewToolService()

	// Objects 1 and 10 sit at opposite ends of the intensity gradient.
	payload := map[string]any{
		"mapobject_type":    "cells",
		"selected_features": []any{"intensity"},
		"training_classes": []any{
			map[string]any{"name": "dim", "color": "#0000FF", "object_ids": []any{1.0, 11.0}},
			map[string]any{"name": "bright", "color": "#ff0000", "object_ids": []any{10.0, 20.0}},
		},
	}
	r, err := s.Run(context.Background(), exp, request("Classification", payload), "sub1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Type != "SupervisedClassifierToolResult" {
		t.Fatalf("unexpected type %s", r.Type)
	}
	colors := r.Attributes["color_map"].(map[string]string)
	if colors["dim"] != "#0000ff" || colors["bright"] != "#ff0000" {
		t.Fatalf("unexpected color map %v", colors)
	}
	if names := r.Attributes["unique_labels"].([]string); len(names) != 2 || names[0] != "dim" {
		t.Fatalf("unexpected unique labels %v", names)
	}
	if r.Labels[1] != "dim" || r.Labels[10] != "bright" {
		t.Fatalf("training objects misclassified: %v %v", r.Labels[1], r.Labels[10])
	}

	payload["training_classes"] = []any{
		map[string]any{"name": "a", "color": "#000000", "object_ids": []any{1.0}},
		map[string]any{"name": "b", "color": "#ffffff", "object_ids": []any{9999.0}},
	}
	if _, err := s.Run(context.Background(), exp, request("Classification", payload), "sub2"); err == nil ||
		!strings.Contains(err.Error(), `class "b"`) {
		t.Fatalf("expected empty class error, got %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	exp := openSynthetic(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewToolService().Run(ctx, exp, request("Clustering", map[string]any{
		"mapobject_type": "cells", "selected_features": []any{"area"}, "k": 2,
	}), "sub1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
