package viewer

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestFromJSONKMeans(t *testing.T) {
	data, err := json.Marshal(kmeansResult("r1"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	r, err := NewToolResultDAO().FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if len(r.Layers()) != 1 {
		t.Fatalf("expected 1 layer, got %d", len(r.Layers()))
	}
	if _, ok := r.Layers()[0].(*KMeansLabelLayer); !ok {
		t.Fatalf("expected *KMeansLabelLayer, got %T", r.Layers()[0])
	}
	if len(r.Plots()) != 2 {
		t.Fatalf("expected 2 plots, got %d", len(r.Plots()))
	}
	if _, ok := r.Plots()[0].(*HistogramPlot); !ok {
		t.Fatalf("expected *HistogramPlot, got %T", r.Plots()[0])
	}
	if _, ok := r.Plots()[1].(*ScatterPlot); !ok {
		t.Fatalf("expected *ScatterPlot, got %T", r.Plots()[1])
	}
	if r.Legend() == nil {
		t.Fatal("expected a legend")
	}
	if r.ID() != "r1" || r.Type() != "KMeansToolResult" || r.ToolName() != "Clustering" {
		t.Fatalf("unexpected result metadata id=%s type=%s tool=%s", r.ID(), r.Type(), r.ToolName())
	}
}

func TestLabelLayerName(t *testing.T) {
	tests := map[string]string{
		"KMeansToolResult":               "KMeansLabelLayer",
		"SupervisedClassifierToolResult": "SupervisedClassifierLabelLayer",
		"Heatmap":                        "Heatmap",
	}
	for in, want := range tests {
		if got := LabelLayerName(in); got != want {
			t.Errorf("LabelLayerName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFromSerializedUnknownType(t *testing.T) {
	sr := kmeansResult("r1")
	sr.Type = "SpectralToolResult"

	_, err := NewToolResultDAO().FromSerialized(sr)
	var uv *UnknownVariantError
	if !errors.As(err, &uv) {
		t.Fatalf("expected *UnknownVariantError, got %v", err)
	}
	if uv.Name != "SpectralLabelLayer" {
		t.Fatalf("expected lookup of SpectralLabelLayer, got %q", uv.Name)
	}
	if !strings.Contains(err.Error(), "SpectralToolResult") {
		t.Fatalf("error must name the offending type: %v", err)
	}
}

func TestFromSerializedUnknownPlot(t *testing.T) {
	sr := kmeansResult("r1")
	sr.Plots[1].Type = "ViolinPlot"

	_, err := NewToolResultDAO().FromSerialized(sr)
	var uv *UnknownVariantError
	if !errors.As(err, &uv) || uv.Type != "ViolinPlot" {
		t.Fatalf("expected unknown plot ViolinPlot, got %v", err)
	}
	if !strings.Contains(err.Error(), "ViolinPlot") {
		t.Fatalf("error must name the offending type: %v", err)
	}
}

func TestFromSerializedWithoutLayers(t *testing.T) {
	sr := kmeansResult("r1")
	sr.Layers = nil

	r, err := NewToolResultDAO().FromSerialized(sr)
	if err != nil {
		t.Fatalf("plot-only result must decode: %v", err)
	}
	if len(r.Layers()) != 0 || r.Legend() != nil {
		t.Fatal("expected no layers and no legend")
	}
	if len(r.Plots()) != 2 {
		t.Fatalf("expected 2 plots, got %d", len(r.Plots()))
	}
}

func TestFromSerializedPlotOnlyType(t *testing.T) {
	sr := kmeansResult("r1")
	sr.Type = "FeatureHistogramToolResult"
	sr.Layers = nil
	sr.Plots = sr.Plots[:1]

	r, err := NewToolResultDAO().FromSerialized(sr)
	if err != nil {
		t.Fatalf("plot-only result needs no label layer variant: %v", err)
	}
	if len(r.Plots()) != 1 || r.Plots()[0].Type() != "HistogramPlot" {
		t.Fatalf("unexpected plots %v", r.Plots())
	}

	sr.Plots[0].Type = "ViolinPlot"
	var uv *UnknownVariantError
	if _, err := NewToolResultDAO().FromSerialized(sr); !errors.As(err, &uv) || uv.Type != "ViolinPlot" {
		t.Fatalf("unknown plot types are still reported, got %v", err)
	}
}

func TestFromSerializedInvalidAttributes(t *testing.T) {
	sr := kmeansResult("r1")
	sr.Attributes = map[string]any{"k": "many"}

	if _, err := NewToolResultDAO().FromSerialized(sr); err == nil {
		t.Fatal("expected attribute decode error")
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry[int]("thing")
	r.Register("a", 1)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r.Register("a", 2)
}
