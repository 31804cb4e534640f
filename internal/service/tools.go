package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tissuemaps/tmviewer/internal/data/objects"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

const histogramBins = 20

// featureColumns loads the selected features of a mapobject type.
func featureColumns(toolName string, exp *objects.Reader, mapobjectType string, features []string) ([]int64, [][]float64, error) {
	if !exp.HasType(mapobjectType) {
		return nil, nil, &InvalidRequestError{Tool: toolName, Reason: fmt.Sprintf("unknown mapobject type %q", mapobjectType)}
	}
	objs, err := exp.Objects(mapobjectType)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]int64, len(objs))
	for i := range objs {
		ids[i] = objs[i].ID
	}

	columns := make([][]float64, len(features))
	for j, f := range features {
		values, err := exp.FeatureValues(mapobjectType, f)
		if errors.Is(err, objects.ErrUnknownFeature) {
			return nil, nil, &InvalidRequestError{Tool: toolName, Reason: fmt.Sprintf("unknown feature %q", f)}
		}
		if err != nil {
			return nil, nil, err
		}
		columns[j] = values
	}
	return ids, columns, nil
}

// HeatmapTool colors every object by the value of one feature. Colormap,
// when set, is passed on to the viewer with the result.
type HeatmapTool struct {
	Colormap string
}

type heatmapParams struct {
	MapObjectType string `json:"mapobject_type" validate:"required"`
	Feature       string `json:"selected_feature" validate:"required"`
}

func (HeatmapTool) Descriptor() wire.ToolDescriptor {
	return wire.ToolDescriptor{
		Name:        "Heatmap",
		Icon:        "HMP",
		Description: "Color objects by the value of a feature.",
		RequestSchema: json.RawMessage(`{
			"type": "object",
			"required": ["mapobject_type", "selected_feature"],
			"properties": {
				"mapobject_type": {"type": "string", "minLength": 1},
				"selected_feature": {"type": "string", "minLength": 1}
			}
		}`),
	}
}

func (t HeatmapTool) Compute(ctx context.Context, exp *objects.Reader, payload map[string]any) (*Computation, error) {
	var p heatmapParams
	if err := decodeParams("Heatmap", payload, &p); err != nil {
		return nil, err
	}
	ids, columns, err := featureColumns("Heatmap", exp, p.MapObjectType, []string{p.Feature})
	if err != nil {
		return nil, err
	}

	values := columns[0]
	labels := make(map[int64]any, len(values))
	min, max := math.Inf(1), math.Inf(-1)
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		labels[ids[i]] = v
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	if len(labels) == 0 {
		return nil, &InvalidRequestError{Tool: "Heatmap", Reason: fmt.Sprintf("feature %q has no values", p.Feature)}
	}

	attrs := map[string]any{"feature": p.Feature, "min": min, "max": max}
	if t.Colormap != "" {
		attrs["colormap"] = t.Colormap
	}
	counts, edges := histogram(values, min, max, histogramBins)
	return &Computation{
		Name:          "Heatmap " + p.Feature,
		Type:          "HeatmapToolResult",
		MapObjectType: p.MapObjectType,
		Attributes:    attrs,
		Labels:        labels,
		Plots: []wire.SerializedPlot{{
			Type:       "HistogramPlot",
			Attributes: map[string]any{"feature": p.Feature, "counts": counts, "edges": edges},
		}},
	}, nil
}

// ClusteringTool groups objects with k-means over standardized features.
type ClusteringTool struct{}

type clusteringParams struct {
	MapObjectType string   `json:"mapobject_type" validate:"required"`
	Features      []string `json:"selected_features" validate:"min=1,dive,required"`
	K             int      `json:"k" validate:"gte=2,lte=20"`
}

func (ClusteringTool) Descriptor() wire.ToolDescriptor {
	return wire.ToolDescriptor{
		Name:        "Clustering",
		Icon:        "CLU",
		Description: "Unsupervised k-means clustering of objects.",
		LongRunning: true,
		RequestSchema: json.RawMessage(`{
			"type": "object",
			"required": ["mapobject_type", "selected_features", "k"],
			"properties": {
				"mapobject_type": {"type": "string", "minLength": 1},
				"selected_features": {"type": "array", "minItems": 1, "items": {"type": "string"}},
				"k": {"type": "integer", "minimum": 2, "maximum": 20}
			}
		}`),
	}
}

func (ClusteringTool) Compute(ctx context.Context, exp *objects.Reader, payload map[string]any) (*Computation, error) {
	var p clusteringParams
	if err := decodeParams("Clustering", payload, &p); err != nil {
		return nil, err
	}
	ids, columns, err := featureColumns("Clustering", exp, p.MapObjectType, p.Features)
	if err != nil {
		return nil, err
	}

	m := buildMatrix(ids, columns)
	assign, err := kmeans(ctx, m.rows, p.K, 1)
	if errors.Is(err, errTooFewObjects) {
		return nil, &InvalidRequestError{Tool: "Clustering", Reason: fmt.Sprintf("k=%d exceeds the %d usable objects", p.K, len(m.rows))}
	}
	if err != nil {
		return nil, err
	}

	labels := make(map[int64]any, len(assign))
	for i, c := range assign {
		labels[m.ids[i]] = c
	}
	return &Computation{
		Name:          fmt.Sprintf("Clustering k=%d", p.K),
		Type:          "KMeansToolResult",
		MapObjectType: p.MapObjectType,
		Attributes:    map[string]any{"k": p.K},
		Labels:        labels,
		Plots:         []wire.SerializedPlot{scatter(p.Features, m.rows, assign)},
	}, nil
}

// scatter plots the first two selected features, or the single feature
// against itself.
func scatter(features []string, rows [][]float64, labels []int) wire.SerializedPlot {
	x, y := 0, 0
	if len(features) > 1 {
		y = 1
	}
	points := make([][2]float64, len(rows))
	for i, r := range rows {
		points[i] = [2]float64{r[x], r[y]}
	}
	return wire.SerializedPlot{
		Type: "ScatterPlot",
		Attributes: map[string]any{
			"x_feature": features[x],
			"y_feature": features[y],
			"points":    points,
			"labels":    labels,
		},
	}
}

// ClassificationTool trains a nearest-centroid classifier on user-defined
// classes and labels every object.
type ClassificationTool struct{}

type classificationParams struct {
	MapObjectType   string               `json:"mapobject_type" validate:"required"`
	Features        []string             `json:"selected_features" validate:"min=1,dive,required"`
	TrainingClasses []wire.TrainingClass `json:"training_classes" validate:"min=2,dive"`
}

func (ClassificationTool) Descriptor() wire.ToolDescriptor {
	return wire.ToolDescriptor{
		Name:        "Classification",
		Icon:        "SVC",
		Description: "Supervised classification of objects from selected examples.",
		LongRunning: true,
		RequestSchema: json.RawMessage(`{
			"type": "object",
			"required": ["mapobject_type", "selected_features", "training_classes"],
			"properties": {
				"mapobject_type": {"type": "string", "minLength": 1},
				"selected_features": {"type": "array", "minItems": 1, "items": {"type": "string"}},
				"training_classes": {
					"type": "array",
					"minItems": 2,
					"items": {
						"type": "object",
						"required": ["name", "color", "object_ids"],
						"properties": {
							"name": {"type": "string", "minLength": 1},
							"color": {"type": "string", "pattern": "^#[0-9a-fA-F]{6}$"},
							"object_ids": {"type": "array", "items": {"type": "integer"}}
						}
					}
				}
			}
		}`),
	}
}

func (ClassificationTool) Compute(ctx context.Context, exp *objects.Reader, payload map[string]any) (*Computation, error) {
	var p classificationParams
	if err := decodeParams("Classification", payload, &p); err != nil {
		return nil, err
	}
	ids, columns, err := featureColumns("Classification", exp, p.MapObjectType, p.Features)
	if err != nil {
		return nil, err
	}
	m := buildMatrix(ids, columns)
	row := make(map[int64]int, len(m.ids))
	for i, id := range m.ids {
		row[id] = i
	}

	// Training set; an object listed under several classes counts for each.
	var trainRows [][]float64
	var trainClasses []int
	colorMap := make(map[string]string, len(p.TrainingClasses))
	names := make([]string, 0, len(p.TrainingClasses))
	index := make(map[string]int, len(p.TrainingClasses))
	for _, tc := range p.TrainingClasses {
		c, seen := index[tc.Name]
		if !seen {
			c = len(names)
			index[tc.Name] = c
			names = append(names, tc.Name)
			colorMap[tc.Name] = strings.ToLower(tc.Color)
		}
		for _, id := range tc.ObjectIDs {
			if i, ok := row[id]; ok {
				trainRows = append(trainRows, m.rows[i])
				trainClasses = append(trainClasses, c)
			}
		}
	}
	if len(names) < 2 {
		return nil, &InvalidRequestError{Tool: "Classification", Reason: "need at least two distinct classes"}
	}

	centers, counts := centroids(trainRows, trainClasses, len(names))
	for c, n := range counts {
		if n == 0 {
			return nil, &InvalidRequestError{Tool: "Classification", Reason: fmt.Sprintf("class %q has no usable objects", names[c])}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	labels := make(map[int64]any, len(m.rows))
	assign := make([]int, len(m.rows))
	for i, r := range m.rows {
		c := nearest(r, centers)
		assign[i] = c
		labels[m.ids[i]] = names[c]
	}
	return &Computation{
		Name:          "Classification " + strings.Join(names, "/"),
		Type:          "SupervisedClassifierToolResult",
		MapObjectType: p.MapObjectType,
		Attributes:    map[string]any{"color_map": colorMap, "unique_labels": names},
		Labels:        labels,
		Plots:         []wire.SerializedPlot{scatter(p.Features, m.rows, assign)},
	}, nil
}
