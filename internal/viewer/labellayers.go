package viewer

import (
	"fmt"
	"image/color"
	"sort"
	"strconv"

	"github.com/tissuemaps/tmviewer/internal/render"
	"github.com/tissuemaps/tmviewer/pkg/colormap"
)

func init() {
	LabelLayers.Register("HeatmapLabelLayer", func(opts LayerOptions, attrs Attributes) (LabelLayer, error) {
		return NewHeatmapLabelLayer(opts, attrs)
	})
	LabelLayers.Register("KMeansLabelLayer", func(opts LayerOptions, attrs Attributes) (LabelLayer, error) {
		return NewKMeansLabelLayer(opts, attrs)
	})
	LabelLayers.Register("SupervisedClassifierLabelLayer", func(opts LayerOptions, attrs Attributes) (LabelLayer, error) {
		return NewSupervisedClassifierLabelLayer(opts, attrs)
	})
}

// HeatmapAttributes are the attributes of a heatmap result.
type HeatmapAttributes struct {
	Feature  string  `json:"feature" validate:"required"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max" validate:"gtefield=Min"`
	Colormap string  `json:"colormap"`
}

// HeatmapLabelLayer colors objects by a continuous feature value.
type HeatmapLabelLayer struct {
	labelLayer
	params HeatmapAttributes
	scale  colormap.Colormap
}

// NewHeatmapLabelLayer builds a heatmap layer. The colormap defaults to viridis.
func NewHeatmapLabelLayer(opts LayerOptions, attrs Attributes) (*HeatmapLabelLayer, error) {
	l := &HeatmapLabelLayer{labelLayer: newLabelLayer(opts, attrs)}
	if err := decodeAttributes(l.attrs, &l.params); err != nil {
		return nil, fmt.Errorf("heatmap layer %s: %w", opts.ID, err)
	}
	l.scale = colormap.Viridis
	if l.params.Colormap != "" {
		cm, ok := colormap.ByName(l.params.Colormap)
		if !ok {
			return nil, fmt.Errorf("heatmap layer %s: unknown colormap %q", opts.ID, l.params.Colormap)
		}
		l.scale = cm
	}
	l.build = func() (ColorMapper, error) {
		return &continuousMapper{scale: l.scale, min: l.params.Min, max: l.params.Max}, nil
	}
	return l, nil
}

// NewLegend returns a continuous legend over [min, max].
func (l *HeatmapLabelLayer) NewLegend() (Legend, error) {
	return NewContinuousLabelLegend(l.params.Feature, l.scale, l.params.Min, l.params.Max)
}

// KMeansAttributes are the attributes of a clustering result. Labels are cluster indices.
type KMeansAttributes struct {
	K int `json:"k" validate:"gt=0"`
}

// KMeansLabelLayer colors objects by cluster.
type KMeansLabelLayer struct {
	labelLayer
	params KMeansAttributes
}

// NewKMeansLabelLayer builds a layer with one categorical color per cluster.
func NewKMeansLabelLayer(opts LayerOptions, attrs Attributes) (*KMeansLabelLayer, error) {
	l := &KMeansLabelLayer{labelLayer: newLabelLayer(opts, attrs)}
	if err := decodeAttributes(l.attrs, &l.params); err != nil {
		return nil, fmt.Errorf("k-means layer %s: %w", opts.ID, err)
	}
	l.build = func() (ColorMapper, error) {
		colors := make(map[string]color.Color, l.params.K)
		for i := 0; i < l.params.K; i++ {
			colors[strconv.Itoa(i)] = colormap.Categorical.AtIndex(i)
		}
		return &categoricalMapper{colors: colors}, nil
	}
	return l, nil
}

// NewLegend lists the clusters in index order.
func (l *KMeansLabelLayer) NewLegend() (Legend, error) {
	entries := make([]render.LegendEntry, 0, l.params.K)
	for i := 0; i < l.params.K; i++ {
		entries = append(entries, render.LegendEntry{
			Label: fmt.Sprintf("cluster %d", i),
			Color: colormap.Categorical.AtIndex(i),
		})
	}
	return NewScalarLabelLegend("clusters", entries)
}

// SupervisedClassifierAttributes are the attributes of a classification result.
type SupervisedClassifierAttributes struct {
	ColorMap     map[string]string `json:"color_map" validate:"required,min=1"`
	UniqueLabels []string          `json:"unique_labels"`
}

// SupervisedClassifierLabelLayer colors objects by predicted class.
type SupervisedClassifierLabelLayer struct {
	labelLayer
	params SupervisedClassifierAttributes
}

// NewSupervisedClassifierLabelLayer builds a layer colored by predicted class.
func NewSupervisedClassifierLabelLayer(opts LayerOptions, attrs Attributes) (*SupervisedClassifierLabelLayer, error) {
	l := &SupervisedClassifierLabelLayer{labelLayer: newLabelLayer(opts, attrs)}
	if err := decodeAttributes(l.attrs, &l.params); err != nil {
		return nil, fmt.Errorf("classifier layer %s: %w", opts.ID, err)
	}
	l.build = func() (ColorMapper, error) {
		colors := make(map[string]color.Color, len(l.params.ColorMap))
		for label, hex := range l.params.ColorMap {
			c, err := colormap.ParseHex(hex)
			if err != nil {
				return nil, fmt.Errorf("classifier layer %s: label %q: %w", l.opts.ID, label, err)
			}
			colors[label] = c
		}
		return &categoricalMapper{colors: colors}, nil
	}
	return l, nil
}

// labels returns the class labels in legend order.
func (l *SupervisedClassifierLabelLayer) labels() []string {
	if len(l.params.UniqueLabels) > 0 {
		return l.params.UniqueLabels
	}
	labels := make([]string, 0, len(l.params.ColorMap))
	for label := range l.params.ColorMap {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// NewLegend lists the classes with their colors.
func (l *SupervisedClassifierLabelLayer) NewLegend() (Legend, error) {
	m, err := l.ColorMapper()
	if err != nil {
		return nil, err
	}
	var entries []render.LegendEntry
	for _, label := range l.labels() {
		c, err := m.Color(label)
		if err != nil {
			return nil, err
		}
		entries = append(entries, render.LegendEntry{Label: label, Color: c})
	}
	return NewScalarLabelLegend("classes", entries)
}
