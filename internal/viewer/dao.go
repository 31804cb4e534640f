package viewer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tissuemaps/tmviewer/pkg/wire"
)

const (
	resultSuffix = "ToolResult"
	layerSuffix  = "LabelLayer"
)

// LabelLayerName derives the label layer registry key from a result type,
// e.g. KMeansToolResult becomes KMeansLabelLayer.
func LabelLayerName(resultType string) string {
	if strings.HasSuffix(resultType, resultSuffix) {
		return strings.TrimSuffix(resultType, resultSuffix) + layerSuffix
	}
	return resultType
}

// ToolResultDAO decodes server results into tool results.
type ToolResultDAO struct {
	layers *Registry[LabelLayerFactory]
	plots  *Registry[PlotFactory]
}

// NewToolResultDAO returns a DAO backed by the process-wide registries.
func NewToolResultDAO() *ToolResultDAO {
	return &ToolResultDAO{layers: LabelLayers, plots: Plots}
}

// FromJSON decodes one SerializedToolResult document.
func (d *ToolResultDAO) FromJSON(data []byte) (*ToolResult, error) {
	var sr wire.SerializedToolResult
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return d.FromSerialized(sr)
}

// FromSerialized builds a tool result. The label layer type is only resolved
// when the result carries layers, so plot-only results need no layer variant.
func (d *ToolResultDAO) FromSerialized(sr wire.SerializedToolResult) (*ToolResult, error) {
	var newLayer LabelLayerFactory
	if len(sr.Layers) > 0 {
		var err error
		if newLayer, err = d.layers.Resolve(LabelLayerName(sr.Type), sr.Type); err != nil {
			return nil, err
		}
	}

	attrs := Attributes(sr.Attributes)
	layers := make([]LabelLayer, 0, len(sr.Layers))
	for _, desc := range sr.Layers {
		opts := LayerOptionsFrom(desc)
		if opts.ExperimentID == "" {
			opts.ExperimentID = sr.ExperimentID
		}
		l, err := newLayer(opts, attrs)
		if err != nil {
			return nil, fmt.Errorf("tool result %s: %w", sr.ID, err)
		}
		layers = append(layers, l)
	}

	plots := make([]Plot, 0, len(sr.Plots))
	for _, sp := range sr.Plots {
		newPlot, err := d.plots.Resolve(sp.Type, sp.Type)
		if err != nil {
			return nil, err
		}
		p, err := newPlot(sp)
		if err != nil {
			return nil, fmt.Errorf("tool result %s: %w", sr.ID, err)
		}
		plots = append(plots, p)
	}

	var legend Legend
	if len(layers) > 0 {
		var err error
		if legend, err = layers[0].NewLegend(); err != nil {
			return nil, fmt.Errorf("tool result %s: %w", sr.ID, err)
		}
	}

	return newToolResult(sr, attrs, layers, legend, plots), nil
}
