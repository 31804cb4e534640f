package viewer

import (
	"context"
	"fmt"
)

func init() {
	ViewModels.Register("Heatmap", func(sender RequestSender, _ *Viewer) ViewModel {
		return NewHeatmapViewModel(sender)
	})
	ViewModels.Register("Clustering", func(sender RequestSender, _ *Viewer) ViewModel {
		return NewClusteringViewModel(sender)
	})
	ViewModels.Register("Classification", func(sender RequestSender, v *Viewer) ViewModel {
		return NewClassificationViewModel(sender, v.Selection())
	})
}

func validateViewModel(m any) error {
	if err := attrValidator.Struct(m); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// GenericViewModel forwards raw payloads for tools without a dedicated view model.
type GenericViewModel struct {
	sender RequestSender
	tool   string
}

func (m *GenericViewModel) ToolName() string { return m.tool }

func (m *GenericViewModel) Send(ctx context.Context, payload map[string]any) (*ToolResult, error) {
	return m.sender.SendRequest(ctx, payload)
}

// HeatmapViewModel colors objects by the value of one feature.
type HeatmapViewModel struct {
	sender RequestSender

	MapObjectType string `validate:"required"`
	Feature       string `validate:"required"`
}

func NewHeatmapViewModel(sender RequestSender) *HeatmapViewModel {
	return &HeatmapViewModel{sender: sender}
}

func (m *HeatmapViewModel) ToolName() string { return "Heatmap" }

func (m *HeatmapViewModel) Payload() (map[string]any, error) {
	if err := validateViewModel(m); err != nil {
		return nil, err
	}
	return map[string]any{
		"mapobject_type":   m.MapObjectType,
		"selected_feature": m.Feature,
	}, nil
}

func (m *HeatmapViewModel) Run(ctx context.Context) (*ToolResult, error) {
	payload, err := m.Payload()
	if err != nil {
		return nil, err
	}
	return m.sender.SendRequest(ctx, payload)
}

// ClusteringViewModel groups objects into K clusters over the selected features.
type ClusteringViewModel struct {
	sender RequestSender

	MapObjectType string   `validate:"required"`
	Features      []string `validate:"min=1,dive,required"`
	K             int      `validate:"gte=2"`
}

func NewClusteringViewModel(sender RequestSender) *ClusteringViewModel {
	return &ClusteringViewModel{sender: sender, K: 3}
}

func (m *ClusteringViewModel) ToolName() string { return "Clustering" }

func (m *ClusteringViewModel) Payload() (map[string]any, error) {
	if err := validateViewModel(m); err != nil {
		return nil, err
	}
	return map[string]any{
		"mapobject_type":    m.MapObjectType,
		"selected_features": m.Features,
		"k":                 m.K,
	}, nil
}

func (m *ClusteringViewModel) Run(ctx context.Context) (*ToolResult, error) {
	payload, err := m.Payload()
	if err != nil {
		return nil, err
	}
	return m.sender.SendRequest(ctx, payload)
}

// ClassificationViewModel trains a classifier on the viewer's selection classes.
type ClassificationViewModel struct {
	sender    RequestSender
	selection *SelectionHandler

	MapObjectType string   `validate:"required"`
	Features      []string `validate:"min=1,dive,required"`
}

func NewClassificationViewModel(sender RequestSender, selection *SelectionHandler) *ClassificationViewModel {
	return &ClassificationViewModel{sender: sender, selection: selection}
}

func (m *ClassificationViewModel) ToolName() string { return "Classification" }

func (m *ClassificationViewModel) Payload() (map[string]any, error) {
	if err := validateViewModel(m); err != nil {
		return nil, err
	}
	classes := m.selection.TrainingClasses()
	if len(classes) < 2 {
		return nil, fmt.Errorf("invalid parameters: need at least two classes, have %d", len(classes))
	}
	return map[string]any{
		"mapobject_type":    m.MapObjectType,
		"selected_features": m.Features,
		"training_classes":  classes,
	}, nil
}

func (m *ClassificationViewModel) Run(ctx context.Context) (*ToolResult, error) {
	payload, err := m.Payload()
	if err != nil {
		return nil, err
	}
	return m.sender.SendRequest(ctx, payload)
}
