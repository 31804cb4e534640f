// Package wire defines the JSON documents exchanged between the viewer and the server.
package wire

import "encoding/json"

// ImageSize is the [width, height] of pyramid level 0 in pixels.
type ImageSize [2]int

func (s ImageSize) Width() int  { return s[0] }
func (s ImageSize) Height() int { return s[1] }

// SerializedSegmentationLayer describes one tiled layer of a tool result or experiment.
type SerializedSegmentationLayer struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experiment_id"`
	ImageSize    ImageSize `json:"image_size"`
	TPoint       int       `json:"tpoint"`
	ZPlane       int       `json:"zplane"`
}

// SerializedPlot is an opaque, tool-defined plot.
type SerializedPlot struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes"`
}

// SerializedToolResult is the server representation of one tool computation.
type SerializedToolResult struct {
	ID           string                        `json:"id"`
	Name         string                        `json:"name"`
	Type         string                        `json:"type"`
	ToolName     string                        `json:"tool_name"`
	Attributes   map[string]any                `json:"attributes"`
	SubmissionID string                        `json:"submission_id"`
	Layers       []SerializedSegmentationLayer `json:"layers"`
	Plots        []SerializedPlot              `json:"plots"`
	ExperimentID string                        `json:"experiment_id"`
}

// ToolRequest is the body of POST /tools/{toolName}/instances/{sessionId}/request.
type ToolRequest struct {
	SessionUUID  string         `json:"session_uuid"`
	ToolName     string         `json:"tool_name"`
	ExperimentID string         `json:"experiment_id,omitempty"`
	Payload      map[string]any `json:"payload"`
}

// Envelope wraps every successful tool endpoint response.
type Envelope struct {
	Data json.RawMessage `json:"data"`
}

// ErrorBody is the JSON body of a failed tool endpoint response.
type ErrorBody struct {
	Message string `json:"message"`
}

// Submission statuses returned for long-running tools.
const (
	SubmissionQueued = "queued"
)

// SubmissionAck is returned in place of a result when the tool runs asynchronously.
type SubmissionAck struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
}

// Push event names.
const (
	EventResultReady  = "result_ready"
	EventResultFailed = "result_failed"
)

// PushEvent is a server-to-client message on the push channel.
type PushEvent struct {
	Event        string                `json:"event"`
	SessionUUID  string                `json:"session_uuid"`
	SubmissionID string                `json:"submission_id,omitempty"`
	Result       *SerializedToolResult `json:"result,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// Push command types.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
)

// PushCommand is a client-to-server message on the push channel.
type PushCommand struct {
	Type         string   `json:"type"`
	SessionUUIDs []string `json:"session_uuids"`
}

// ToolDescriptor is the static description of an available tool.
type ToolDescriptor struct {
	Name          string          `json:"name"`
	Icon          string          `json:"icon"`
	Template      string          `json:"template"`
	Description   string          `json:"description"`
	RequestSchema json.RawMessage `json:"request_schema,omitempty"`
	LongRunning   bool            `json:"long_running"`
}

// ChannelInfo describes a raw image channel of an experiment.
type ChannelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MapObjectTypeInfo describes a kind of segmented object and its features.
type MapObjectTypeInfo struct {
	Name     string   `json:"name"`
	Features []string `json:"features"`
}

// SegmentationLayerInfo is an experiment segmentation layer together with its object type.
type SegmentationLayerInfo struct {
	SerializedSegmentationLayer
	MapObjectType string `json:"mapobject_type"`
}

// ExperimentInfo is returned by GET /api/experiments/{id}.
type ExperimentInfo struct {
	ID                 string                  `json:"id"`
	Name               string                  `json:"name"`
	ImageSize          ImageSize               `json:"image_size"`
	ZPlanes            int                     `json:"zplanes"`
	TPoints            int                     `json:"tpoints"`
	Channels           []ChannelInfo           `json:"channels"`
	MapObjectTypes     []MapObjectTypeInfo     `json:"mapobject_types"`
	SegmentationLayers []SegmentationLayerInfo `json:"segmentation_layers"`
}

// MapObjectInfo locates a single object in the image.
type MapObjectInfo struct {
	ID       int64      `json:"id"`
	Type     string     `json:"type"`
	ZPlane   int        `json:"zplane"`
	TPoint   int        `json:"tpoint"`
	Centroid [2]float64 `json:"centroid"`
}

// TrainingClass is one entry of the training_classes payload of supervised tools.
type TrainingClass struct {
	Name      string  `json:"name"`
	Color     string  `json:"color"`
	ObjectIDs []int64 `json:"object_ids"`
}

// Geometry is a GeoJSON polygon in map coordinates (x right, y negated image rows).
type Geometry struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

// Feature is a GeoJSON feature.
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

// FeatureCollection is the body of a vector tile response.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// NewFeatureCollection returns an empty, non-nil collection.
func NewFeatureCollection() *FeatureCollection {
	return &FeatureCollection{Type: "FeatureCollection", Features: make([]Feature, 0)}
}
