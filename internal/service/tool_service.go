package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/oklog/ulid/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tissuemaps/tmviewer/internal/data/objects"
	"github.com/tissuemaps/tmviewer/internal/store"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

var ErrUnknownTool = errors.New("unknown tool")

// InvalidRequestError reports a payload the tool cannot run with.
type InvalidRequestError struct {
	Tool   string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid %s request: %s", e.Tool, e.Reason)
}

// Computation is what a tool produces before ids and layers are assigned.
type Computation struct {
	Name          string
	Type          string
	MapObjectType string
	Attributes    map[string]any
	Labels        map[int64]any
	Plots         []wire.SerializedPlot
}

// Tool is one server-side analysis.
type Tool interface {
	Descriptor() wire.ToolDescriptor
	Compute(ctx context.Context, exp *objects.Reader, payload map[string]any) (*Computation, error)
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolService validates tool requests and turns computations into results.
type ToolService struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
	order []string
}

// ToolOption configures the built-in tools.
type ToolOption func(*toolOptions)

type toolOptions struct {
	colormap string
}

// WithColormap names the colormap heatmap results are drawn with.
func WithColormap(name string) ToolOption {
	return func(o *toolOptions) { o.colormap = name }
}

// NewToolService creates a tool service with the built-in tools.
func NewToolService(opts ...ToolOption) *ToolService {
	var o toolOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := &ToolService{tools: make(map[string]*registeredTool)}
	for _, t := range []Tool{HeatmapTool{Colormap: o.colormap}, ClusteringTool{}, ClassificationTool{}} {
		if err := s.Register(t); err != nil {
			panic(err)
		}
	}
	return s
}

// Register adds a tool. Its request schema, if any, is compiled once.
func (s *ToolService) Register(t Tool) error {
	desc := t.Descriptor()
	rt := &registeredTool{tool: t}
	if len(desc.RequestSchema) > 0 {
		sch, err := jsonschema.CompileString(desc.Name+".schema.json", string(desc.RequestSchema))
		if err != nil {
			return fmt.Errorf("tool %s: invalid request schema: %w", desc.Name, err)
		}
		rt.schema = sch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tools[desc.Name]; dup {
		return fmt.Errorf("tool %s already registered", desc.Name)
	}
	s.tools[desc.Name] = rt
	s.order = append(s.order, desc.Name)
	return nil
}

// Tools returns the descriptors in registration order.
func (s *ToolService) Tools() []wire.ToolDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.ToolDescriptor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name].tool.Descriptor())
	}
	return out
}

// Descriptor returns the descriptor of a tool.
func (s *ToolService) Descriptor(name string) (wire.ToolDescriptor, error) {
	rt, err := s.lookup(name)
	if err != nil {
		return wire.ToolDescriptor{}, err
	}
	return rt.tool.Descriptor(), nil
}

func (s *ToolService) lookup(name string) (*registeredTool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return rt, nil
}

// Validate checks payload against the tool's request schema.
func (s *ToolService) Validate(toolName string, payload map[string]any) error {
	rt, err := s.lookup(toolName)
	if err != nil {
		return err
	}
	if rt.schema == nil {
		return nil
	}
	doc, err := normalize(payload)
	if err != nil {
		return &InvalidRequestError{Tool: toolName, Reason: err.Error()}
	}
	if err := rt.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &InvalidRequestError{Tool: toolName, Reason: schemaReason(ve)}
		}
		return &InvalidRequestError{Tool: toolName, Reason: err.Error()}
	}
	return nil
}

// schemaReason flattens a schema error to its innermost causes.
func schemaReason(ve *jsonschema.ValidationError) string {
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(leaves, "; ")
}

// normalize turns a Go payload into plain JSON values.
func normalize(payload map[string]any) (any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Run validates and computes a request against exp, returning the result
// ready to be stored. submissionID is empty for synchronous tools.
func (s *ToolService) Run(ctx context.Context, exp *objects.Reader, req wire.ToolRequest, submissionID string) (*store.Result, error) {
	if err := s.Validate(req.ToolName, req.Payload); err != nil {
		return nil, err
	}
	rt, err := s.lookup(req.ToolName)
	if err != nil {
		return nil, err
	}

	comp, err := rt.tool.Compute(ctx, exp, req.Payload)
	if err != nil {
		return nil, err
	}
	return newResult(exp, req, submissionID, comp), nil
}

func newResult(exp *objects.Reader, req wire.ToolRequest, submissionID string, comp *Computation) *store.Result {
	r := &store.Result{
		SerializedToolResult: wire.SerializedToolResult{
			ID:           ulid.Make().String(),
			Name:         comp.Name,
			Type:         comp.Type,
			ToolName:     req.ToolName,
			Attributes:   comp.Attributes,
			SubmissionID: submissionID,
			Plots:        comp.Plots,
		},
		SessionUUID:   req.SessionUUID,
		MapObjectType: comp.MapObjectType,
		Labels:        comp.Labels,
	}
	AssignLayers(exp, r)
	return r
}

// AssignLayers gives r one label layer per (zplane, tpoint) of exp and an id
// to every plot that has none.
func AssignLayers(exp *objects.Reader, r *store.Result) {
	md := exp.Metadata()
	r.ExperimentID = md.ID
	r.Layers = make([]wire.SerializedSegmentationLayer, 0, md.TPoints*md.ZPlanes)
	for t := 0; t < md.TPoints; t++ {
		for z := 0; z < md.ZPlanes; z++ {
			r.Layers = append(r.Layers, wire.SerializedSegmentationLayer{
				ID:           fmt.Sprintf("%s-t%d-z%d", r.ID, t, z),
				ExperimentID: md.ID,
				ImageSize:    md.ImageSize,
				TPoint:       t,
				ZPlane:       z,
			})
		}
	}
	plots := make([]wire.SerializedPlot, 0, len(r.Plots))
	for i, p := range r.Plots {
		if p.ID == "" {
			p.ID = fmt.Sprintf("%s-p%d", r.ID, i)
		}
		plots = append(plots, p)
	}
	r.Plots = plots
}

var paramValidator = validator.New(validator.WithRequiredStructEnabled())

// decodeParams decodes a payload into a parameter struct using its json
// tags and validates it.
func decodeParams(toolName string, payload map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(payload); err != nil {
		return &InvalidRequestError{Tool: toolName, Reason: err.Error()}
	}
	if err := paramValidator.Struct(out); err != nil {
		return &InvalidRequestError{Tool: toolName, Reason: err.Error()}
	}
	return nil
}
