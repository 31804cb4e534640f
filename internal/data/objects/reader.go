// Package objects reads segmented map objects of an experiment directory.
//
// Layout:
//
//	<experiment>/metadata.json
//	<experiment>/mapobjects/<type>.json.zst
//
// Each object file is a zstd-compressed JSON array of MapObject.
package objects

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/tissuemaps/tmviewer/pkg/tiling"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

var (
	ErrUnknownType    = errors.New("unknown mapobject type")
	ErrUnknownFeature = errors.New("unknown feature")
	ErrNotFound       = errors.New("mapobject not found")
)

// Metadata describes an experiment.
type Metadata struct {
	ID             string                   `json:"id"`
	Name           string                   `json:"name"`
	ImageSize      wire.ImageSize           `json:"image_size"`
	ZPlanes        int                      `json:"zplanes"`
	TPoints        int                      `json:"tpoints"`
	Channels       []wire.ChannelInfo       `json:"channels"`
	MapObjectTypes []wire.MapObjectTypeInfo `json:"mapobject_types"`
}

// MapObject is one segmented object. Outline and centroid are image pixel
// coordinates (x, row).
type MapObject struct {
	ID       int64              `json:"id"`
	ZPlane   int                `json:"zplane"`
	TPoint   int                `json:"tpoint"`
	Outline  [][2]float64       `json:"outline"`
	Centroid [2]float64         `json:"centroid"`
	Features map[string]float64 `json:"features"`

	bounds tiling.Extent
}

// Bounds returns the bounding box of the outline.
func (o *MapObject) Bounds() tiling.Extent { return o.bounds }

func (o *MapObject) computeBounds() {
	b := tiling.Extent{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, p := range o.Outline {
		b.MinX = math.Min(b.MinX, p[0])
		b.MaxX = math.Max(b.MaxX, p[0])
		b.MinY = math.Min(b.MinY, p[1])
		b.MaxY = math.Max(b.MaxY, p[1])
	}
	if len(o.Outline) == 0 {
		b = tiling.Extent{MinX: o.Centroid[0], MinY: o.Centroid[1], MaxX: o.Centroid[0], MaxY: o.Centroid[1]}
	}
	o.bounds = b
}

// typeData is the decoded content of one object file.
type typeData struct {
	objects []MapObject
	index   map[int64]int
}

// Reader provides lazy, cached access to an experiment directory.
type Reader struct {
	basePath string
	metadata *Metadata
	decoder  *zstd.Decoder

	mu    sync.Mutex
	types map[string]*typeData
}

// NewReader opens the experiment at basePath and loads its metadata.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		basePath: basePath,
		decoder:  decoder,
		types:    make(map[string]*typeData),
	}
	if err := r.loadMetadata(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return r, nil
}

func (r *Reader) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.basePath, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}
	if md.ID == "" {
		return errors.New("metadata.json: missing id")
	}
	if md.ImageSize.Width() <= 0 || md.ImageSize.Height() <= 0 {
		return fmt.Errorf("metadata.json: invalid image size %v", md.ImageSize)
	}
	if md.ZPlanes <= 0 {
		md.ZPlanes = 1
	}
	if md.TPoints <= 0 {
		md.TPoints = 1
	}
	r.metadata = &md
	return nil
}

// Metadata returns the experiment metadata.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

// Info returns the experiment in the form served to viewers. Every
// mapobject type gets one segmentation layer named after the type.
func (r *Reader) Info() wire.ExperimentInfo {
	md := r.metadata
	info := wire.ExperimentInfo{
		ID:             md.ID,
		Name:           md.Name,
		ImageSize:      md.ImageSize,
		ZPlanes:        md.ZPlanes,
		TPoints:        md.TPoints,
		Channels:       md.Channels,
		MapObjectTypes: md.MapObjectTypes,
	}
	for _, t := range md.MapObjectTypes {
		info.SegmentationLayers = append(info.SegmentationLayers, wire.SegmentationLayerInfo{
			SerializedSegmentationLayer: wire.SerializedSegmentationLayer{
				ID:           t.Name,
				ExperimentID: md.ID,
				ImageSize:    md.ImageSize,
			},
			MapObjectType: t.Name,
		})
	}
	return info
}

// HasType reports whether the experiment defines mapobjectType.
func (r *Reader) HasType(mapobjectType string) bool {
	_, ok := r.typeInfo(mapobjectType)
	return ok
}

// HasFeature reports whether objects of mapobjectType carry feature.
func (r *Reader) HasFeature(mapobjectType, feature string) bool {
	t, ok := r.typeInfo(mapobjectType)
	if !ok {
		return false
	}
	for _, f := range t.Features {
		if f == feature {
			return true
		}
	}
	return false
}

func (r *Reader) typeInfo(name string) (wire.MapObjectTypeInfo, bool) {
	for _, t := range r.metadata.MapObjectTypes {
		if t.Name == name {
			return t, true
		}
	}
	return wire.MapObjectTypeInfo{}, false
}

func (r *Reader) load(mapobjectType string) (*typeData, error) {
	if !r.HasType(mapobjectType) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, mapobjectType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if td, ok := r.types[mapobjectType]; ok {
		return td, nil
	}

	path := filepath.Join(r.basePath, "mapobjects", mapobjectType+".json.zst")
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	raw, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}

	var objs []MapObject
	if err := json.Unmarshal(raw, &objs); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	td := &typeData{objects: objs, index: make(map[int64]int, len(objs))}
	for i := range td.objects {
		td.objects[i].computeBounds()
		td.index[td.objects[i].ID] = i
	}
	r.types[mapobjectType] = td
	return td, nil
}

// Objects returns all objects of a type. The slice is shared; callers must
// not modify it.
func (r *Reader) Objects(mapobjectType string) ([]MapObject, error) {
	td, err := r.load(mapobjectType)
	if err != nil {
		return nil, err
	}
	return td.objects, nil
}

// Object returns a single object by id.
func (r *Reader) Object(mapobjectType string, id int64) (*MapObject, error) {
	td, err := r.load(mapobjectType)
	if err != nil {
		return nil, err
	}
	i, ok := td.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s %d", ErrNotFound, mapobjectType, id)
	}
	return &td.objects[i], nil
}

// FeatureValues returns the value of feature for every object of a type, in
// object order. Objects lacking the feature get NaN.
func (r *Reader) FeatureValues(mapobjectType, feature string) ([]float64, error) {
	if r.HasType(mapobjectType) && !r.HasFeature(mapobjectType, feature) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownFeature, mapobjectType, feature)
	}
	objs, err := r.Objects(mapobjectType)
	if err != nil {
		return nil, err
	}
	values := make([]float64, len(objs))
	for i := range objs {
		v, ok := objs[i].Features[feature]
		if !ok {
			v = math.NaN()
		}
		values[i] = v
	}
	return values, nil
}

// Close releases the decoder.
func (r *Reader) Close() {
	r.decoder.Close()
}
