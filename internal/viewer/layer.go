package viewer

import (
	"fmt"
	"image/color"
	"net/url"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// Layer is a tiled source attached to the map through a Viewport.
type Layer interface {
	ID() string
	Visible() bool
	SetVisible(visible bool)
	Size() wire.ImageSize
	// TileURL returns the URL template with literal {x}, {y} and {z} placeholders.
	TileURL() string
	// TileLayer returns the map-level layer. It is built once per Layer.
	TileLayer() *TileLayer
}

// VectorLayer is a layer drawn from styled vector features.
type VectorLayer interface {
	Layer
	Style(f wire.Feature) (color.Color, error)
}

// LayerOptions are the construction inputs shared by all layer kinds.
type LayerOptions struct {
	ID           string
	ExperimentID string
	Size         wire.ImageSize
	ZPlane       int
	TPoint       int
	// Layers are visible unless Hidden is set.
	Hidden bool
}

// LayerOptionsFrom converts a serialized layer descriptor.
func LayerOptionsFrom(l wire.SerializedSegmentationLayer) LayerOptions {
	return LayerOptions{
		ID:           l.ID,
		ExperimentID: l.ExperimentID,
		Size:         l.ImageSize,
		ZPlane:       l.ZPlane,
		TPoint:       l.TPoint,
	}
}

// Attributes is the tool-specific attribute bag of a result.
type Attributes map[string]any

// Decode copies the attributes into the struct pointed to by out, matching json tags.
func (a Attributes) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(a)); err != nil {
		return fmt.Errorf("decode attributes: %w", err)
	}
	return nil
}

// SegmentationTileURL returns the tile URL template of an outline layer.
func SegmentationTileURL(experimentID, layerID string) string {
	return fmt.Sprintf("/api/experiments/%s/segmentation_layers/%s/tiles?x={x}&y={y}&z={z}",
		url.PathEscape(experimentID), url.PathEscape(layerID))
}

// LabelTileURL returns the tile URL template of a label layer at (zplane, tpoint).
func LabelTileURL(experimentID, layerID string, zplane, tpoint int) string {
	return fmt.Sprintf("/api/experiments/%s/label_layers/%s/tiles?x={x}&y={y}&z={z}&zplane=%d&tpoint=%d",
		url.PathEscape(experimentID), url.PathEscape(layerID), zplane, tpoint)
}

// ChannelTileURL returns the tile URL template of a raw image channel.
func ChannelTileURL(experimentID, channelID string) string {
	return fmt.Sprintf("/api/experiments/%s/channel_layers/%s/tiles?x={x}&y={y}&z={z}",
		url.PathEscape(experimentID), url.PathEscape(channelID))
}

type layerBase struct {
	opts LayerOptions

	mu      sync.Mutex
	visible bool

	tileOnce sync.Once
	tile     *TileLayer
}

func newLayerBase(opts LayerOptions) layerBase {
	return layerBase{opts: opts, visible: !opts.Hidden}
}

// ID returns the layer id the server assigned.
func (b *layerBase) ID() string { return b.opts.ID }

// Size returns the full image size in pixels.
func (b *layerBase) Size() wire.ImageSize { return b.opts.Size }

// ExperimentID returns the experiment the layer belongs to.
func (b *layerBase) ExperimentID() string { return b.opts.ExperimentID }

// Visible reports whether the layer is shown.
func (b *layerBase) Visible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visible
}

// SetVisible shows or hides the layer and its map tile layer.
func (b *layerBase) SetVisible(visible bool) {
	b.mu.Lock()
	b.visible = visible
	tile := b.tile
	b.mu.Unlock()
	if tile != nil {
		tile.SetVisible(visible)
	}
}

func (b *layerBase) tileLayer(template string, style StyleFunc) *TileLayer {
	b.tileOnce.Do(func() {
		b.mu.Lock()
		b.tile = newTileLayer(template, style, b.visible)
		b.mu.Unlock()
	})
	return b.tile
}

// ChannelLayer shows one raw image channel.
type ChannelLayer struct {
	layerBase
	name string
}

// NewChannelLayer returns the layer of channel name.
func NewChannelLayer(opts LayerOptions, name string) *ChannelLayer {
	return &ChannelLayer{layerBase: newLayerBase(opts), name: name}
}

// Name returns the channel name.
func (l *ChannelLayer) Name() string { return l.name }

// TileURL returns the {z}/{x}/{y} template of the channel tiles.
func (l *ChannelLayer) TileURL() string {
	return ChannelTileURL(l.opts.ExperimentID, l.opts.ID)
}

// TileLayer returns the map layer, created on first use.
func (l *ChannelLayer) TileLayer() *TileLayer {
	return l.tileLayer(l.TileURL(), nil)
}

// DefaultOutlineColor is the stroke color of segmentation layers.
var DefaultOutlineColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// SegmentationLayer shows the outlines of one mapobject type at (zplane, tpoint).
type SegmentationLayer struct {
	layerBase
	mapobjectType string
	outline       color.Color
}

// NewSegmentationLayer returns an outline layer for mapobjectType.
func NewSegmentationLayer(opts LayerOptions, mapobjectType string) *SegmentationLayer {
	return &SegmentationLayer{
		layerBase:     newLayerBase(opts),
		mapobjectType: mapobjectType,
		outline:       DefaultOutlineColor,
	}
}

// MapObjectType returns the type of the outlined objects, e.g. "cells".
func (l *SegmentationLayer) MapObjectType() string { return l.mapobjectType }

func (l *SegmentationLayer) ZPlane() int { return l.opts.ZPlane }
func (l *SegmentationLayer) TPoint() int { return l.opts.TPoint }

// TileURL returns the {z}/{x}/{y} template of the outline tiles.
func (l *SegmentationLayer) TileURL() string {
	return SegmentationTileURL(l.opts.ExperimentID, l.opts.ID)
}

// Style strokes every outline in the same color.
func (l *SegmentationLayer) Style(wire.Feature) (color.Color, error) {
	return l.outline, nil
}

// TileLayer returns the map layer, created on first use.
func (l *SegmentationLayer) TileLayer() *TileLayer {
	return l.tileLayer(l.TileURL(), l.Style)
}
