// Package service provides business logic for the tool server.
package service

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tissuemaps/tmviewer/internal/cache"
	"github.com/tissuemaps/tmviewer/internal/data/objects"
	"github.com/tissuemaps/tmviewer/internal/store"
	"github.com/tissuemaps/tmviewer/pkg/tiling"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

var (
	ErrLayerNotFound = errors.New("layer not found")
	ErrInvalidTile   = errors.New("invalid tile coordinates")
)

// TileServiceConfig contains tile service configuration.
type TileServiceConfig struct {
	Reader   *objects.Reader
	Store    *store.Store
	Cache    *cache.Manager
	TileSize int
}

// TileService serves the vector tiles of one experiment.
type TileService struct {
	experimentID string
	reader       *objects.Reader
	store        *store.Store
	cache        *cache.Manager
	tileSize     int
	maxZoom      int
}

// NewTileService creates a new tile service.
func NewTileService(cfg TileServiceConfig) *TileService {
	tileSize := cfg.TileSize
	if tileSize <= 0 {
		tileSize = tiling.DefaultTileSize
	}
	md := cfg.Reader.Metadata()
	return &TileService{
		experimentID: md.ID,
		reader:       cfg.Reader,
		store:        cfg.Store,
		cache:        cfg.Cache,
		tileSize:     tileSize,
		maxZoom:      tiling.MaxZoom(md.ImageSize.Width(), md.ImageSize.Height(), tileSize),
	}
}

// ExperimentID returns the id of the served experiment.
func (s *TileService) ExperimentID() string { return s.experimentID }

// Reader returns the experiment reader.
func (s *TileService) Reader() *objects.Reader { return s.reader }

// Info returns the experiment description.
func (s *TileService) Info() wire.ExperimentInfo { return s.reader.Info() }

func (s *TileService) tileExtent(x, y, z int) (tiling.Extent, error) {
	size := s.reader.Metadata().ImageSize
	if !tiling.ValidTile(x, y, z, s.maxZoom, size.Width(), size.Height(), s.tileSize) {
		return tiling.Extent{}, fmt.Errorf("%w: %d/%d/%d", ErrInvalidTile, z, x, y)
	}
	return tiling.TileExtent(x, y, z, s.maxZoom, s.tileSize), nil
}

// SegmentationTile returns the GeoJSON outlines of the objects of a
// segmentation layer intersecting tile (x, y, z).
func (s *TileService) SegmentationTile(layerID string, x, y, z int) ([]byte, error) {
	if !s.reader.HasType(layerID) {
		return nil, fmt.Errorf("%w: segmentation layer %s", ErrLayerNotFound, layerID)
	}
	extent, err := s.tileExtent(x, y, z)
	if err != nil {
		return nil, err
	}

	key := cache.SegmentationTileKey(s.experimentID, layerID, z, x, y)
	if data, ok := s.cache.GetTile(key); ok {
		return data, nil
	}

	objs, err := s.reader.Objects(layerID)
	if err != nil {
		return nil, err
	}
	fc := wire.NewFeatureCollection()
	for i := range objs {
		o := &objs[i]
		if !o.Bounds().Intersects(extent) {
			continue
		}
		fc.Features = append(fc.Features, toFeature(o, layerID, nil))
	}
	return s.encode(key, fc)
}

// LabelTile returns the outlines of tile (x, y, z) of a label layer with
// each object's label. Only objects of the requested plane that received a
// label are included.
func (s *TileService) LabelTile(layerID string, zplane, tpoint, x, y, z int) ([]byte, error) {
	layer, err := s.store.LabelLayer(s.experimentID, layerID)
	if err != nil {
		return nil, err
	}
	if layer == nil {
		return nil, fmt.Errorf("%w: label layer %s", ErrLayerNotFound, layerID)
	}
	extent, err := s.tileExtent(x, y, z)
	if err != nil {
		return nil, err
	}

	key := cache.LabelTileKey(s.experimentID, layerID, zplane, tpoint, z, x, y)
	if data, ok := s.cache.GetTile(key); ok {
		return data, nil
	}

	labels, err := s.labels(layer.ResultID)
	if err != nil {
		return nil, err
	}
	objs, err := s.reader.Objects(layer.MapObjectType)
	if err != nil {
		return nil, err
	}

	fc := wire.NewFeatureCollection()
	for i := range objs {
		o := &objs[i]
		if o.ZPlane != zplane || o.TPoint != tpoint || !o.Bounds().Intersects(extent) {
			continue
		}
		label, ok := labels[o.ID]
		if !ok {
			continue
		}
		fc.Features = append(fc.Features, toFeature(o, layer.MapObjectType, label))
	}
	return s.encode(key, fc)
}

func (s *TileService) labels(resultID string) (cache.Labels, error) {
	if labels, ok := s.cache.GetLabels(resultID); ok {
		return labels, nil
	}
	labels, err := s.store.Labels(resultID)
	if err != nil {
		return nil, fmt.Errorf("failed to load labels of %s: %w", resultID, err)
	}
	s.cache.SetLabels(resultID, labels)
	return labels, nil
}

// ForgetResult drops cached labels of a deleted result.
func (s *TileService) ForgetResult(resultID string) {
	s.cache.ForgetLabels(resultID)
}

func (s *TileService) encode(key string, fc *wire.FeatureCollection) ([]byte, error) {
	data, err := json.Marshal(fc)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetTile(key, data); err != nil {
		// Oversized tiles are served uncached.
		log.Debug().Err(err).Str("component", "tiles").Str("key", key).Msg("tile not cached")
	}
	return data, nil
}

// toFeature converts an object outline from image pixels to map
// coordinates (x, -row).
func toFeature(o *objects.MapObject, mapobjectType string, label any) wire.Feature {
	ring := make([][2]float64, len(o.Outline))
	for i, p := range o.Outline {
		ring[i] = [2]float64{p[0], -p[1]}
	}
	props := map[string]any{"id": o.ID, "type": mapobjectType}
	if label != nil {
		props["label"] = label
	}
	return wire.Feature{
		Type:       "Feature",
		Geometry:   wire.Geometry{Type: "Polygon", Coordinates: [][][2]float64{ring}},
		Properties: props,
	}
}

// ExperimentStats summarizes an experiment and the shared caches.
type ExperimentStats struct {
	ExperimentID string         `json:"experiment_id"`
	Name         string         `json:"name"`
	TileSize     int            `json:"tile_size"`
	MaxZoom      int            `json:"max_zoom"`
	MapObjects   map[string]int `json:"mapobjects"`
	Cache        map[string]any `json:"cache"`
}

// Stats counts the objects of every type. It loads types not read yet.
func (s *TileService) Stats() (*ExperimentStats, error) {
	md := s.reader.Metadata()
	st := &ExperimentStats{
		ExperimentID: s.experimentID,
		Name:         md.Name,
		TileSize:     s.tileSize,
		MaxZoom:      s.maxZoom,
		MapObjects:   make(map[string]int, len(md.MapObjectTypes)),
		Cache:        s.cache.Stats(),
	}
	for _, t := range md.MapObjectTypes {
		objs, err := s.reader.Objects(t.Name)
		if err != nil {
			return nil, err
		}
		st.MapObjects[t.Name] = len(objs)
	}
	return st, nil
}

// MapObject locates a single object.
func (s *TileService) MapObject(mapobjectType string, id int64) (*wire.MapObjectInfo, error) {
	o, err := s.reader.Object(mapobjectType, id)
	if err != nil {
		return nil, err
	}
	return &wire.MapObjectInfo{
		ID:       o.ID,
		Type:     mapobjectType,
		ZPlane:   o.ZPlane,
		TPoint:   o.TPoint,
		Centroid: o.Centroid,
	}, nil
}
