// Package cache provides caching for encoded vector tiles and result label maps.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
	LabelEntries    int
}

// Labels maps mapobject ids to the label a tool result assigned them.
type Labels map[int64]any

// Manager manages tile and label caches.
type Manager struct {
	tileCache  *bigcache.BigCache
	labelCache *lru.Cache[string, Labels]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = 10 * time.Minute
	}
	if cfg.LabelEntries <= 0 {
		cfg.LabelEntries = 64
	}

	tileCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       64 * 1024, // GeoJSON tiles are larger than PNGs
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	labelCache, err := lru.New[string, Labels](cfg.LabelEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create label cache: %w", err)
	}

	return &Manager{
		tileCache:  tileCache,
		labelCache: labelCache,
	}, nil
}

// GetTile retrieves a tile from cache.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores a tile in cache.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// GetLabels retrieves the label map of a label layer.
func (m *Manager) GetLabels(layerID string) (Labels, bool) {
	return m.labelCache.Get(layerID)
}

// SetLabels stores the label map of a label layer.
func (m *Manager) SetLabels(layerID string, labels Labels) {
	m.labelCache.Add(layerID, labels)
}

// ForgetLabels drops a label map, typically after its result was deleted.
func (m *Manager) ForgetLabels(layerID string) {
	m.labelCache.Remove(layerID)
}

// SegmentationTileKey generates a cache key for a segmentation layer tile.
func SegmentationTileKey(experimentID, layerID string, z, x, y int) string {
	return fmt.Sprintf("seg:%s:%s:%d/%d/%d", experimentID, layerID, z, x, y)
}

// LabelTileKey generates a cache key for a label layer tile. Label layer
// ids are never reused, so a deleted result cannot be served from cache
// once its layer lookup fails.
func LabelTileKey(experimentID, layerID string, zplane, tpoint, z, x, y int) string {
	return fmt.Sprintf("label:%s:%s:%d:%d:%d/%d/%d", experimentID, layerID, zplane, tpoint, z, x, y)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]any {
	return map[string]any{
		"tile_cache_len":  m.tileCache.Len(),
		"tile_cache_cap":  m.tileCache.Capacity(),
		"label_cache_len": m.labelCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}
