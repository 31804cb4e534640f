// Package tiling holds the pyramid arithmetic shared by the tile server and
// the viewer: zoom 0 is fully zoomed out, the deepest zoom renders one image
// pixel per screen pixel.
package tiling

import "math"

// DefaultTileSize is the edge length of a tile in screen pixels.
const DefaultTileSize = 256

// Extent is an axis-aligned box in image pixel coordinates (rows grow downwards).
type Extent struct {
	MinX, MinY, MaxX, MaxY float64
}

// Intersects reports whether e and o overlap.
func (e Extent) Intersects(o Extent) bool {
	return e.MinX < o.MaxX && o.MinX < e.MaxX && e.MinY < o.MaxY && o.MinY < e.MaxY
}

// MaxZoom returns the deepest zoom level for an image of the given size.
func MaxZoom(width, height, tileSize int) int {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	longest := width
	if height > longest {
		longest = height
	}
	if longest <= tileSize {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(longest) / float64(tileSize))))
}

// Resolution returns the number of image pixels per screen pixel at zoom z.
func Resolution(z, maxZoom int) float64 {
	if z >= maxZoom {
		return 1
	}
	return float64(int(1) << uint(maxZoom-z))
}

// TileExtent returns the image region covered by tile (x, y) at zoom z.
func TileExtent(x, y, z, maxZoom, tileSize int) Extent {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	span := float64(tileSize) * Resolution(z, maxZoom)
	return Extent{
		MinX: float64(x) * span,
		MinY: float64(y) * span,
		MaxX: float64(x+1) * span,
		MaxY: float64(y+1) * span,
	}
}

// ValidTile reports whether (x, y, z) addresses a tile of the pyramid.
func ValidTile(x, y, z, maxZoom, width, height, tileSize int) bool {
	if z < 0 || z > maxZoom || x < 0 || y < 0 {
		return false
	}
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	span := float64(tileSize) * Resolution(z, maxZoom)
	return float64(x)*span < float64(width) && float64(y)*span < float64(height)
}
