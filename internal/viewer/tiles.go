package viewer

import (
	"context"
	"fmt"

	"github.com/tissuemaps/tmviewer/internal/render"
	"github.com/tissuemaps/tmviewer/pkg/tiling"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// TileFetcher loads vector tiles. *transport.Client implements it.
type TileFetcher interface {
	FetchTile(ctx context.Context, tileURL string) (*wire.FeatureCollection, error)
}

// RenderTile fetches tile (x, y, z) of l and draws it with the layer's style.
// A feature the style rejects, such as one without a label, fails the tile.
func RenderTile(ctx context.Context, f TileFetcher, r *render.Renderer, l VectorLayer, x, y, z int) ([]byte, error) {
	size := l.Size()
	maxZoom := tiling.MaxZoom(size.Width(), size.Height(), r.TileSize())
	if !tiling.ValidTile(x, y, z, maxZoom, size.Width(), size.Height(), r.TileSize()) {
		return nil, fmt.Errorf("tile %d/%d/%d is outside layer %s", z, x, y, l.ID())
	}

	fc, err := f.FetchTile(ctx, l.TileLayer().URLFor(x, y, z))
	if err != nil {
		return nil, err
	}

	extent := tiling.TileExtent(x, y, z, maxZoom, r.TileSize())
	return r.RenderFeatures(fc.Features, extent, tiling.Resolution(z, maxZoom), l.Style)
}
