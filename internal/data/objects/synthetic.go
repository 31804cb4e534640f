package objects

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// Synthetic builds a demo experiment of round "cells" laid out on a grid,
// with features area, intensity and eccentricity.
func Synthetic(id string, width, height, spacing int, seed int64) (Metadata, map[string][]MapObject) {
	rng := rand.New(rand.NewSource(seed))
	md := Metadata{
		ID:        id,
		Name:      fmt.Sprintf("synthetic %s", id),
		ImageSize: wire.ImageSize{width, height},
		ZPlanes:   1,
		TPoints:   1,
		Channels:  []wire.ChannelInfo{{ID: "dapi", Name: "DAPI"}},
		MapObjectTypes: []wire.MapObjectTypeInfo{{
			Name:     "cells",
			Features: []string{"area", "intensity", "eccentricity"},
		}},
	}

	var cells []MapObject
	var next int64 = 1
	for y := spacing / 2; y < height; y += spacing {
		for x := spacing / 2; x < width; x += spacing {
			r := float64(spacing) * (0.25 + 0.15*rng.Float64())
			cells = append(cells, MapObject{
				ID:       next,
				Outline:  circle(float64(x), float64(y), r, 12),
				Centroid: [2]float64{float64(x), float64(y)},
				Features: map[string]float64{
					"area":         math.Pi * r * r,
					"intensity":    rng.NormFloat64()*20 + 400 + float64(x)/float64(width)*400,
					"eccentricity": rng.Float64(),
				},
			})
			next++
		}
	}
	return md, map[string][]MapObject{"cells": cells}
}

func circle(cx, cy, r float64, n int) [][2]float64 {
	pts := make([][2]float64, 0, n+1)
	for i := 0; i < n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		pts = append(pts, [2]float64{cx + r*math.Cos(a), cy + r*math.Sin(a)})
	}
	return append(pts, pts[0])
}
