// Package colormap provides the color schemes used to encode labels on the map.
package colormap

import (
	"fmt"
	"image/color"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Colormap maps normalized values in [0, 1], or category indices, to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// Linear interpolates between evenly spaced color stops.
type Linear struct {
	name  string
	stops []color.RGBA
}

// Name returns the lower-case name the map is registered under.
func (c Linear) Name() string { return c.name }

// At returns the color at t. Values outside [0, 1] and NaN are clamped.
func (c Linear) At(t float64) color.Color {
	last := len(c.stops) - 1
	switch {
	case t <= 0 || math.IsNaN(t):
		return c.stops[0]
	case t >= 1:
		return c.stops[last]
	}
	pos := t * float64(last)
	i := int(pos)
	return mix(c.stops[i], c.stops[i+1], pos-float64(i))
}

// AtIndex returns stop i, wrapping around.
func (c Linear) AtIndex(i int) color.Color {
	return c.stops[wrap(i, len(c.stops))]
}

func mix(a, b color.RGBA, f float64) color.RGBA {
	ch := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + f*(float64(y)-float64(x))))
	}
	return color.RGBA{R: ch(a.R, b.R), G: ch(a.G, b.G), B: ch(a.B, b.B), A: 255}
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// Palette is a list of distinct colors for categorical labels.
type Palette struct {
	name   string
	colors []color.RGBA
}

// Name returns the lower-case name the palette is registered under.
func (p Palette) Name() string { return p.name }

// At returns the color of the bucket t falls into.
func (p Palette) At(t float64) color.Color {
	i := int(t * float64(len(p.colors)))
	return p.colors[min(max(i, 0), len(p.colors)-1)]
}

// AtIndex returns color i, wrapping around.
func (p Palette) AtIndex(i int) color.Color {
	return p.colors[wrap(i, len(p.colors))]
}

// Len returns the number of distinct colors.
func (p Palette) Len() int {
	return len(p.colors)
}

// stops parses a list of hex colors. It panics on malformed input and is
// only used for the built-in maps.
func stops(hexes ...string) []color.RGBA {
	out := make([]color.RGBA, len(hexes))
	for i, h := range hexes {
		c, err := ParseHex(h)
		if err != nil {
			panic(err)
		}
		out[i] = c
	}
	return out
}

// Sequential maps sampled from matplotlib.
var (
	Viridis = Linear{name: "viridis", stops: stops(
		"#440154", "#482374", "#404387", "#345e8d", "#29788e", "#20908c",
		"#22a784", "#44be70", "#79d151", "#bdde26", "#fde725")}
	Plasma = Linear{name: "plasma", stops: stops(
		"#0d0887", "#4b03a1", "#7d03a8", "#a82296", "#cb4679", "#e56b5d",
		"#f89441", "#fdc328", "#f0f921")}
	Inferno = Linear{name: "inferno", stops: stops(
		"#000004", "#280b54", "#65156e", "#9f2a63", "#d44842", "#f57d15",
		"#fac127", "#fcffa4")}
	Magma = Linear{name: "magma", stops: stops(
		"#000004", "#1c1044", "#4f127b", "#812581", "#b5367a", "#e55064",
		"#fb8761", "#fec287", "#fcfdbf")}
)

// Categorical is the tab20 palette, dark shades first.
var Categorical = Palette{name: "categorical", colors: stops(
	"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
	"#8c564b", "#e377c2", "#7f7f7f", "#bcbd22", "#17becf",
	"#aec7e8", "#ffbb78", "#98df8a", "#ff9896", "#c5b0d5",
	"#c49c94", "#f7b6d2", "#c7c7c7", "#dbdb8d", "#9edae5")}

var registry = map[string]Colormap{
	Viridis.name:     Viridis,
	Plasma.name:      Plasma,
	Inferno.name:     Inferno,
	Magma.name:       Magma,
	Categorical.name: Categorical,
}

// ByName looks up a colormap by name, ignoring case and surrounding space.
func ByName(name string) (Colormap, bool) {
	c, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Names returns the registered colormap names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Hex formats c as "#rrggbb".
func Hex(c color.Color) string {
	r, g, b, _ := c.RGBA()
	return fmt.Sprintf("#%02x%02x%02x", uint8(r>>8), uint8(g>>8), uint8(b>>8))
}

// ParseHex parses "#rgb" or "#rrggbb" (the leading '#' is optional).
func ParseHex(s string) (color.RGBA, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}
