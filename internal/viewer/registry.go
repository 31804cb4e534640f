package viewer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// Registry maps type names to factories. Concrete variants register
// themselves from init functions.
type Registry[F any] struct {
	kind string

	mu        sync.RWMutex
	factories map[string]F
}

// NewRegistry creates an empty registry. kind names the variant family in errors.
func NewRegistry[F any](kind string) *Registry[F] {
	return &Registry[F]{kind: kind, factories: make(map[string]F)}
}

// Register adds a factory. Registering a name twice panics.
func (r *Registry[F]) Register(name string, factory F) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("viewer: %s %q registered twice", r.kind, name))
	}
	r.factories[name] = factory
}

// Lookup returns the factory registered under name.
func (r *Registry[F]) Lookup(name string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Resolve is Lookup returning an *UnknownVariantError naming typ on failure.
func (r *Registry[F]) Resolve(name, typ string) (F, error) {
	f, ok := r.Lookup(name)
	if !ok {
		var zero F
		return zero, &UnknownVariantError{Kind: r.kind, Name: name, Type: typ}
	}
	return f, nil
}

// Names returns the registered names in sorted order.
func (r *Registry[F]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LabelLayerFactory builds a label layer from a layer descriptor and the result attributes.
type LabelLayerFactory func(opts LayerOptions, attrs Attributes) (LabelLayer, error)

// PlotFactory builds a plot from its serialized form.
type PlotFactory func(p wire.SerializedPlot) (Plot, error)

// Process-wide registries.
var (
	LabelLayers = NewRegistry[LabelLayerFactory]("label layer")
	Plots       = NewRegistry[PlotFactory]("plot")
)
