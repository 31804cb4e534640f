package viewer

import (
	"sync"

	"github.com/tissuemaps/tmviewer/pkg/future"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// Viewport owns the map surface and the ordered list of layers shown on it.
// The map, element and scope appear after construction; every operation
// touching the map is queued on the map handle and runs once it resolves,
// in the order the operations were issued.
type Viewport struct {
	mapHandle     *future.Handle[Map]
	mapResolver   *future.Resolver[Map]
	elemHandle    *future.Handle[*Element]
	elemResolver  *future.Resolver[*Element]
	scopeHandle   *future.Handle[*Scope]
	scopeResolver *future.Resolver[*Scope]

	mu        sync.Mutex
	layers    []Layer
	hasView   bool
	destroyed bool
}

func NewViewport() *Viewport {
	v := &Viewport{}
	v.mapHandle, v.mapResolver = future.New[Map]()
	v.elemHandle, v.elemResolver = future.New[*Element]()
	v.scopeHandle, v.scopeResolver = future.New[*Scope]()
	return v
}

func (v *Viewport) Map() *future.Handle[Map]          { return v.mapHandle }
func (v *Viewport) Element() *future.Handle[*Element] { return v.elemHandle }
func (v *Viewport) Scope() *future.Handle[*Scope]     { return v.scopeHandle }

// Mount resolves the element, scope and map handles, in that order.
// Mounting twice returns future.ErrAlreadyResolved.
func (v *Viewport) Mount(m Map, el *Element, scope *Scope) error {
	if err := v.elemResolver.Resolve(el); err != nil {
		return err
	}
	if err := v.scopeResolver.Resolve(scope); err != nil {
		return err
	}
	return v.mapResolver.Resolve(m)
}

func (v *Viewport) indexOf(l Layer) int {
	for i, x := range v.layers {
		if x == l {
			return i
		}
	}
	return -1
}

func (v *Viewport) contains(l Layer) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.indexOf(l) >= 0
}

// AddLayer appends l and attaches it to the map once the map is ready.
// Adding a layer that is already present does nothing.
func (v *Viewport) AddLayer(l Layer) {
	v.mu.Lock()
	if v.destroyed || v.indexOf(l) >= 0 {
		v.mu.Unlock()
		return
	}
	v.layers = append(v.layers, l)
	v.mu.Unlock()

	v.mapHandle.Then(func(m Map) {
		// The layer may have been removed while the map was pending.
		if v.contains(l) {
			m.AddLayer(l.TileLayer())
		}
	})
}

// RemoveLayer detaches l. Removing an absent layer does nothing.
func (v *Viewport) RemoveLayer(l Layer) {
	v.mu.Lock()
	i := v.indexOf(l)
	if i < 0 {
		v.mu.Unlock()
		return
	}
	v.layers = append(v.layers[:i], v.layers[i+1:]...)
	v.mu.Unlock()

	v.mapHandle.Then(func(m Map) {
		if !v.contains(l) {
			m.RemoveLayer(l.TileLayer())
		}
	})
}

// AddChannelLayer adds a raw channel. The first channel establishes the view.
func (v *Viewport) AddChannelLayer(l *ChannelLayer) {
	v.initView(l.Size())
	v.AddLayer(l)
}

// initView sets the fully zoomed out pixel view unless a view was set before.
func (v *Viewport) initView(size wire.ImageSize) {
	v.mu.Lock()
	first := !v.hasView && !v.destroyed
	v.hasView = true
	v.mu.Unlock()

	if first {
		view := PixelView(size)
		v.mapHandle.Then(func(m Map) { m.SetView(view) })
	}
}

func (v *Viewport) AddSegmentationLayer(l *SegmentationLayer) {
	v.AddLayer(l)
}

// Layers returns the layers in insertion order.
func (v *Viewport) Layers() []Layer {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Layer, len(v.layers))
	copy(out, v.layers)
	return out
}

// GoToPosition centers the camera on a map coordinate.
func (v *Viewport) GoToPosition(center [2]float64, zoom int) {
	v.mapHandle.Then(func(m Map) { m.SetCenter(center, zoom) })
}

// Destroy removes every layer from the map. Later additions are ignored.
func (v *Viewport) Destroy() {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return
	}
	v.destroyed = true
	layers := v.layers
	v.layers = nil
	v.mu.Unlock()

	v.mapHandle.Then(func(m Map) {
		for _, l := range layers {
			m.RemoveLayer(l.TileLayer())
		}
	})
}
