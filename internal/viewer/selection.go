package viewer

import (
	"image/color"
	"sync"

	"github.com/tissuemaps/tmviewer/pkg/colormap"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// Class groups the objects of all selections that share a class name.
type Class struct {
	Name      string
	Color     color.RGBA
	ObjectIDs []int64
}

// MapObjectSelection is a named, colored set of objects of one type.
type MapObjectSelection struct {
	h *SelectionHandler

	id            int
	name          string
	color         color.RGBA
	mapobjectType string
	objectIDs     []int64
	useAsClass    bool
	className     string
}

func (s *MapObjectSelection) ID() int { return s.id }

func (s *MapObjectSelection) Name() string {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	return s.name
}

func (s *MapObjectSelection) Color() color.RGBA {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	return s.color
}

func (s *MapObjectSelection) SetColor(c color.RGBA) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	if s.color != c {
		s.color = c
		s.h.dirty = true
	}
}

func (s *MapObjectSelection) MapObjectType() string { return s.mapobjectType }

// ObjectIDs returns the member ids in insertion order.
func (s *MapObjectSelection) ObjectIDs() []int64 {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	out := make([]int64, len(s.objectIDs))
	copy(out, s.objectIDs)
	return out
}

func (s *MapObjectSelection) Size() int {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	return len(s.objectIDs)
}

func (s *MapObjectSelection) indexOf(id int64) int {
	for i, x := range s.objectIDs {
		if x == id {
			return i
		}
	}
	return -1
}

// AddMapObject adds id unless it is already selected.
func (s *MapObjectSelection) AddMapObject(id int64) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	if s.indexOf(id) >= 0 {
		return
	}
	s.objectIDs = append(s.objectIDs, id)
	s.h.dirty = true
}

func (s *MapObjectSelection) RemoveMapObject(id int64) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return
	}
	s.objectIDs = append(s.objectIDs[:i], s.objectIDs[i+1:]...)
	s.h.dirty = true
}

// Clear removes all members.
func (s *MapObjectSelection) Clear() {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	if len(s.objectIDs) == 0 {
		return
	}
	s.objectIDs = nil
	s.h.dirty = true
}

// SetUseAsClass flags the selection as a training class contributor under className.
func (s *MapObjectSelection) SetUseAsClass(use bool, className string) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	if s.useAsClass == use && s.className == className {
		return
	}
	s.useAsClass = use
	s.className = className
	s.h.dirty = true
}

func (s *MapObjectSelection) UseAsClass() (bool, string) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	return s.useAsClass, s.className
}

// SelectionHandler owns the selections of a viewer and derives training classes from them.
type SelectionHandler struct {
	mu         sync.Mutex
	nextID     int
	selections []*MapObjectSelection
	active     *MapObjectSelection

	dirty   bool
	classes []Class
	// recomputed counts class rebuilds.
	recomputed int
}

func NewSelectionHandler() *SelectionHandler {
	return &SelectionHandler{}
}

// AddSelection creates an empty selection with the next categorical color and makes it active.
func (h *SelectionHandler) AddSelection(mapobjectType, name string) *MapObjectSelection {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := colormap.Categorical.AtIndex(h.nextID).(color.RGBA)
	s := &MapObjectSelection{
		h:             h,
		id:            h.nextID,
		name:          name,
		color:         c,
		mapobjectType: mapobjectType,
	}
	h.nextID++
	h.selections = append(h.selections, s)
	h.active = s
	h.dirty = true
	return s
}

// RemoveSelection drops s. Removing an unknown selection does nothing.
func (h *SelectionHandler) RemoveSelection(s *MapObjectSelection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, x := range h.selections {
		if x == s {
			h.selections = append(h.selections[:i], h.selections[i+1:]...)
			if h.active == s {
				h.active = nil
			}
			h.dirty = true
			return
		}
	}
}

func (h *SelectionHandler) Selections() []*MapObjectSelection {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*MapObjectSelection, len(h.selections))
	copy(out, h.selections)
	return out
}

func (h *SelectionHandler) ActiveSelection() *MapObjectSelection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *SelectionHandler) SetActiveSelection(s *MapObjectSelection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = s
}

// Classes returns the training classes, rebuilding them if any selection changed.
// Object ids of selections sharing a class name are concatenated in selection
// order without removing duplicates; the class takes the color of its first selection.
func (h *SelectionHandler) Classes() []Class {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dirty || h.classes == nil {
		h.classes = h.buildClasses()
		h.dirty = false
		h.recomputed++
	}
	out := make([]Class, len(h.classes))
	for i, c := range h.classes {
		out[i] = Class{Name: c.Name, Color: c.Color, ObjectIDs: append([]int64(nil), c.ObjectIDs...)}
	}
	return out
}

func (h *SelectionHandler) buildClasses() []Class {
	classes := make([]Class, 0)
	index := make(map[string]int)
	for _, s := range h.selections {
		if !s.useAsClass {
			continue
		}
		i, ok := index[s.className]
		if !ok {
			i = len(classes)
			index[s.className] = i
			classes = append(classes, Class{Name: s.className, Color: s.color})
		}
		classes[i].ObjectIDs = append(classes[i].ObjectIDs, s.objectIDs...)
	}
	return classes
}

// TrainingClasses returns the classes in request payload form.
func (h *SelectionHandler) TrainingClasses() []wire.TrainingClass {
	classes := h.Classes()
	out := make([]wire.TrainingClass, len(classes))
	for i, c := range classes {
		ids := c.ObjectIDs
		if ids == nil {
			ids = []int64{}
		}
		out[i] = wire.TrainingClass{Name: c.Name, Color: colormap.Hex(c.Color), ObjectIDs: ids}
	}
	return out
}
