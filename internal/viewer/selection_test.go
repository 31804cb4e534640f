package viewer

import (
	"reflect"
	"testing"

	"github.com/tissuemaps/tmviewer/pkg/colormap"
)

func TestClassAggregation(t *testing.T) {
	h := NewSelectionHandler()
	a := h.AddSelection("cells", "A")
	a.AddMapObject(1)
	a.AddMapObject(2)
	a.SetUseAsClass(true, "foo")

	b := h.AddSelection("cells", "A")
	b.AddMapObject(2)
	b.AddMapObject(3)
	b.SetUseAsClass(true, "foo")

	h.AddSelection("cells", "ignored").AddMapObject(4)

	classes := h.Classes()
	if len(classes) != 1 {
		t.Fatalf("expected 1 class, got %d", len(classes))
	}
	foo := classes[0]
	if foo.Name != "foo" {
		t.Fatalf("expected class foo, got %q", foo.Name)
	}
	if want := []int64{1, 2, 2, 3}; !reflect.DeepEqual(foo.ObjectIDs, want) {
		t.Fatalf("expected ids %v, got %v", want, foo.ObjectIDs)
	}
	if foo.Color != a.Color() {
		t.Fatalf("expected the first selection's color %v, got %v", a.Color(), foo.Color)
	}
	if a.Color() == b.Color() {
		t.Fatal("test needs distinct selection colors")
	}
}

func TestClassesRecomputedOnDemand(t *testing.T) {
	h := NewSelectionHandler()
	s := h.AddSelection("cells", "s")
	s.SetUseAsClass(true, "x")
	s.AddMapObject(10)

	h.Classes()
	h.Classes()
	if h.recomputed != 1 {
		t.Fatalf("expected one rebuild, got %d", h.recomputed)
	}

	s.AddMapObject(10) // already selected
	h.Classes()
	if h.recomputed != 1 {
		t.Fatalf("unchanged membership must not rebuild, got %d", h.recomputed)
	}

	s.AddMapObject(11)
	if got := h.Classes()[0].ObjectIDs; !reflect.DeepEqual(got, []int64{10, 11}) {
		t.Fatalf("unexpected ids %v", got)
	}
	s.SetUseAsClass(true, "y")
	if got := h.Classes()[0].Name; got != "y" {
		t.Fatalf("expected renamed class y, got %q", got)
	}
	s.SetUseAsClass(false, "y")
	if got := len(h.Classes()); got != 0 {
		t.Fatalf("expected no classes, got %d", got)
	}
	if h.recomputed != 4 {
		t.Fatalf("expected 4 rebuilds, got %d", h.recomputed)
	}
}

func TestSelectionMembership(t *testing.T) {
	h := NewSelectionHandler()
	s := h.AddSelection("nuclei", "n")
	if h.ActiveSelection() != s {
		t.Fatal("new selection should become active")
	}

	s.AddMapObject(1)
	s.AddMapObject(2)
	s.RemoveMapObject(1)
	s.RemoveMapObject(42)
	if got := s.ObjectIDs(); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("unexpected ids %v", got)
	}
	s.Clear()
	if s.Size() != 0 {
		t.Fatal("expected empty selection")
	}

	h.RemoveSelection(s)
	h.RemoveSelection(s)
	if len(h.Selections()) != 0 || h.ActiveSelection() != nil {
		t.Fatal("expected no selections")
	}
}

func TestTrainingClasses(t *testing.T) {
	h := NewSelectionHandler()
	s := h.AddSelection("cells", "s")
	s.SetUseAsClass(true, "tumor")
	s.AddMapObject(5)
	empty := h.AddSelection("cells", "e")
	empty.SetUseAsClass(true, "normal")

	tc := h.TrainingClasses()
	if len(tc) != 2 {
		t.Fatalf("expected 2 classes, got %d", len(tc))
	}
	if tc[0].Name != "tumor" || tc[0].Color != colormap.Hex(s.Color()) || !reflect.DeepEqual(tc[0].ObjectIDs, []int64{5}) {
		t.Fatalf("unexpected class %+v", tc[0])
	}
	if tc[1].ObjectIDs == nil {
		t.Fatal("empty class must serialize as an empty list")
	}
}
