package viewer

import "sync"

// Element is a node of the headless view tree. Legends and plots render into
// elements which are appended to the viewer's containers.
type Element struct {
	mu          sync.Mutex
	name        string
	visible     bool
	contentType string
	content     []byte
	parent      *Element
	children    []*Element
}

// NewElement creates a visible, detached element.
func NewElement(name string) *Element {
	return &Element{name: name, visible: true}
}

func (e *Element) Name() string {
	return e.name
}

// SetVisible shows or hides the element.
func (e *Element) SetVisible(visible bool) {
	e.mu.Lock()
	e.visible = visible
	e.mu.Unlock()
}

func (e *Element) Visible() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visible
}

// SetContent replaces the rendered content of the element.
func (e *Element) SetContent(contentType string, data []byte) {
	e.mu.Lock()
	e.contentType = contentType
	e.content = data
	e.mu.Unlock()
}

// Content returns the content type and the rendered bytes.
func (e *Element) Content() (string, []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contentType, e.content
}

// Append makes child the last child of e, detaching it from any previous parent.
func (e *Element) Append(child *Element) {
	if child == nil || child == e {
		return
	}
	if child.Parent() == e {
		return
	}
	child.Remove()

	e.mu.Lock()
	e.children = append(e.children, child)
	e.mu.Unlock()

	child.mu.Lock()
	child.parent = e
	child.mu.Unlock()
}

// Remove detaches e from its parent. Removing a detached element is a no-op.
func (e *Element) Remove() {
	e.mu.Lock()
	parent := e.parent
	e.parent = nil
	e.mu.Unlock()
	if parent == nil {
		return
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()
	for i, c := range parent.children {
		if c == e {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			return
		}
	}
}

func (e *Element) Parent() *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parent
}

// Children returns a snapshot of the child list.
func (e *Element) Children() []*Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Element, len(e.children))
	copy(out, e.children)
	return out
}
