package viewer

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingLabel is returned when a label layer is asked to style a feature without a label property.
	ErrMissingLabel = errors.New("feature has no label property")
	// ErrAlreadyAttached is returned when a tool result is attached to a viewer a second time.
	ErrAlreadyAttached = errors.New("tool result already attached")
	// ErrResultDeleted is returned when attaching a tool result that was deleted.
	ErrResultDeleted = errors.New("tool result deleted")
	// ErrViewerDestroyed is returned by operations on a destroyed viewer.
	ErrViewerDestroyed = errors.New("viewer destroyed")
	// ErrSessionClosed is returned by requests on a closed tool session.
	ErrSessionClosed = errors.New("tool session closed")
	// ErrStaleResult is returned when a result arrives after a newer one of the same session was attached.
	ErrStaleResult = errors.New("stale tool result")
	// ErrNoPushChannel is returned when a long-running tool is used without a push channel.
	ErrNoPushChannel = errors.New("long-running tool requires a push channel")

	errRasterLayer = errors.New("raster layer has no vector style")
)

// UnknownVariantError reports a type name with no registered implementation.
type UnknownVariantError struct {
	Kind string // "label layer" or "plot"
	Name string // registry key that was looked up
	Type string // type string as sent by the server
}

func (e *UnknownVariantError) Error() string {
	if e.Name == e.Type {
		return fmt.Sprintf("unknown %s type %q", e.Kind, e.Type)
	}
	return fmt.Sprintf("unknown result type %q: no %s registered as %q", e.Type, e.Kind, e.Name)
}
