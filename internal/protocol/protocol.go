// Package protocol describes the compositor side of screen capture as Go
// interfaces.
//
// Two dialects are modelled. The image-copy dialect (ext-image-copy-capture)
// captures from an abstract image source and creates one short-lived frame
// object per capture. The screencopy dialect (ext-screencopy) keeps one
// long-lived session object and attaches every buffer to it directly.
//
// Events are delivered through listener interfaces. Listeners are only ever
// invoked from the goroutine that calls EventSource.Dispatch.
package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupported is returned by a manager when the compositor does not
// implement the requested capture (for instance cursor capture).
var ErrUnsupported = errors.New("request not supported by compositor")

// Output identifies a compositor output (a wl_output global).
type Output struct {
	Name   string `json:"name" yaml:"name"`
	Global uint32 `json:"global" yaml:"global"`
}

func (o *Output) String() string {
	if o == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d", o.Name, o.Global)
}

// Buffer is a protocol-level buffer object that can be attached to a
// capture (a wl_buffer).
type Buffer interface {
	ID() uint32
	Destroy()
}

// Options are capture session options.
type Options uint32

const (
	// OptionPaintCursors asks the compositor to composite the cursor into
	// the captured image.
	OptionPaintCursors Options = 1 << iota
)

// FailureReason explains why the compositor aborted a capture.
type FailureReason uint32

const (
	FailureUnknown FailureReason = iota
	// FailureBufferConstraints means the attached buffer no longer matches
	// the session's constraints; the session must be renegotiated.
	FailureBufferConstraints
	// FailureStopped means the capture source went away.
	FailureStopped
)

func (r FailureReason) String() string {
	switch r {
	case FailureUnknown:
		return "unknown"
	case FailureBufferConstraints:
		return "buffer_constraints"
	case FailureStopped:
		return "stopped"
	default:
		return fmt.Sprintf("reason(%d)", uint32(r))
	}
}

// Invalidating reports whether the failure invalidates the negotiated
// buffer layout.
func (r FailureReason) Invalidating() bool {
	return r == FailureBufferConstraints
}

// Transform is a wl_output transform applied to captured content.
type Transform int32

const (
	TransformNormal Transform = iota
	Transform90
	Transform180
	Transform270
	TransformFlipped
	TransformFlipped90
	TransformFlipped180
	TransformFlipped270
)

func (t Transform) String() string {
	names := [...]string{"normal", "90", "180", "270", "flipped", "flipped-90", "flipped-180", "flipped-270"}
	if t < 0 || int(t) >= len(names) {
		return fmt.Sprintf("transform(%d)", int32(t))
	}
	return names[t]
}

// Pixel formats as reported by the compositor.
const (
	// wl_shm formats
	ShmFormatARGB8888 uint32 = 0
	ShmFormatXRGB8888 uint32 = 1

	// DRM fourcc codes
	DrmFormatXRGB8888 uint32 = 0x34325258 // XR24
	DrmFormatARGB8888 uint32 = 0x34325241 // AR24
)

// PresentationTime converts the split timestamp carried by
// presentation_time events.
func PresentationTime(secHi, secLo, nsec uint32) time.Time {
	sec := int64(secHi)<<32 | int64(secLo)
	return time.Unix(sec, int64(nsec))
}

// CursorListener receives pointer cursor session events.
type CursorListener interface {
	Enter()
	Leave()
	Position(x, y int32)
	Hotspot(x, y int32)
}

// EventSource delivers queued protocol events to their listeners.
// Dispatch runs every pending handler to completion and returns how many
// events were delivered.
type EventSource interface {
	Dispatch() (int, error)
}

// Globals records which capture interfaces the compositor advertises.
// A nil field means the interface is absent.
type Globals struct {
	SourceManager     SourceManager
	ImageCopyManager  ImageCopyManager
	ScreencopyManager ScreencopyManager
}

// Interface names used when reporting advertised globals.
const (
	NameSourceManager     = "ext_output_image_capture_source_manager_v1"
	NameImageCopyManager  = "ext_image_copy_capture_manager_v1"
	NameScreencopyManager = "ext_screencopy_manager_v1"
)

// Advertised lists the names of the interfaces present in g.
func (g Globals) Advertised() []string {
	var names []string
	if g.SourceManager != nil {
		names = append(names, NameSourceManager)
	}
	if g.ImageCopyManager != nil {
		names = append(names, NameImageCopyManager)
	}
	if g.ScreencopyManager != nil {
		names = append(names, NameScreencopyManager)
	}
	return names
}
