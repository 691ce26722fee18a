package capture

import (
	"errors"
	"image"

	"github.com/bryanchriswhite/screencopy/internal/buffer"
)

var (
	// ErrNoCaptureProtocol is returned when the compositor advertises no
	// usable capture protocol.
	ErrNoCaptureProtocol = errors.New("no screen capture protocol advertised by compositor")

	// ErrCursorUnsupported is returned when the selected backend cannot
	// capture the cursor.
	ErrCursorUnsupported = errors.New("cursor capture not supported by backend")

	// ErrSessionLost is returned by Start when the protocol session could
	// not be reopened after the compositor invalidated it.
	ErrSessionLost = errors.New("capture session lost")
)

// DefaultRateLimit is the frames-per-second hint given to callers.
const DefaultRateLimit = 30

// Result is the outcome of one capture.
type Result int

const (
	ResultDone Result = iota
	ResultFailed
)

func (r Result) String() string {
	if r == ResultDone {
		return "done"
	}
	return "failed"
}

// DoneFunc receives the outcome of every Start. On ResultDone the caller
// owns buf and must Release it; on ResultFailed buf is nil.
type DoneFunc func(result Result, buf *buffer.Buffer)

// CursorCallbacks receive pointer cursor events. Every field is optional.
type CursorCallbacks struct {
	Enter   func()
	Leave   func()
	Hotspot func(x, y int)
}

// Options configure a Capturer.
type Options struct {
	OnDone DoneFunc
	// RateLimit is a frames-per-second hint for the caller; the capturer
	// itself never throttles. Zero means DefaultRateLimit.
	RateLimit int
	// EnableDmabuf allows hardware buffers when the compositor offers them.
	EnableDmabuf bool
	Cursor       CursorCallbacks
}

// Capturer captures successive frames of one output or cursor.
//
// A Capturer is not safe for concurrent use. Start, Stop and Destroy must
// be called from the goroutine that dispatches protocol events.
type Capturer interface {
	// Start requests one capture. The outcome is reported once through
	// Options.OnDone. Calling Start while a capture is outstanding panics.
	Start(immediate bool) error

	// Stop is accepted for symmetry; an in-flight capture cannot be
	// aborted and will still complete.
	Stop()

	// Destroy releases the protocol session and any in-flight buffer.
	Destroy()

	// RateLimit returns the frames-per-second hint.
	RateLimit() int

	ID() string
	Kind() Kind
	State() State
	PoolStats() buffer.Stats
}

// CursorInfo is the last known cursor state of a cursor capturer.
type CursorInfo struct {
	Entered bool        `json:"entered"`
	Hotspot image.Point `json:"hotspot"`
}

// CursorReporter is implemented by capturers that track the pointer.
type CursorReporter interface {
	CursorInfo() CursorInfo
}
