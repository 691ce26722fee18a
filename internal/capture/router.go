package capture

import (
	"github.com/bryanchriswhite/screencopy/internal/buffer"
	"github.com/bryanchriswhite/screencopy/internal/logger"
	"github.com/bryanchriswhite/screencopy/internal/protocol"
)

// Dispatcher picks the capture dialect from the advertised globals and
// creates Capturers for it. The choice is made once per Capturer.
type Dispatcher struct {
	globals protocol.Globals
	alloc   buffer.Allocator
}

// NewDispatcher creates a dispatcher over the probed compositor globals.
func NewDispatcher(globals protocol.Globals, alloc buffer.Allocator) *Dispatcher {
	return &Dispatcher{
		globals: globals,
		alloc:   alloc,
	}
}

// Select reports which dialect Create would use, preferring the
// image-copy dialect over the older screencopy one.
func (d *Dispatcher) Select() Kind {
	if d.globals.ImageCopyManager != nil && d.globals.SourceManager != nil {
		return KindImageCopy
	}
	if d.globals.ScreencopyManager != nil {
		return KindScreencopy
	}
	return KindNone
}

// Create opens a capture of output using the preferred dialect.
func (d *Dispatcher) Create(output *protocol.Output, renderCursor bool, opts Options) (Capturer, error) {
	log := logger.WithComponent("capture-dispatcher")

	kind := d.Select()
	c, err := d.create(kind, output, renderCursor, false, opts)
	if err != nil {
		log.Warn().
			Err(err).
			Stringer("kind", kind).
			Stringer("output", output).
			Msg("Failed to create capturer")
		return nil, err
	}

	log.Info().
		Str("id", c.ID()).
		Stringer("kind", kind).
		Stringer("output", output).
		Bool("render_cursor", renderCursor).
		Msg("Capturer created")
	return c, nil
}

// CreateCursor opens a capture of the pointer cursor over output using
// the given dialect. The cursor is never painted into the cursor image.
func (d *Dispatcher) CreateCursor(kind Kind, output *protocol.Output, opts Options) (Capturer, error) {
	c, err := d.create(kind, output, false, true, opts)
	if err != nil {
		logger.WithComponent("capture-dispatcher").Warn().
			Err(err).
			Stringer("kind", kind).
			Msg("Failed to create cursor capturer")
		return nil, err
	}
	return c, nil
}

func (d *Dispatcher) create(kind Kind, output *protocol.Output, renderCursor, captureCursor bool,
	opts Options) (Capturer, error) {
	switch kind {
	case KindImageCopy:
		if d.globals.ImageCopyManager == nil || d.globals.SourceManager == nil {
			return nil, ErrNoCaptureProtocol
		}
		c, err := newImageCopyCapturer(d.globals, output, renderCursor, captureCursor, d.alloc, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	case KindScreencopy:
		if d.globals.ScreencopyManager == nil {
			return nil, ErrNoCaptureProtocol
		}
		c, err := newScreencopyCapturer(d.globals, output, renderCursor, captureCursor, d.alloc, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, ErrNoCaptureProtocol
	}
}
