package capture

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/screencopy/internal/buffer"
	"github.com/bryanchriswhite/screencopy/internal/protocol"
)

// imageCopyCapturer implements Capturer on ext-image-copy-capture: a
// session negotiates constraints and every capture is its own frame.
type imageCopyCapturer struct {
	session

	sources protocol.SourceManager
	manager protocol.ImageCopyManager

	copySession protocol.CopySession
	cursor      protocol.CopyCursorSession
	frame       protocol.CopyFrame
	// stopped is set when the compositor ends the session; the next Start
	// reopens it.
	stopped bool
}

func newImageCopyCapturer(g protocol.Globals, output *protocol.Output, renderCursor, captureCursor bool,
	alloc buffer.Allocator, opts Options) (*imageCopyCapturer, error) {
	c := &imageCopyCapturer{
		session: newSession(KindImageCopy, output, renderCursor, captureCursor, alloc, opts),
		sources: g.SourceManager,
		manager: g.ImageCopyManager,
	}

	if err := c.open(); err != nil {
		c.pool.Close()
		return nil, err
	}
	return c, nil
}

// open acquires an image source for the output and opens a capture
// session (through a pointer cursor session in cursor mode).
func (c *imageCopyCapturer) open() error {
	c.closeSession()
	c.resetNegotiation()

	source, err := c.sources.CreateOutputSource(c.output)
	if err != nil {
		return fmt.Errorf("failed to create image source for %s: %w", c.output, err)
	}
	if source == nil {
		return fmt.Errorf("compositor returned no image source for %s", c.output)
	}
	defer source.Destroy()

	var copySession protocol.CopySession
	if c.captureCursor {
		cursor, err := c.manager.CreatePointerCursorSession(source)
		if errors.Is(err, protocol.ErrUnsupported) {
			return fmt.Errorf("%w: %v", ErrCursorUnsupported, err)
		}
		if err != nil {
			return fmt.Errorf("failed to create cursor session: %w", err)
		}
		copySession, err = cursor.GetCaptureSession()
		if err != nil {
			cursor.Destroy()
			return fmt.Errorf("failed to get cursor capture session: %w", err)
		}
		c.cursor = cursor
	} else {
		copySession, err = c.manager.CreateSession(source, c.options())
		if err != nil {
			return fmt.Errorf("failed to create capture session: %w", err)
		}
	}
	if copySession == nil {
		c.closeSession()
		return errors.New("compositor returned no capture session")
	}

	c.copySession = copySession
	c.stopped = false
	c.lost = false
	copySession.AddListener((*copySessionEvents)(c))
	if c.cursor != nil {
		c.cursor.AddListener((*cursorEvents)(&c.session))
	}
	return nil
}

func (c *imageCopyCapturer) closeSession() {
	if c.frame != nil {
		c.frame.Destroy()
		c.frame = nil
	}
	if c.copySession != nil {
		c.copySession.Destroy()
		c.copySession = nil
	}
	if c.cursor != nil {
		c.cursor.Destroy()
		c.cursor = nil
	}
}

// reopen is the full reinit after an invalidating failure or a stop.
func (c *imageCopyCapturer) reopen() {
	c.log.Debug().Msg("Reinitializing capture session")
	if err := c.open(); err != nil {
		c.lost = true
		c.state = StateUninitialized
		c.log.Error().Err(err).Msg("Failed to reopen capture session")
	}
}

func (c *imageCopyCapturer) Start(immediate bool) error {
	if c.stopped || c.lost {
		if c.inFlight != nil || c.shouldStart {
			panic(fmt.Sprintf("capture %s: Start called while a capture is outstanding", c.id))
		}
		c.reopen()
		if c.lost {
			return ErrSessionLost
		}
	}
	return c.begin(immediate, c.schedule)
}

// schedule attaches a pool buffer to a new frame and commits it.
func (c *imageCopyCapturer) schedule(immediate bool) error {
	frame, err := c.copySession.CreateFrame()
	if err != nil {
		return fmt.Errorf("failed to create frame: %w", err)
	}

	buf, err := c.acquire()
	if err != nil {
		frame.Destroy()
		return err
	}

	c.frame = frame
	frame.AddListener((*copyFrameEvents)(c))
	frame.AttachBuffer(buf.Handle)

	hints := sendDamage(&buf.BufferDamage, func(x, y, width, height int) {
		frame.DamageBuffer(int32(x), int32(y), int32(width), int32(height))
	})

	frame.Capture(!immediate)

	c.log.Debug().
		Bool("immediate", immediate).
		Uint64("buffer", buf.ID).
		Int("damage_hints", hints).
		Msg("Committed buffer")
	return nil
}

func (c *imageCopyCapturer) destroyFrame() {
	if c.frame != nil {
		c.frame.Destroy()
		c.frame = nil
	}
}

func (c *imageCopyCapturer) Destroy() {
	c.teardown()
	c.closeSession()
}

// copySessionEvents receives constraint events.
type copySessionEvents imageCopyCapturer

func (e *copySessionEvents) BufferSize(width, height uint32) {
	e.constraints.setDimensions(width, height)
}

func (e *copySessionEvents) ShmFormat(format uint32) {
	e.constraints.setShmFormat(format)
}

func (e *copySessionEvents) DmabufFormat(format uint32, modifiers []uint64) {
	e.constraints.setDmabufFormat(format)
}

func (e *copySessionEvents) Done() {
	c := (*imageCopyCapturer)(e)
	c.negotiated(c.schedule)
}

func (e *copySessionEvents) Stopped() {
	c := (*imageCopyCapturer)(e)
	c.log.Info().Msg("Capture session stopped by compositor")
	c.stopped = true
	c.haveBufferInfo = false

	// A deferred start would otherwise wait for constraints that never come.
	if c.shouldStart {
		c.reopen()
		if c.lost {
			c.shouldStart = false
			c.finish(ResultFailed, nil)
		}
		return
	}
	if c.inFlight == nil {
		c.state = StateUninitialized
	}
}

// copyFrameEvents receives the result of the current frame.
type copyFrameEvents imageCopyCapturer

func (e *copyFrameEvents) Transform(t protocol.Transform) {
	e.transform(t)
}

func (e *copyFrameEvents) Damage(x, y, width, height int32) {
	e.damage(int(x), int(y), int(width), int(height))
}

func (e *copyFrameEvents) PresentationTime(secHi, secLo, nsec uint32) {
	e.presented(secHi, secLo, nsec)
}

func (e *copyFrameEvents) Ready() {
	c := (*imageCopyCapturer)(e)
	c.destroyFrame()
	c.ready()
}

func (e *copyFrameEvents) Failed(reason protocol.FailureReason) {
	c := (*imageCopyCapturer)(e)
	c.destroyFrame()
	c.failed(reason, c.reopen)
	if c.stopped && c.state == StateReady {
		c.state = StateUninitialized
	}
}
