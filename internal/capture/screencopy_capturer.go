package capture

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/screencopy/internal/buffer"
	"github.com/bryanchriswhite/screencopy/internal/protocol"
)

// screencopyCapturer implements Capturer on ext-screencopy, where buffers
// are attached to the long-lived session itself.
type screencopyCapturer struct {
	session

	manager protocol.ScreencopyManager

	scSession protocol.ScreencopySession
	cursor    protocol.ScreencopyCursorSession
}

func newScreencopyCapturer(g protocol.Globals, output *protocol.Output, renderCursor, captureCursor bool,
	alloc buffer.Allocator, opts Options) (*screencopyCapturer, error) {
	c := &screencopyCapturer{
		session: newSession(KindScreencopy, output, renderCursor, captureCursor, alloc, opts),
		manager: g.ScreencopyManager,
	}

	if err := c.open(); err != nil {
		c.pool.Close()
		return nil, err
	}
	return c, nil
}

func (c *screencopyCapturer) open() error {
	c.closeSession()
	c.resetNegotiation()

	var scSession protocol.ScreencopySession
	if c.captureCursor {
		cursor, err := c.manager.CaptureCursor(c.output, c.options())
		if errors.Is(err, protocol.ErrUnsupported) {
			return fmt.Errorf("%w: %v", ErrCursorUnsupported, err)
		}
		if err != nil {
			return fmt.Errorf("failed to capture cursor of %s: %w", c.output, err)
		}
		if cursor == nil {
			return fmt.Errorf("compositor returned no cursor session for %s", c.output)
		}
		c.cursor = cursor
		scSession, err = cursor.GetScreencopySession()
		if err != nil {
			c.closeSession()
			return fmt.Errorf("failed to get cursor screencopy session: %w", err)
		}
	} else {
		var err error
		scSession, err = c.manager.CaptureOutput(c.output, c.options())
		if err != nil {
			return fmt.Errorf("failed to capture %s: %w", c.output, err)
		}
	}
	if scSession == nil {
		c.closeSession()
		return errors.New("compositor returned no screencopy session")
	}

	c.scSession = scSession
	c.lost = false
	scSession.AddListener((*screencopyEvents)(c))
	if c.cursor != nil {
		c.cursor.AddListener((*cursorEvents)(&c.session))
	}
	return nil
}

func (c *screencopyCapturer) closeSession() {
	if c.scSession != nil {
		c.scSession.Destroy()
		c.scSession = nil
	}
	if c.cursor != nil {
		c.cursor.Destroy()
		c.cursor = nil
	}
}

func (c *screencopyCapturer) reopen() {
	c.log.Debug().Msg("Reinitializing screencopy session")
	if err := c.open(); err != nil {
		c.lost = true
		c.state = StateUninitialized
		c.log.Error().Err(err).Msg("Failed to reopen screencopy session")
	}
}

func (c *screencopyCapturer) Start(immediate bool) error {
	if c.lost {
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

func (c *screencopyCapturer) schedule(immediate bool) error {
	buf, err := c.acquire()
	if err != nil {
		return err
	}

	c.scSession.AttachBuffer(buf.Handle)

	hints := sendDamage(&buf.BufferDamage, func(x, y, width, height int) {
		c.scSession.DamageBuffer(uint32(x), uint32(y), uint32(width), uint32(height))
	})

	c.scSession.Commit(!immediate)

	c.log.Debug().
		Bool("immediate", immediate).
		Uint64("buffer", buf.ID).
		Int("damage_hints", hints).
		Msg("Committed buffer")
	return nil
}

func (c *screencopyCapturer) Destroy() {
	c.teardown()
	c.closeSession()
}

type screencopyEvents screencopyCapturer

func (e *screencopyEvents) FormatShm(format uint32) {
	e.constraints.setShmFormat(format)
}

func (e *screencopyEvents) FormatDrm(format uint32) {
	e.constraints.setDmabufFormat(format)
}

func (e *screencopyEvents) Dimensions(width, height uint32) {
	e.constraints.setDimensions(width, height)
}

func (e *screencopyEvents) ConstraintsDone() {
	c := (*screencopyCapturer)(e)
	c.negotiated(c.schedule)
}

func (e *screencopyEvents) Damage(x, y, width, height uint32) {
	e.damage(int(x), int(y), int(width), int(height))
}

func (e *screencopyEvents) PresentationTime(secHi, secLo, nsec uint32) {
	e.presented(secHi, secLo, nsec)
}

func (e *screencopyEvents) Transform(t protocol.Transform) {
	e.transform(t)
}

func (e *screencopyEvents) Ready() {
	e.ready()
}

func (e *screencopyEvents) Failed(reason protocol.FailureReason) {
	c := (*screencopyCapturer)(e)
	c.failed(reason, c.reopen)
}
