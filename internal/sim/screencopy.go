package sim

import (
	"errors"
	"fmt"
	"image"

	"github.com/bryanchriswhite/screencopy/internal/protocol"
)

type screencopyManager struct {
	c *Compositor
}

func (m *screencopyManager) CaptureOutput(output *protocol.Output, options protocol.Options) (protocol.ScreencopySession, error) {
	if m.c.creationFails() {
		return nil, errors.New("output unavailable")
	}
	if output == nil {
		return nil, errors.New("no output")
	}
	return m.c.newScreencopySession(false), nil
}

func (m *screencopyManager) CaptureCursor(output *protocol.Output, options protocol.Options) (protocol.ScreencopyCursorSession, error) {
	if !m.c.profile.Cursor {
		return nil, protocol.ErrUnsupported
	}
	if m.c.creationFails() {
		return nil, errors.New("output unavailable")
	}
	return &screencopyCursorSession{c: m.c, tracker: m.c.newCursorTracker()}, nil
}

// screencopySession is both the negotiation object and the capture
// target; a new capture generation starts with every commit.
type screencopySession struct {
	c         *Compositor
	cursor    bool
	listener  protocol.ScreencopySessionListener
	attached  protocol.Buffer
	damage    []image.Rectangle
	inFlight  *screencopyCapture
	destroyed bool
}

func (c *Compositor) newScreencopySession(cursor bool) *screencopySession {
	s := &screencopySession{c: c, cursor: cursor}
	c.sessionsOpened++
	c.liveSessions++
	c.sessions = append(c.sessions, s)
	c.record("create-session")
	c.postScreencopyConstraints(s)
	return s
}

func (c *Compositor) postScreencopyConstraints(s *screencopySession) {
	width, height := uint32(c.profile.Width), uint32(c.profile.Height)
	if s.cursor {
		width, height = cursorSize, cursorSize
	}
	events := []func(protocol.ScreencopySessionListener){
		func(l protocol.ScreencopySessionListener) { l.FormatShm(c.profile.ShmFormat) },
	}
	if c.profile.Dmabuf {
		format := c.profile.DmabufFormat
		events = append(events, func(l protocol.ScreencopySessionListener) { l.FormatDrm(format) })
	}
	events = append(events,
		func(l protocol.ScreencopySessionListener) { l.Dimensions(width, height) },
		func(l protocol.ScreencopySessionListener) {
			c.negotiations++
			c.record("negotiate")
			l.ConstraintsDone()
		},
	)

	for _, ev := range events {
		ev := ev
		c.post(func() {
			if !s.destroyed && s.listener != nil {
				ev(s.listener)
			}
		})
	}
}

func (s *screencopySession) AddListener(l protocol.ScreencopySessionListener) { s.listener = l }

func (s *screencopySession) AttachBuffer(b protocol.Buffer) {
	s.attached = b
	s.damage = nil
	s.c.record(fmt.Sprintf("attach:%d", b.ID()))
}

func (s *screencopySession) DamageBuffer(x, y, width, height uint32) {
	s.damage = append(s.damage, image.Rect(int(x), int(y), int(x+width), int(y+height)))
}

func (s *screencopySession) Commit(onDamage bool) {
	if s.inFlight != nil && s.inFlight.alive() {
		panic("sim: commit while a capture is in flight")
	}
	var id uint32
	if s.attached != nil {
		id = s.attached.ID()
	}
	capture := &screencopyCapture{session: s}
	s.inFlight = capture
	s.c.committed(capture, Commit{
		Dialect:  "ext-screencopy",
		Buffer:   id,
		OnDamage: onDamage,
		Damage:   s.damage,
		Cursor:   s.cursor,
	})
	s.damage = nil
}

func (s *screencopySession) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.c.liveSessions--
	s.c.record("destroy-session")
}

func (s *screencopySession) renegotiate() {
	if !s.destroyed {
		s.c.postScreencopyConstraints(s)
	}
}

// stop has no counterpart in this dialect.
func (s *screencopySession) stop() {}

// screencopyCapture is one commit on a screencopy session.
type screencopyCapture struct {
	session *screencopySession
	done    bool
}

func (c *screencopyCapture) alive() bool {
	return !c.done && !c.session.destroyed && c.session.listener != nil
}

func (c *screencopyCapture) deliverTransform(t protocol.Transform) {
	c.session.listener.Transform(t)
}

func (c *screencopyCapture) deliverDamage(r image.Rectangle) {
	c.session.listener.Damage(uint32(r.Min.X), uint32(r.Min.Y), uint32(r.Dx()), uint32(r.Dy()))
}

func (c *screencopyCapture) deliverPresentation(secHi, secLo, nsec uint32) {
	c.session.listener.PresentationTime(secHi, secLo, nsec)
}

func (c *screencopyCapture) deliverReady() {
	c.done = true
	c.session.listener.Ready()
}

func (c *screencopyCapture) deliverFailed(reason protocol.FailureReason) {
	c.done = true
	c.session.listener.Failed(reason)
}

type screencopyCursorSession struct {
	c       *Compositor
	tracker *cursorTracker
	session *screencopySession
}

func (s *screencopyCursorSession) AddListener(l protocol.CursorListener) { s.tracker.listener = l }

func (s *screencopyCursorSession) GetScreencopySession() (protocol.ScreencopySession, error) {
	if s.session != nil {
		return nil, errors.New("screencopy session already created")
	}
	s.session = s.c.newScreencopySession(true)
	return s.session, nil
}

func (s *screencopyCursorSession) Destroy() { s.tracker.destroyed = true }
