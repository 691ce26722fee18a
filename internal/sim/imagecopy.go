package sim

import (
	"errors"
	"fmt"
	"image"

	"github.com/bryanchriswhite/screencopy/internal/protocol"
)

type sourceManager struct {
	c *Compositor
}

func (m *sourceManager) CreateOutputSource(output *protocol.Output) (protocol.ImageSource, error) {
	if m.c.creationFails() {
		return nil, errors.New("output source unavailable")
	}
	if output == nil {
		return nil, errors.New("no output")
	}
	m.c.record("create-source")
	return &imageSource{}, nil
}

type imageSource struct {
	destroyed bool
}

func (s *imageSource) Destroy() { s.destroyed = true }

type imageCopyManager struct {
	c *Compositor
}

func (m *imageCopyManager) CreateSession(source protocol.ImageSource, options protocol.Options) (protocol.CopySession, error) {
	if _, ok := source.(*imageSource); !ok {
		return nil, fmt.Errorf("foreign image source %T", source)
	}
	return m.c.newCopySession(false), nil
}

func (m *imageCopyManager) CreatePointerCursorSession(source protocol.ImageSource) (protocol.CopyCursorSession, error) {
	if !m.c.profile.Cursor {
		return nil, protocol.ErrUnsupported
	}
	if _, ok := source.(*imageSource); !ok {
		return nil, fmt.Errorf("foreign image source %T", source)
	}
	return &copyCursorSession{c: m.c, tracker: m.c.newCursorTracker()}, nil
}

type copySession struct {
	c         *Compositor
	cursor    bool
	listener  protocol.CopySessionListener
	destroyed bool
}

func (c *Compositor) newCopySession(cursor bool) *copySession {
	s := &copySession{c: c, cursor: cursor}
	c.sessionsOpened++
	c.liveSessions++
	c.sessions = append(c.sessions, s)
	c.record("create-session")
	c.postCopyConstraints(s)
	return s
}

func (c *Compositor) postCopyConstraints(s *copySession) {
	width, height := uint32(c.profile.Width), uint32(c.profile.Height)
	if s.cursor {
		width, height = cursorSize, cursorSize
	}
	events := []func(protocol.CopySessionListener){
		func(l protocol.CopySessionListener) { l.BufferSize(width, height) },
		func(l protocol.CopySessionListener) { l.ShmFormat(c.profile.ShmFormat) },
	}
	if c.profile.Dmabuf {
		format := c.profile.DmabufFormat
		events = append(events, func(l protocol.CopySessionListener) { l.DmabufFormat(format, nil) })
	}
	events = append(events, func(l protocol.CopySessionListener) {
		c.negotiations++
		c.record("negotiate")
		l.Done()
	})

	for _, ev := range events {
		ev := ev
		c.post(func() {
			if !s.destroyed && s.listener != nil {
				ev(s.listener)
			}
		})
	}
}

func (s *copySession) AddListener(l protocol.CopySessionListener) { s.listener = l }

func (s *copySession) CreateFrame() (protocol.CopyFrame, error) {
	if s.destroyed {
		return nil, errors.New("session destroyed")
	}
	return &copyFrame{session: s}, nil
}

func (s *copySession) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.c.liveSessions--
	s.c.record("destroy-session")
}

func (s *copySession) renegotiate() {
	if !s.destroyed {
		s.c.postCopyConstraints(s)
	}
}

// stop fails the session's pending frames before announcing the stop.
func (s *copySession) stop() {
	c := s.c
	kept := c.pending[:0]
	for _, t := range c.pending {
		f, ok := t.(*copyFrame)
		if !ok || f.session != s {
			kept = append(kept, t)
			continue
		}
		c.post(func() {
			if f.alive() {
				c.record("failed:" + protocol.FailureStopped.String())
				f.deliverFailed(protocol.FailureStopped)
			}
		})
	}
	c.pending = kept

	c.post(func() {
		if !s.destroyed && s.listener != nil {
			s.listener.Stopped()
		}
	})
}

type copyFrame struct {
	session   *copySession
	listener  protocol.CopyFrameListener
	buffer    protocol.Buffer
	damage    []image.Rectangle
	captured  bool
	destroyed bool
}

func (f *copyFrame) AddListener(l protocol.CopyFrameListener) { f.listener = l }

func (f *copyFrame) AttachBuffer(b protocol.Buffer) {
	f.buffer = b
	f.session.c.record(fmt.Sprintf("attach:%d", b.ID()))
}

func (f *copyFrame) DamageBuffer(x, y, width, height int32) {
	f.damage = append(f.damage, image.Rect(int(x), int(y), int(x+width), int(y+height)))
}

func (f *copyFrame) Capture(onDamage bool) {
	if f.captured {
		panic("sim: frame captured twice")
	}
	f.captured = true
	var id uint32
	if f.buffer != nil {
		id = f.buffer.ID()
	}
	f.session.c.committed(f, Commit{
		Dialect:  "ext-image-copy-capture",
		Buffer:   id,
		OnDamage: onDamage,
		Damage:   f.damage,
		Cursor:   f.session.cursor,
	})
}

func (f *copyFrame) Destroy() { f.destroyed = true }

func (f *copyFrame) alive() bool {
	return !f.destroyed && !f.session.destroyed && f.listener != nil
}

func (f *copyFrame) deliverTransform(t protocol.Transform) { f.listener.Transform(t) }

func (f *copyFrame) deliverDamage(r image.Rectangle) {
	f.listener.Damage(int32(r.Min.X), int32(r.Min.Y), int32(r.Dx()), int32(r.Dy()))
}

func (f *copyFrame) deliverPresentation(secHi, secLo, nsec uint32) {
	f.listener.PresentationTime(secHi, secLo, nsec)
}

func (f *copyFrame) deliverReady() { f.listener.Ready() }

func (f *copyFrame) deliverFailed(reason protocol.FailureReason) { f.listener.Failed(reason) }

type copyCursorSession struct {
	c       *Compositor
	tracker *cursorTracker
	session *copySession
}

func (s *copyCursorSession) AddListener(l protocol.CursorListener) { s.tracker.listener = l }

func (s *copyCursorSession) GetCaptureSession() (protocol.CopySession, error) {
	if s.session != nil {
		return nil, errors.New("capture session already created")
	}
	s.session = s.c.newCopySession(true)
	return s.session, nil
}

func (s *copyCursorSession) Destroy() { s.tracker.destroyed = true }
