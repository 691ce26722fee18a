// Package sim is an in-memory compositor speaking both capture dialects.
//
// Requests are recorded and events are queued; nothing reaches a listener
// until Dispatch is called, which mirrors how a Wayland client reads and
// dispatches its event queue on one goroutine. A Compositor is not safe for
// concurrent use.
package sim

import (
	"fmt"
	"image"
	"math/rand"

	"github.com/bryanchriswhite/screencopy/internal/protocol"
)

// cursorSize is the edge length of cursor capture buffers.
const cursorSize = 64

// Profile describes what the simulated compositor advertises and how it
// answers captures.
type Profile struct {
	Width, Height int
	ShmFormat     uint32
	// DmabufFormat is advertised when Dmabuf is set.
	DmabufFormat uint32
	Dmabuf       bool

	ImageCopy  bool
	Screencopy bool
	Cursor     bool

	// Auto completes every commit on the next Dispatch using the rates
	// below. Without it captures stay pending until Complete or Fail.
	Auto           bool
	FailureRate    float64
	InvalidateRate float64
	DamageRects    int
	Seed           int64
}

// DefaultProfile is a 1920x1080 compositor advertising both dialects.
func DefaultProfile() Profile {
	return Profile{
		Width:        1920,
		Height:       1080,
		ShmFormat:    protocol.ShmFormatXRGB8888,
		DmabufFormat: protocol.DrmFormatXRGB8888,
		Dmabuf:       true,
		ImageCopy:    true,
		Screencopy:   true,
		Cursor:       true,
		DamageRects:  2,
		Seed:         1,
	}
}

// Commit records one committed capture.
type Commit struct {
	Dialect  string            `json:"dialect"`
	Buffer   uint32            `json:"buffer"`
	OnDamage bool              `json:"on_damage"`
	Damage   []image.Rectangle `json:"damage"`
	Cursor   bool              `json:"cursor"`
}

type sessionControl interface {
	renegotiate()
	stop()
}

// target is a committed capture waiting for its result.
type target interface {
	deliverTransform(t protocol.Transform)
	deliverDamage(rect image.Rectangle)
	deliverPresentation(secHi, secLo, nsec uint32)
	deliverReady()
	deliverFailed(reason protocol.FailureReason)
	alive() bool
}

// Compositor is the simulated compositor.
type Compositor struct {
	profile Profile
	rng     *rand.Rand

	queue    []func()
	pending  []target
	cursors  []*cursorTracker
	sessions []sessionControl

	commits        []Commit
	trace          []string
	negotiations   int
	sessionsOpened int
	liveSessions   int
	frameCounter   uint32
	transform      protocol.Transform

	// FailSourceCreation makes every source/session creation fail.
	FailSourceCreation bool
	// FailCreations fails that many upcoming creations, then resets.
	FailCreations int
}

// New creates a compositor for profile.
func New(profile Profile) *Compositor {
	return &Compositor{
		profile: profile,
		rng:     rand.New(rand.NewSource(profile.Seed)),
	}
}

// Profile returns the active profile.
func (c *Compositor) Profile() Profile {
	return c.profile
}

// Globals returns the advertised capture interfaces.
func (c *Compositor) Globals() protocol.Globals {
	var g protocol.Globals
	if c.profile.ImageCopy {
		g.SourceManager = &sourceManager{c: c}
		g.ImageCopyManager = &imageCopyManager{c: c}
	}
	if c.profile.Screencopy {
		g.ScreencopyManager = &screencopyManager{c: c}
	}
	return g
}

// Dispatch delivers every event queued before the call. Events queued by
// handlers are left for the next Dispatch.
func (c *Compositor) Dispatch() (int, error) {
	n := len(c.queue)
	batch := c.queue[:n:n]
	c.queue = c.queue[n:]
	for _, ev := range batch {
		ev()
	}
	return n, nil
}

// Queued returns the number of undelivered events.
func (c *Compositor) Queued() int { return len(c.queue) }

// Pending returns the number of committed captures without a result.
func (c *Compositor) Pending() int {
	c.prune()
	return len(c.pending)
}

// Commits returns every committed capture so far.
func (c *Compositor) Commits() []Commit {
	out := make([]Commit, len(c.commits))
	copy(out, c.commits)
	return out
}

// Trace returns the ordered log of requests and delivered events.
func (c *Compositor) Trace() []string {
	out := make([]string, len(c.trace))
	copy(out, c.trace)
	return out
}

// Negotiations counts delivered constraint rounds.
func (c *Compositor) Negotiations() int { return c.negotiations }

// SessionsOpened counts capture sessions created.
func (c *Compositor) SessionsOpened() int { return c.sessionsOpened }

// LiveSessions counts capture sessions not yet destroyed.
func (c *Compositor) LiveSessions() int { return c.liveSessions }

// SetSize changes the output size; existing sessions see it after
// Renegotiate.
func (c *Compositor) SetSize(width, height int) {
	c.profile.Width = width
	c.profile.Height = height
}

// SetTransform sets the output transform reported with later frames. The
// normal transform is not announced.
func (c *Compositor) SetTransform(t protocol.Transform) {
	c.transform = t
}

// Renegotiate queues a fresh round of buffer constraints on every live
// session, as a compositor does after a mode change.
func (c *Compositor) Renegotiate() {
	for _, s := range c.sessions {
		s.renegotiate()
	}
}

// StopSessions queues a stopped event on every live session of the
// image-copy dialect.
func (c *Compositor) StopSessions() {
	for _, s := range c.sessions {
		s.stop()
	}
}

// Complete queues damage and ready for the oldest pending capture. With no
// rectangles the compositor reports no damage.
func (c *Compositor) Complete(damage ...image.Rectangle) error {
	t, err := c.take()
	if err != nil {
		return err
	}
	c.complete(t, damage)
	return nil
}

// Fail queues a failure for the oldest pending capture.
func (c *Compositor) Fail(reason protocol.FailureReason) error {
	t, err := c.take()
	if err != nil {
		return err
	}
	c.post(func() {
		if t.alive() {
			c.record("failed:" + reason.String())
			t.deliverFailed(reason)
		}
	})
	return nil
}

// CursorEnter queues an enter event on every cursor session.
func (c *Compositor) CursorEnter() {
	c.eachCursor(func(l protocol.CursorListener) { l.Enter() })
}

// CursorLeave queues a leave event on every cursor session.
func (c *Compositor) CursorLeave() {
	c.eachCursor(func(l protocol.CursorListener) { l.Leave() })
}

// CursorMove queues a position event on every cursor session.
func (c *Compositor) CursorMove(x, y int32) {
	c.eachCursor(func(l protocol.CursorListener) { l.Position(x, y) })
}

// CursorHotspot queues a hotspot event on every cursor session.
func (c *Compositor) CursorHotspot(x, y int32) {
	c.eachCursor(func(l protocol.CursorListener) { l.Hotspot(x, y) })
}

func (c *Compositor) eachCursor(fn func(protocol.CursorListener)) {
	for _, cur := range c.cursors {
		cur := cur
		c.post(func() {
			if !cur.destroyed && cur.listener != nil {
				fn(cur.listener)
			}
		})
	}
}

func (c *Compositor) creationFails() bool {
	if c.FailSourceCreation {
		return true
	}
	if c.FailCreations > 0 {
		c.FailCreations--
		return true
	}
	return false
}

func (c *Compositor) post(ev func()) {
	c.queue = append(c.queue, ev)
}

func (c *Compositor) record(entry string) {
	c.trace = append(c.trace, entry)
}

func (c *Compositor) prune() {
	live := c.pending[:0]
	for _, t := range c.pending {
		if t.alive() {
			live = append(live, t)
		}
	}
	c.pending = live
}

func (c *Compositor) take() (target, error) {
	c.prune()
	if len(c.pending) == 0 {
		return nil, fmt.Errorf("no pending capture")
	}
	t := c.pending[0]
	c.pending = c.pending[1:]
	return t, nil
}

func (c *Compositor) committed(t target, commit Commit) {
	c.commits = append(c.commits, commit)
	c.record("commit")
	if !c.profile.Auto {
		c.pending = append(c.pending, t)
		return
	}

	roll := c.rng.Float64()
	switch {
	case roll < c.profile.InvalidateRate:
		c.post(func() {
			if t.alive() {
				c.record("failed:" + protocol.FailureBufferConstraints.String())
				t.deliverFailed(protocol.FailureBufferConstraints)
			}
		})
	case roll < c.profile.InvalidateRate+c.profile.FailureRate:
		c.post(func() {
			if t.alive() {
				c.record("failed:" + protocol.FailureUnknown.String())
				t.deliverFailed(protocol.FailureUnknown)
			}
		})
	default:
		c.complete(t, c.randomDamage())
	}
}

func (c *Compositor) complete(t target, damage []image.Rectangle) {
	c.frameCounter++
	seq := c.frameCounter
	transform := c.transform
	c.post(func() {
		if !t.alive() {
			return
		}
		if transform != protocol.TransformNormal {
			t.deliverTransform(transform)
		}
		for _, rect := range damage {
			t.deliverDamage(rect)
		}
		t.deliverPresentation(0, seq/60, (seq%60)*16_666_667)
		c.record("ready")
		t.deliverReady()
	})
}

func (c *Compositor) randomDamage() []image.Rectangle {
	rects := make([]image.Rectangle, 0, c.profile.DamageRects)
	for i := 0; i < c.profile.DamageRects; i++ {
		w := 1 + c.rng.Intn(max(1, c.profile.Width/4))
		h := 1 + c.rng.Intn(max(1, c.profile.Height/4))
		x := c.rng.Intn(max(1, c.profile.Width-w))
		y := c.rng.Intn(max(1, c.profile.Height-h))
		rects = append(rects, image.Rect(x, y, x+w, y+h))
	}
	return rects
}

// cursorTracker is the pointer half shared by both dialects' cursor
// sessions.
type cursorTracker struct {
	listener  protocol.CursorListener
	destroyed bool
}

func (c *Compositor) newCursorTracker() *cursorTracker {
	t := &cursorTracker{}
	c.cursors = append(c.cursors, t)
	return t
}
