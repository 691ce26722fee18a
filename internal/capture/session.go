package capture

import (
	"fmt"
	"image"
	"time"

	"github.com/bryanchriswhite/screencopy/internal/buffer"
	"github.com/bryanchriswhite/screencopy/internal/logger"
	"github.com/bryanchriswhite/screencopy/internal/protocol"
	"github.com/bryanchriswhite/screencopy/internal/region"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// session holds the dialect-independent half of a capturer: the in-flight
// buffer slot, deferred start bookkeeping, negotiated constraints and the
// completion paths.
type session struct {
	id            string
	kind          Kind
	output        *protocol.Output
	opts          Options
	renderCursor  bool
	captureCursor bool
	domain        buffer.Domain

	pool *buffer.Pool
	// inFlight is the only buffer attached to the compositor. It is moved
	// to the caller on ready and back to the pool on failure.
	inFlight *buffer.Buffer

	constraints      constraints
	haveBufferInfo   bool
	shouldStart      bool
	shallBeImmediate bool
	// lost is set when the protocol session could not be reopened.
	lost bool

	state  State
	cursor CursorInfo
	log    zerolog.Logger
}

func newSession(kind Kind, output *protocol.Output, renderCursor, captureCursor bool,
	alloc buffer.Allocator, opts Options) session {
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}

	domain := buffer.DomainOutput
	if captureCursor {
		domain = buffer.DomainCursor
	}

	id := uuid.New().String()
	return session{
		id:            id,
		kind:          kind,
		output:        output,
		opts:          opts,
		renderCursor:  renderCursor,
		captureCursor: captureCursor,
		domain:        domain,
		pool:          buffer.NewPool(alloc),
		log: logger.WithComponent("capture").With().
			Str("capturer", id).
			Str("kind", kind.String()).
			Str("domain", domain.String()).
			Stringer("output", output).
			Logger(),
	}
}

func (s *session) ID() string              { return s.id }
func (s *session) Kind() Kind              { return s.kind }
func (s *session) State() State            { return s.state }
func (s *session) RateLimit() int          { return s.opts.RateLimit }
func (s *session) PoolStats() buffer.Stats { return s.pool.Stats() }
func (s *session) CursorInfo() CursorInfo  { return s.cursor }

// Stop has nothing to abort in either dialect.
func (s *session) Stop() {}

func (s *session) options() protocol.Options {
	var o protocol.Options
	if s.renderCursor {
		o |= protocol.OptionPaintCursors
	}
	return o
}

// begin runs schedule now, or defers it until constraints are known.
func (s *session) begin(immediate bool, schedule func(immediate bool) error) error {
	if s.inFlight != nil || s.shouldStart {
		panic(fmt.Sprintf("capture %s: Start called while a capture is outstanding", s.id))
	}

	if !s.haveBufferInfo {
		s.shouldStart = true
		s.shallBeImmediate = immediate
		s.log.Debug().Bool("immediate", immediate).Msg("Deferring capture until negotiation completes")
		return nil
	}

	return schedule(immediate)
}

// negotiated applies the accumulated constraints and issues a deferred
// start, if any.
func (s *session) negotiated(schedule func(immediate bool) error) {
	spec := s.constraints.choose(s.opts.EnableDmabuf)
	s.pool.Resize(spec.Type, spec.Width, spec.Height, spec.Stride, spec.Format)
	s.haveBufferInfo = true
	if s.inFlight == nil {
		s.state = StateReady
	}

	s.log.Debug().Stringer("spec", spec).Msg("Init done")

	if !s.shouldStart {
		return
	}
	immediate := s.shallBeImmediate
	s.shouldStart = false
	s.shallBeImmediate = false

	if err := schedule(immediate); err != nil {
		s.log.Error().Err(err).Msg("Deferred capture could not be scheduled")
		s.finish(ResultFailed, nil)
	}
}

// acquire fills the in-flight slot with a fresh buffer from the pool.
func (s *session) acquire() (*buffer.Buffer, error) {
	buf, err := s.pool.Acquire()
	if err != nil {
		return nil, err
	}

	buf.Domain = s.domain
	buf.Transform = protocol.TransformNormal
	buf.PresentedAt = time.Time{}
	buf.FrameDamage.Clear()

	s.inFlight = buf
	s.state = StateCapturing
	return buf, nil
}

// unacquire undoes acquire when the capture could not be committed.
func (s *session) unacquire() {
	if s.inFlight == nil {
		return
	}
	s.pool.Release(s.inFlight)
	s.inFlight = nil
	s.state = StateReady
}

func (s *session) damage(x, y, width, height int) {
	if s.inFlight == nil {
		s.log.Debug().Msg("Damage without a buffer in flight")
		return
	}
	s.inFlight.DamageRect(x, y, width, height)
}

func (s *session) transform(t protocol.Transform) {
	if s.inFlight == nil {
		s.log.Debug().Msg("Transform without a buffer in flight")
		return
	}
	s.inFlight.Transform = t
}

func (s *session) presented(secHi, secLo, nsec uint32) {
	if s.inFlight == nil {
		return
	}
	s.inFlight.PresentedAt = protocol.PresentationTime(secHi, secLo, nsec)
}

// ready hands the in-flight buffer to the caller.
func (s *session) ready() {
	buf := s.inFlight
	if buf == nil {
		s.log.Warn().Msg("Ready without a buffer in flight")
		return
	}

	full := region.New(buf.Bounds())
	if buf.FrameDamage.Empty() {
		buf.FrameDamage.Union(full)
	}
	s.pool.DamageAll(full, s.domain)
	buf.BufferDamage.Clear()

	s.inFlight = nil
	s.state = StateReady

	s.log.Debug().Uint64("buffer", buf.ID).Int("damage_rects", buf.FrameDamage.Len()).Msg("Ready")
	s.finish(ResultDone, buf)
}

// failed returns the in-flight buffer to the pool. reopen runs before the
// caller is told, so that the next Start renegotiates.
func (s *session) failed(reason protocol.FailureReason, reopen func()) {
	buf := s.inFlight
	if buf == nil {
		s.log.Warn().Stringer("reason", reason).Msg("Failed without a buffer in flight")
		return
	}

	s.inFlight = nil
	s.pool.Release(buf)
	s.state = StateReady

	s.log.Debug().Stringer("reason", reason).Msg("Failed")

	if reason.Invalidating() {
		reopen()
	}

	s.finish(ResultFailed, nil)
}

// resetNegotiation forgets constraints ahead of a fresh protocol session.
func (s *session) resetNegotiation() {
	s.constraints.reset()
	s.haveBufferInfo = false
	s.state = StateNegotiating
}

func (s *session) finish(result Result, buf *buffer.Buffer) {
	if s.opts.OnDone == nil {
		if buf != nil {
			buf.Release()
		}
		return
	}
	s.opts.OnDone(result, buf)
}

// teardown releases the in-flight buffer and the pool. Protocol objects
// are destroyed by the caller afterwards.
func (s *session) teardown() {
	if s.inFlight != nil {
		s.pool.Release(s.inFlight)
		s.inFlight = nil
	}
	s.pool.Close()
	s.shouldStart = false
	s.state = StateUninitialized
}

// cursorEvents forwards pointer events to the caller's callbacks.
type cursorEvents session

func (e *cursorEvents) Enter() {
	e.cursor.Entered = true
	if e.opts.Cursor.Enter != nil {
		e.opts.Cursor.Enter()
	}
}

func (e *cursorEvents) Leave() {
	e.cursor.Entered = false
	if e.opts.Cursor.Leave != nil {
		e.opts.Cursor.Leave()
	}
}

// Position is not reported; only hotspot geometry is.
func (e *cursorEvents) Position(x, y int32) {}

func (e *cursorEvents) Hotspot(x, y int32) {
	e.cursor.Hotspot = image.Pt(int(x), int(y))
	if e.opts.Cursor.Hotspot != nil {
		e.opts.Cursor.Hotspot(int(x), int(y))
	}
}
