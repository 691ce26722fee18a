// Package stream drives a capturer: it owns the event dispatch goroutine,
// paces captures to the rate limit and hands frames to output sinks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/bryanchriswhite/screencopy/internal/buffer"
	"github.com/bryanchriswhite/screencopy/internal/capture"
	"github.com/bryanchriswhite/screencopy/internal/logger"
	"github.com/bryanchriswhite/screencopy/internal/output"
	"github.com/bryanchriswhite/screencopy/internal/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config controls a Loop.
type Config struct {
	Output        *protocol.Output
	RenderCursor  bool
	CaptureCursor bool
	EnableDmabuf  bool
	// Immediate skips waiting for damage on every capture after the
	// first, which is always immediate.
	Immediate bool
	// RateLimit caps captures per second; 0 uses the capturer's hint.
	RateLimit int

	CreateAttempts uint
	CreateDelay    time.Duration
	// IdleInterval is how long Run sleeps when a dispatch delivered
	// nothing.
	IdleInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.CreateAttempts == 0 {
		c.CreateAttempts = 3
	}
	if c.CreateDelay == 0 {
		c.CreateDelay = 500 * time.Millisecond
	}
	if c.IdleInterval == 0 {
		c.IdleInterval = 5 * time.Millisecond
	}
}

// Status is a snapshot of the loop, safe to read from any goroutine.
type Status struct {
	Running      bool                `json:"running"`
	Capturer     string              `json:"capturer,omitempty"`
	Kind         string              `json:"kind"`
	State        string              `json:"state"`
	RateLimit    int                 `json:"rate_limit"`
	Frames       uint64              `json:"frames"`
	Failures     uint64              `json:"failures"`
	SessionsLost uint64              `json:"sessions_lost"`
	Width        int                 `json:"width"`
	Height       int                 `json:"height"`
	LastFrame    time.Time           `json:"last_frame"`
	Pool         buffer.Stats        `json:"pool"`
	Cursor       *capture.CursorInfo `json:"cursor,omitempty"`
	CursorPool   *buffer.Stats       `json:"cursor_pool,omitempty"`
}

// Loop owns one output capturer and an optional cursor capturer. All
// capturer calls happen on the goroutine running Step or Run.
type Loop struct {
	dispatcher *capture.Dispatcher
	source     protocol.EventSource
	cfg        Config
	sinks      []output.Sink
	log        *zerolog.Logger

	capturer      capture.Capturer
	cursor        capture.Capturer
	limiter       *rate.Limiter
	cursorLimiter *rate.Limiter
	pending       bool
	cursorPending bool
	started       bool
	seq           uint64

	mu     sync.RWMutex
	status Status

	subMu     sync.RWMutex
	listeners []chan Event
}

// New creates a loop. Nothing is opened until Open or Run.
func New(dispatcher *capture.Dispatcher, source protocol.EventSource, cfg Config, sinks ...output.Sink) *Loop {
	cfg.setDefaults()
	return &Loop{
		dispatcher: dispatcher,
		source:     source,
		cfg:        cfg,
		sinks:      sinks,
		log:        logger.WithComponent("stream"),
	}
}

// Open creates the capturers, retrying transient creation failures.
func (l *Loop) Open(ctx context.Context) error {
	if l.capturer != nil {
		return errors.New("loop already open")
	}

	c, err := l.createOutput(ctx)
	if err != nil {
		return err
	}
	l.capturer = c
	l.pending = false

	fps := l.cfg.RateLimit
	if fps <= 0 {
		fps = c.RateLimit()
	}
	l.limiter = rate.NewLimiter(rate.Limit(fps), 1)
	l.cursorLimiter = rate.NewLimiter(rate.Limit(fps), 1)

	if l.cfg.CaptureCursor && l.cursor == nil {
		l.openCursor()
	}

	l.mu.Lock()
	l.status.Running = true
	l.status.RateLimit = fps
	l.mu.Unlock()
	l.refreshStatus()
	return nil
}

func (l *Loop) createOutput(ctx context.Context) (capture.Capturer, error) {
	var id string
	opts := capture.Options{
		EnableDmabuf: l.cfg.EnableDmabuf,
		RateLimit:    l.cfg.RateLimit,
		OnDone: func(result capture.Result, buf *buffer.Buffer) {
			l.onFrame(id, result, buf)
		},
	}

	c, err := retry.DoWithData(func() (capture.Capturer, error) {
		c, err := l.dispatcher.Create(l.cfg.Output, l.cfg.RenderCursor, opts)
		if errors.Is(err, capture.ErrNoCaptureProtocol) {
			return nil, retry.Unrecoverable(err)
		}
		return c, err
	},
		retry.Attempts(l.cfg.CreateAttempts),
		retry.Delay(l.cfg.CreateDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.log.Warn().Err(err).Uint("attempt", n+1).Msg("Capturer creation failed, retrying")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create capturer for %s: %w", l.cfg.Output, err)
	}

	id = c.ID()
	l.notify(Event{Type: EventCreated, Capturer: id, Kind: c.Kind().String()})
	return c, nil
}

func (l *Loop) openCursor() {
	opts := capture.Options{
		EnableDmabuf: l.cfg.EnableDmabuf,
		OnDone:       l.onCursorFrame,
		Cursor: capture.CursorCallbacks{
			Enter: func() { l.notify(Event{Type: EventCursorEnter}) },
			Leave: func() { l.notify(Event{Type: EventCursorLeave}) },
			Hotspot: func(x, y int) {
				p := image.Pt(x, y)
				l.notify(Event{Type: EventCursorHotspot, Hotspot: &p})
			},
		},
	}

	c, err := l.dispatcher.CreateCursor(l.capturer.Kind(), l.cfg.Output, opts)
	if err != nil {
		l.log.Warn().Err(err).Msg("Cursor capture unavailable, continuing without it")
		return
	}
	l.cursor = c
	l.cursorPending = false
}

// Step starts a capture when none is outstanding, waiting on the rate
// limiter, then dispatches pending protocol events once. It returns the
// number of events dispatched.
func (l *Loop) Step(ctx context.Context) (int, error) {
	if l.capturer == nil {
		return 0, errors.New("loop not open")
	}

	if !l.pending {
		if err := l.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		if err := l.startOutput(ctx); err != nil {
			return 0, err
		}
	}

	if l.cursor != nil && !l.cursorPending && l.cursorLimiter.Allow() {
		l.startCursor()
	}

	n, err := l.source.Dispatch()
	if err != nil {
		return n, fmt.Errorf("failed to dispatch events: %w", err)
	}
	l.refreshStatus()
	return n, nil
}

func (l *Loop) startOutput(ctx context.Context) error {
	immediate := !l.started || l.cfg.Immediate

	l.pending = true
	err := l.capturer.Start(immediate)
	if err == nil {
		l.started = true
		return nil
	}
	l.pending = false

	if !errors.Is(err, capture.ErrSessionLost) {
		// Nothing was committed and no outcome will follow.
		l.log.Warn().Err(err).Msg("Capture could not be started")
		l.mu.Lock()
		l.status.Failures++
		l.mu.Unlock()
		l.notify(Event{Type: EventFailed, Capturer: l.capturer.ID()})
		return nil
	}

	l.log.Warn().Str("capturer", l.capturer.ID()).Msg("Capture session lost, recreating capturer")
	l.notify(Event{Type: EventSessionLost, Capturer: l.capturer.ID()})
	l.mu.Lock()
	l.status.SessionsLost++
	l.mu.Unlock()

	l.capturer.Destroy()
	c, err := l.createOutput(ctx)
	if err != nil {
		l.capturer = nil
		return err
	}
	l.capturer = c
	l.started = false
	return nil
}

func (l *Loop) startCursor() {
	l.cursorPending = true
	if err := l.cursor.Start(false); err != nil {
		l.cursorPending = false
		l.log.Warn().Err(err).Msg("Cursor capture could not be started, dropping cursor capturer")
		l.cursor.Destroy()
		l.cursor = nil
	}
}

func (l *Loop) onFrame(id string, result capture.Result, buf *buffer.Buffer) {
	l.pending = false

	if result != capture.ResultDone {
		l.mu.Lock()
		l.status.Failures++
		l.mu.Unlock()
		l.notify(Event{Type: EventFailed, Capturer: id})
		return
	}

	l.seq++
	frame := output.FromBuffer(l.seq, id, buf)
	width, height := buf.Width, buf.Height
	buf.Release()

	for _, sink := range l.sinks {
		if !sink.IsRunning() {
			continue
		}
		if err := sink.WriteFrame(frame); err != nil {
			l.log.Debug().Err(err).Str("sink", sink.Name()).Msg("Sink rejected frame")
		}
	}

	l.mu.Lock()
	l.status.Frames++
	l.status.Width = width
	l.status.Height = height
	l.status.LastFrame = frame.CapturedAt
	l.mu.Unlock()

	l.notify(Event{
		Type:     EventFrame,
		Capturer: id,
		Seq:      frame.Seq,
		Width:    width,
		Height:   height,
		Damage:   len(frame.Damage),
	})
}

// Cursor images are not forwarded to sinks; only their arrival is.
func (l *Loop) onCursorFrame(result capture.Result, buf *buffer.Buffer) {
	l.cursorPending = false
	if buf != nil {
		buf.Release()
	}
}

func (l *Loop) refreshStatus() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.capturer != nil {
		l.status.Capturer = l.capturer.ID()
		l.status.Kind = l.capturer.Kind().String()
		l.status.State = l.capturer.State().String()
		l.status.Pool = l.capturer.PoolStats()
	}
	if l.cursor != nil {
		if r, ok := l.cursor.(capture.CursorReporter); ok {
			info := r.CursorInfo()
			l.status.Cursor = &info
		}
		stats := l.cursor.PoolStats()
		l.status.CursorPool = &stats
	}
}

// Status returns a snapshot of the loop state.
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := l.status
	if s.Cursor != nil {
		c := *s.Cursor
		s.Cursor = &c
	}
	if s.CursorPool != nil {
		p := *s.CursorPool
		s.CursorPool = &p
	}
	return s
}

// Run opens the loop and steps it until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Open(ctx); err != nil {
		return err
	}
	defer l.Close()

	l.log.Info().
		Str("capturer", l.capturer.ID()).
		Stringer("kind", l.capturer.Kind()).
		Int("rate_limit", l.Status().RateLimit).
		Msg("Capture loop started")

	idle := time.NewTimer(l.cfg.IdleInterval)
	defer idle.Stop()

	for {
		n, err := l.Step(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}

		idle.Reset(l.cfg.IdleInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
		}
	}
}

// Close destroys the capturers. It must run on the loop goroutine.
func (l *Loop) Close() {
	if l.cursor != nil {
		l.cursor.Destroy()
		l.cursor = nil
	}
	if l.capturer != nil {
		l.capturer.Destroy()
		l.capturer = nil
	}

	l.mu.Lock()
	l.status.Running = false
	l.mu.Unlock()

	l.log.Info().Uint64("frames", l.seq).Msg("Capture loop stopped")
}
