package capture

import (
	"image"
	"math/rand"
	"slices"
	"testing"

	"github.com/bryanchriswhite/screencopy/internal/buffer"
	"github.com/bryanchriswhite/screencopy/internal/protocol"
	"github.com/bryanchriswhite/screencopy/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOutput = &protocol.Output{Name: "HDMI-A-1", Global: 42}

type outcome struct {
	result Result
	buf    *buffer.Buffer
}

// harness drives one capturer against a simulated compositor.
type harness struct {
	t        *testing.T
	comp     *sim.Compositor
	alloc    *buffer.HeapAllocator
	capturer Capturer
	results  []outcome
}

func newHarness(t *testing.T, profile sim.Profile, opts Options) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		comp:  sim.New(profile),
		alloc: buffer.NewHeapAllocator(),
	}
	opts.OnDone = func(result Result, buf *buffer.Buffer) {
		h.results = append(h.results, outcome{result: result, buf: buf})
	}

	c, err := NewDispatcher(h.comp.Globals(), h.alloc).Create(testOutput, true, opts)
	require.NoError(t, err)
	h.capturer = c
	t.Cleanup(c.Destroy)
	return h
}

func (h *harness) dispatch() {
	h.t.Helper()
	_, err := h.comp.Dispatch()
	require.NoError(h.t, err)
}

// await dispatches until the next outcome arrives.
func (h *harness) await() outcome {
	h.t.Helper()
	want := len(h.results) + 1
	for i := 0; i < 16 && len(h.results) < want; i++ {
		h.dispatch()
	}
	require.Len(h.t, h.results, want, "capture never completed")
	return h.results[want-1]
}

func profileFor(kind Kind) sim.Profile {
	p := sim.DefaultProfile()
	switch kind {
	case KindImageCopy:
		p.Screencopy = false
	case KindScreencopy:
		p.ImageCopy = false
	}
	return p
}

var kinds = []Kind{KindImageCopy, KindScreencopy}

func indexFrom(trace []string, from int, entry string) int {
	for i := from; i < len(trace); i++ {
		if trace[i] == entry {
			return i
		}
	}
	return -1
}

func TestDispatcher_Select(t *testing.T) {
	tests := []struct {
		name    string
		profile func(*sim.Profile)
		want    Kind
	}{
		{
			name:    "both dialects prefers image copy",
			profile: func(p *sim.Profile) {},
			want:    KindImageCopy,
		},
		{
			name:    "screencopy only",
			profile: func(p *sim.Profile) { p.ImageCopy = false },
			want:    KindScreencopy,
		},
		{
			name:    "image copy only",
			profile: func(p *sim.Profile) { p.Screencopy = false },
			want:    KindImageCopy,
		},
		{
			name: "nothing advertised",
			profile: func(p *sim.Profile) {
				p.ImageCopy = false
				p.Screencopy = false
			},
			want: KindNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := sim.DefaultProfile()
			tt.profile(&p)
			d := NewDispatcher(sim.New(p).Globals(), buffer.NewHeapAllocator())
			assert.Equal(t, tt.want, d.Select())
		})
	}
}

func TestDispatcher_ImageCopyNeedsSourceManager(t *testing.T) {
	g := sim.New(sim.DefaultProfile()).Globals()
	g.SourceManager = nil

	assert.Equal(t, KindScreencopy, NewDispatcher(g, buffer.NewHeapAllocator()).Select())
}

func TestDispatcher_CreateWithoutProtocols(t *testing.T) {
	p := sim.DefaultProfile()
	p.ImageCopy = false
	p.Screencopy = false

	c, err := NewDispatcher(sim.New(p).Globals(), buffer.NewHeapAllocator()).Create(testOutput, false, Options{})

	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrNoCaptureProtocol)
}

func TestDispatcher_CreateFailureReturnsNothing(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			comp := sim.New(profileFor(kind))
			comp.FailSourceCreation = true

			c, err := NewDispatcher(comp.Globals(), buffer.NewHeapAllocator()).Create(testOutput, false, Options{})

			assert.Nil(t, c)
			assert.Error(t, err)
			assert.Zero(t, comp.LiveSessions())
		})
	}
}

func TestCapturer_Defaults(t *testing.T) {
	h := newHarness(t, sim.DefaultProfile(), Options{})

	assert.Equal(t, KindImageCopy, h.capturer.Kind())
	assert.Equal(t, DefaultRateLimit, h.capturer.RateLimit())
	assert.NotEmpty(t, h.capturer.ID())
	assert.Equal(t, StateNegotiating, h.capturer.State())
}

func TestCapturer_StartBeforeNegotiationIsDeferred(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			h := newHarness(t, profileFor(kind), Options{})

			require.NoError(t, h.capturer.Start(true))
			assert.Empty(t, h.comp.Commits(), "nothing may be committed before constraints")

			h.dispatch()

			commits := h.comp.Commits()
			require.Len(t, commits, 1)
			assert.False(t, commits[0].OnDamage, "immediate flag must survive the deferral")
			assert.Equal(t, StateCapturing, h.capturer.State())

			h.dispatch()
			assert.Len(t, h.comp.Commits(), 1, "deferred start issued exactly once")
		})
	}
}

func TestCapturer_ReadyDeliversFrame(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			h := newHarness(t, profileFor(kind), Options{})
			h.dispatch()

			require.NoError(t, h.capturer.Start(false))
			commits := h.comp.Commits()
			require.Len(t, commits, 1)
			assert.True(t, commits[0].OnDamage)
			assert.Equal(t, []image.Rectangle{image.Rect(0, 0, 1920, 1080)}, commits[0].Damage,
				"a fresh buffer is hinted as entirely damaged")

			damage := image.Rect(100, 100, 200, 150)
			require.NoError(t, h.comp.Complete(damage))
			out := h.await()

			require.Equal(t, ResultDone, out.result)
			buf := out.buf
			require.NotNil(t, buf)
			assert.Equal(t, 1920, buf.Width)
			assert.Equal(t, 1080, buf.Height)
			assert.Equal(t, 1920*4, buf.Stride)
			assert.Equal(t, buffer.TypeShm, buf.Type)
			assert.Equal(t, buffer.DomainOutput, buf.Domain)
			assert.Equal(t, []image.Rectangle{damage}, buf.FrameDamage.Rects())
			assert.True(t, buf.BufferDamage.Empty())
			assert.False(t, buf.PresentedAt.IsZero())
			assert.Equal(t, StateReady, h.capturer.State())

			buf.Release()
		})
	}
}

func TestCapturer_TransformStampedOnBuffer(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			h := newHarness(t, profileFor(kind), Options{})
			h.dispatch()

			h.comp.SetTransform(protocol.Transform90)
			require.NoError(t, h.capturer.Start(true))
			require.NoError(t, h.comp.Complete())
			first := h.await()
			require.Equal(t, ResultDone, first.result)
			assert.Equal(t, protocol.Transform90, first.buf.Transform)
			firstID := first.buf.ID
			first.buf.Release()

			h.comp.SetTransform(protocol.TransformNormal)
			require.NoError(t, h.capturer.Start(true))
			require.NoError(t, h.comp.Complete())
			second := h.await()
			require.Equal(t, ResultDone, second.result)
			assert.Equal(t, firstID, second.buf.ID, "buffer should be recycled")
			assert.Equal(t, protocol.TransformNormal, second.buf.Transform,
				"a recycled buffer does not keep the previous transform")
			second.buf.Release()
		})
	}
}

func TestCapturer_ReadyWithoutDamageMarksWholeFrame(t *testing.T) {
	h := newHarness(t, sim.DefaultProfile(), Options{})
	h.dispatch()
	require.NoError(t, h.capturer.Start(false))

	require.NoError(t, h.comp.Complete())
	out := h.await()

	require.Equal(t, ResultDone, out.result)
	assert.True(t, out.buf.FrameDamage.Covers(image.Rect(0, 0, 1920, 1080)))
	out.buf.Release()
}

func TestCapturer_RecycledBufferCarriesNoStaleHints(t *testing.T) {
	h := newHarness(t, sim.DefaultProfile(), Options{})
	h.dispatch()

	require.NoError(t, h.capturer.Start(false))
	require.NoError(t, h.comp.Complete(image.Rect(0, 0, 10, 10)))
	first := h.await()
	first.buf.Release()

	require.NoError(t, h.capturer.Start(false))
	commits := h.comp.Commits()
	require.Len(t, commits, 2)
	assert.Equal(t, commits[0].Buffer, commits[1].Buffer, "buffer should be recycled")
	assert.Empty(t, commits[1].Damage, "delivered buffer's requested damage was cleared")
}

func TestCapturer_HeldBufferAccumulatesDamage(t *testing.T) {
	h := newHarness(t, sim.DefaultProfile(), Options{})
	h.dispatch()

	require.NoError(t, h.capturer.Start(false))
	require.NoError(t, h.comp.Complete())
	held := h.await()

	// The caller still holds the first buffer, so a second one is allocated
	// and the first receives the second frame's damage.
	require.NoError(t, h.capturer.Start(false))
	require.NoError(t, h.comp.Complete(image.Rect(0, 0, 5, 5)))
	second := h.await()

	assert.NotEqual(t, held.buf.ID, second.buf.ID)
	assert.True(t, held.buf.BufferDamage.Covers(image.Rect(0, 0, 1920, 1080)))
	assert.True(t, second.buf.BufferDamage.Empty())

	held.buf.Release()
	second.buf.Release()
}

func TestCapturer_OrdinaryFailureKeepsNegotiation(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			h := newHarness(t, profileFor(kind), Options{})
			h.dispatch()

			require.NoError(t, h.capturer.Start(false))
			require.NoError(t, h.comp.Fail(protocol.FailureUnknown))
			out := h.await()

			assert.Equal(t, ResultFailed, out.result)
			assert.Nil(t, out.buf)
			assert.Equal(t, StateReady, h.capturer.State())

			require.NoError(t, h.capturer.Start(false))
			assert.Len(t, h.comp.Commits(), 2, "retry commits without waiting for constraints")
			assert.Equal(t, 1, h.comp.Negotiations())
			assert.Equal(t, 1, h.comp.SessionsOpened())
		})
	}
}

func TestCapturer_InvalidatingFailureRenegotiates(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			h := newHarness(t, profileFor(kind), Options{})
			h.dispatch()

			require.NoError(t, h.capturer.Start(false))
			require.NoError(t, h.comp.Fail(protocol.FailureBufferConstraints))
			out := h.await()

			assert.Equal(t, ResultFailed, out.result)
			assert.Equal(t, 2, h.comp.SessionsOpened())
			assert.Equal(t, 1, h.comp.LiveSessions())
			assert.Equal(t, StateNegotiating, h.capturer.State())

			require.NoError(t, h.capturer.Start(true))
			assert.Len(t, h.comp.Commits(), 1, "next capture waits for new constraints")

			h.dispatch()
			require.Len(t, h.comp.Commits(), 2)
			assert.False(t, h.comp.Commits()[1].OnDamage)

			trace := h.comp.Trace()
			failedAt := indexFrom(trace, 0, "failed:"+protocol.FailureBufferConstraints.String())
			require.NotEqual(t, -1, failedAt)
			negotiatedAt := indexFrom(trace, failedAt, "negotiate")
			require.NotEqual(t, -1, negotiatedAt, "no negotiation after invalidation")
			assert.Less(t, negotiatedAt, indexFrom(trace, failedAt, "commit"))
		})
	}
}

func TestCapturer_RenegotiationResizesBuffers(t *testing.T) {
	h := newHarness(t, sim.DefaultProfile(), Options{})
	h.dispatch()

	require.NoError(t, h.capturer.Start(false))
	require.NoError(t, h.comp.Fail(protocol.FailureBufferConstraints))
	h.comp.SetSize(1280, 720)
	h.await()

	require.NoError(t, h.capturer.Start(false))
	h.dispatch()
	require.NoError(t, h.comp.Complete())
	out := h.await()

	require.Equal(t, ResultDone, out.result)
	assert.Equal(t, 1280, out.buf.Width)
	assert.Equal(t, 720, out.buf.Height)
	out.buf.Release()
}

func TestCapturer_StartWhileOutstandingPanics(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			h := newHarness(t, profileFor(kind), Options{})

			require.NoError(t, h.capturer.Start(false))
			assert.Panics(t, func() { _ = h.capturer.Start(false) }, "deferred start is outstanding")

			h.dispatch()
			assert.Panics(t, func() { _ = h.capturer.Start(false) }, "buffer is in flight")
		})
	}
}

func TestCapturer_DmabufWhenEnabled(t *testing.T) {
	h := newHarness(t, sim.DefaultProfile(), Options{EnableDmabuf: true})
	h.dispatch()
	require.NoError(t, h.capturer.Start(false))
	require.NoError(t, h.comp.Complete())
	out := h.await()

	assert.Equal(t, buffer.TypeDmabuf, out.buf.Type)
	assert.Equal(t, protocol.DrmFormatXRGB8888, out.buf.Format)
	assert.Nil(t, out.buf.Pixels)
	out.buf.Release()
}

func TestCapturer_ShmWhenDmabufNotOffered(t *testing.T) {
	p := sim.DefaultProfile()
	p.Dmabuf = false
	h := newHarness(t, p, Options{EnableDmabuf: true})
	h.dispatch()
	require.NoError(t, h.capturer.Start(false))
	require.NoError(t, h.comp.Complete())
	out := h.await()

	assert.Equal(t, buffer.TypeShm, out.buf.Type)
	assert.Len(t, out.buf.Pixels, 1920*4*1080)
	out.buf.Release()
}

func TestCapturer_DestroyReleasesInFlightBuffer(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			h := newHarness(t, profileFor(kind), Options{})
			h.dispatch()
			require.NoError(t, h.capturer.Start(false))
			require.Equal(t, 1, h.alloc.Live())

			h.capturer.Destroy()

			assert.Zero(t, h.alloc.Live())
			assert.Zero(t, h.comp.LiveSessions())
			assert.Equal(t, StateUninitialized, h.capturer.State())

			// The abandoned capture can no longer complete.
			assert.Zero(t, h.comp.Pending())
			assert.Error(t, h.comp.Complete())
			h.dispatch()
			assert.Empty(t, h.results)
		})
	}
}

func TestCapturer_DestroyKeepsDeliveredBufferUsable(t *testing.T) {
	h := newHarness(t, sim.DefaultProfile(), Options{})
	h.dispatch()
	require.NoError(t, h.capturer.Start(false))
	require.NoError(t, h.comp.Complete())
	out := h.await()

	h.capturer.Destroy()
	assert.Equal(t, 1, h.alloc.Live())

	out.buf.Release()
	assert.Zero(t, h.alloc.Live())
}

func TestCapturer_StoppedSessionReopensOnStart(t *testing.T) {
	h := newHarness(t, profileFor(KindImageCopy), Options{})
	h.dispatch()
	require.NoError(t, h.capturer.Start(false))

	h.comp.StopSessions()
	out := h.await()
	assert.Equal(t, ResultFailed, out.result)
	h.dispatch()
	assert.Equal(t, StateUninitialized, h.capturer.State())

	require.NoError(t, h.capturer.Start(false))
	assert.Equal(t, 2, h.comp.SessionsOpened())

	h.dispatch()
	require.NoError(t, h.comp.Complete())
	out = h.await()
	assert.Equal(t, ResultDone, out.result)
	out.buf.Release()
}

func TestCapturer_StartAfterLostSession(t *testing.T) {
	h := newHarness(t, profileFor(KindScreencopy), Options{})
	h.dispatch()
	require.NoError(t, h.capturer.Start(false))

	h.comp.FailSourceCreation = true
	require.NoError(t, h.comp.Fail(protocol.FailureBufferConstraints))
	out := h.await()
	assert.Equal(t, ResultFailed, out.result)
	assert.Equal(t, StateUninitialized, h.capturer.State())

	assert.ErrorIs(t, h.capturer.Start(false), ErrSessionLost)

	h.comp.FailSourceCreation = false
	require.NoError(t, h.capturer.Start(false))
	h.dispatch()
	assert.Len(t, h.comp.Commits(), 2)
}

func TestCapturer_WithoutCallbackReleasesBuffers(t *testing.T) {
	comp := sim.New(sim.DefaultProfile())
	alloc := buffer.NewHeapAllocator()
	c, err := NewDispatcher(comp.Globals(), alloc).Create(testOutput, false, Options{})
	require.NoError(t, err)
	defer c.Destroy()

	_, _ = comp.Dispatch()
	require.NoError(t, c.Start(false))
	require.NoError(t, comp.Complete())
	_, _ = comp.Dispatch()

	assert.Zero(t, c.PoolStats().Outstanding)
}

func TestCursorCapturer(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			comp := sim.New(sim.DefaultProfile())
			var (
				entered, left int
				hotspots      []image.Point
				results       []outcome
			)
			opts := Options{
				OnDone: func(result Result, buf *buffer.Buffer) {
					results = append(results, outcome{result, buf})
				},
				Cursor: CursorCallbacks{
					Enter:   func() { entered++ },
					Leave:   func() { left++ },
					Hotspot: func(x, y int) { hotspots = append(hotspots, image.Pt(x, y)) },
				},
			}
			c, err := NewDispatcher(comp.Globals(), buffer.NewHeapAllocator()).CreateCursor(kind, testOutput, opts)
			require.NoError(t, err)
			defer c.Destroy()

			_, _ = comp.Dispatch()
			comp.CursorEnter()
			comp.CursorMove(300, 400)
			comp.CursorHotspot(3, 4)
			_, _ = comp.Dispatch()

			assert.Equal(t, 1, entered)
			assert.Equal(t, []image.Point{image.Pt(3, 4)}, hotspots)
			info := c.(CursorReporter).CursorInfo()
			assert.True(t, info.Entered)
			assert.Equal(t, image.Pt(3, 4), info.Hotspot, "position events are not tracked")

			require.NoError(t, c.Start(false))
			commits := comp.Commits()
			require.Len(t, commits, 1)
			assert.True(t, commits[0].Cursor)

			require.NoError(t, comp.Complete())
			_, _ = comp.Dispatch()
			require.Len(t, results, 1)
			assert.Equal(t, buffer.DomainCursor, results[0].buf.Domain)
			assert.Equal(t, 64, results[0].buf.Width)
			results[0].buf.Release()

			comp.CursorLeave()
			_, _ = comp.Dispatch()
			assert.Equal(t, 1, left)
			assert.False(t, c.(CursorReporter).CursorInfo().Entered)
		})
	}
}

func TestCursorCapturer_Unsupported(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			p := sim.DefaultProfile()
			p.Cursor = false

			c, err := NewDispatcher(sim.New(p).Globals(), buffer.NewHeapAllocator()).CreateCursor(kind, testOutput, Options{})

			assert.Nil(t, c)
			assert.ErrorIs(t, err, ErrCursorUnsupported)
		})
	}
}

// Random interleavings of results, renegotiations and stops must never
// leak a buffer or deliver an outcome twice.
func TestCapturer_RandomizedBufferAccounting(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			p := profileFor(kind)
			p.Auto = true
			p.FailureRate = 0.2
			p.InvalidateRate = 0.15
			p.Seed = 7
			h := newHarness(t, p, Options{EnableDmabuf: kind == KindScreencopy})
			rng := rand.New(rand.NewSource(11))

			sizes := []image.Point{{1920, 1080}, {1280, 720}, {800, 600}}
			var (
				started, done, failed int
				held                  []*buffer.Buffer
			)
			idle := true
			for step := 0; step < 400; step++ {
				if idle {
					require.NoError(t, h.capturer.Start(rng.Intn(2) == 0))
					started++
					idle = false
				}

				switch rng.Intn(10) {
				case 0:
					size := sizes[rng.Intn(len(sizes))]
					h.comp.SetSize(size.X, size.Y)
					h.comp.Renegotiate()
				case 1:
					h.comp.StopSessions()
				}
				h.dispatch()

				for _, out := range h.results {
					if out.result == ResultDone {
						done++
						held = append(held, out.buf)
					} else {
						failed++
					}
					idle = true
				}
				if len(h.results) > 1 {
					t.Fatalf("step %d: %d outcomes for one start", step, len(h.results))
				}
				h.results = h.results[:0]

				// Release held buffers out of order.
				for len(held) > 2 {
					i := rng.Intn(len(held))
					held[i].Release()
					held = slices.Delete(held, i, i+1)
				}
			}

			for i := 0; i < 16 && !idle; i++ {
				h.dispatch()
				if len(h.results) > 0 {
					idle = true
				}
			}
			require.True(t, idle, "last capture never completed")
			for _, out := range h.results {
				if out.result == ResultDone {
					done++
					held = append(held, out.buf)
				} else {
					failed++
				}
			}
			for _, b := range held {
				b.Release()
			}

			assert.Equal(t, started, done+failed)
			assert.Positive(t, done)
			assert.Positive(t, failed)

			stats := h.capturer.PoolStats()
			assert.Zero(t, stats.Outstanding)
			assert.Equal(t, stats.Acquired, stats.Released)
			assert.Equal(t, stats.Free, h.alloc.Live())

			h.capturer.Destroy()
			assert.Zero(t, h.alloc.Live())
		})
	}
}
