package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bryanchriswhite/screencopy/internal/buffer"
	"github.com/bryanchriswhite/screencopy/internal/capture"
	"github.com/bryanchriswhite/screencopy/internal/output"
	"github.com/bryanchriswhite/screencopy/internal/protocol"
	"github.com/bryanchriswhite/screencopy/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOutput = &protocol.Output{Name: "DP-1", Global: 7}

func newLoop(t *testing.T, comp *sim.Compositor, cfg Config, sinks ...output.Sink) *Loop {
	t.Helper()
	if cfg.Output == nil {
		cfg.Output = testOutput
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 1000
	}
	cfg.CreateDelay = time.Millisecond
	d := capture.NewDispatcher(comp.Globals(), buffer.NewHeapAllocator())
	return New(d, comp, cfg, sinks...)
}

func smallProfile() sim.Profile {
	p := sim.DefaultProfile()
	p.Width, p.Height = 64, 48
	return p
}

func TestLoop_StepDrivesCaptures(t *testing.T) {
	ctx := context.Background()
	comp := sim.New(smallProfile())
	l := newLoop(t, comp, Config{})
	require.NoError(t, l.Open(ctx))
	defer l.Close()

	_, err := l.Step(ctx)
	require.NoError(t, err)
	commits := comp.Commits()
	require.Len(t, commits, 1)
	assert.False(t, commits[0].OnDamage, "first capture is immediate")

	require.NoError(t, comp.Complete())
	_, err = l.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), l.Status().Frames)
	assert.Len(t, comp.Commits(), 1, "no start while a capture is outstanding")

	_, err = l.Step(ctx)
	require.NoError(t, err)
	commits = comp.Commits()
	require.Len(t, commits, 2)
	assert.True(t, commits[1].OnDamage, "later captures wait for damage")

	require.NoError(t, comp.Fail(protocol.FailureUnknown))
	_, err = l.Step(ctx)
	require.NoError(t, err)

	status := l.Status()
	assert.True(t, status.Running)
	assert.Equal(t, uint64(1), status.Failures)
	assert.Equal(t, "ext-image-copy-capture", status.Kind)
	assert.Equal(t, 64, status.Width)
	assert.Equal(t, 1000, status.RateLimit)
	assert.Zero(t, status.Pool.Outstanding)
}

func TestLoop_ImmediateConfig(t *testing.T) {
	ctx := context.Background()
	comp := sim.New(smallProfile())
	l := newLoop(t, comp, Config{Immediate: true})
	require.NoError(t, l.Open(ctx))
	defer l.Close()

	for i := 0; i < 3; i++ {
		_, err := l.Step(ctx)
		require.NoError(t, err)
		require.NoError(t, comp.Complete())
		_, err = l.Step(ctx)
		require.NoError(t, err)
	}

	for _, c := range comp.Commits() {
		assert.False(t, c.OnDamage)
	}
}

func TestLoop_FramesReachSinksAndSubscribers(t *testing.T) {
	ctx := context.Background()
	comp := sim.New(smallProfile())
	snap := output.NewSnapshotOutput(output.Config{})
	require.NoError(t, snap.Start())
	stopped := output.NewSnapshotOutput(output.Config{})

	l := newLoop(t, comp, Config{}, snap, stopped)
	events := l.Subscribe()
	defer l.Unsubscribe(events)
	require.NoError(t, l.Open(ctx))
	defer l.Close()

	created := <-events
	assert.Equal(t, EventCreated, created.Type)

	_, _ = l.Step(ctx)
	require.NoError(t, comp.Complete())
	_, _ = l.Step(ctx)

	ev := <-events
	assert.Equal(t, EventFrame, ev.Type)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, 64, ev.Width)
	assert.Equal(t, 1, ev.Damage, "no reported damage means the whole frame")
	assert.Equal(t, created.Capturer, ev.Capturer)

	assert.Equal(t, uint64(1), snap.FrameCount())
	assert.Zero(t, stopped.FrameCount())
}

func TestLoop_OpenWithoutProtocols(t *testing.T) {
	p := sim.DefaultProfile()
	p.ImageCopy, p.Screencopy = false, false
	l := newLoop(t, sim.New(p), Config{CreateAttempts: 5})

	start := time.Now()
	err := l.Open(context.Background())

	assert.ErrorIs(t, err, capture.ErrNoCaptureProtocol)
	assert.Less(t, time.Since(start), time.Second, "permanent errors are not retried")
	_, err = l.Step(context.Background())
	assert.Error(t, err)
}

func TestLoop_OpenRetriesTransientFailures(t *testing.T) {
	comp := sim.New(smallProfile())
	comp.FailSourceCreation = true
	l := newLoop(t, comp, Config{CreateAttempts: 2})

	err := l.Open(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, capture.ErrNoCaptureProtocol))

	comp.FailSourceCreation = false
	require.NoError(t, l.Open(context.Background()))
	l.Close()
}

func TestLoop_RecreatesLostSession(t *testing.T) {
	ctx := context.Background()
	p := smallProfile()
	p.ImageCopy = false
	comp := sim.New(p)
	l := newLoop(t, comp, Config{CreateAttempts: 3})
	events := l.Subscribe()
	require.NoError(t, l.Open(ctx))
	defer l.Close()
	first := (<-events).Capturer

	_, _ = l.Step(ctx)
	// The reinit after the failure, the reopen in Start and the first
	// recreation attempt all fail; the second attempt succeeds.
	comp.FailCreations = 3
	require.NoError(t, comp.Fail(protocol.FailureBufferConstraints))
	_, _ = l.Step(ctx)

	_, err := l.Step(ctx)
	require.NoError(t, err)

	status := l.Status()
	assert.Equal(t, uint64(1), status.SessionsLost)
	assert.NotEqual(t, first, status.Capturer)

	var types []EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []EventType{EventFailed, EventSessionLost, EventCreated}, types)
}

func TestLoop_CursorEvents(t *testing.T) {
	ctx := context.Background()
	comp := sim.New(smallProfile())
	l := newLoop(t, comp, Config{CaptureCursor: true})
	events := l.Subscribe()
	require.NoError(t, l.Open(ctx))
	defer l.Close()

	_, _ = l.Step(ctx)
	comp.CursorEnter()
	comp.CursorHotspot(4, 5)
	_, _ = l.Step(ctx)

	status := l.Status()
	require.NotNil(t, status.Cursor)
	assert.True(t, status.Cursor.Entered)
	require.NotNil(t, status.CursorPool)

	var hotspot *Event
	for len(events) > 0 {
		ev := <-events
		if ev.Type == EventCursorHotspot {
			hotspot = &ev
		}
	}
	require.NotNil(t, hotspot)
	assert.Equal(t, 4, hotspot.Hotspot.X)
}

func TestLoop_CursorUnsupportedIsNotFatal(t *testing.T) {
	p := smallProfile()
	p.Cursor = false
	l := newLoop(t, sim.New(p), Config{CaptureCursor: true})

	require.NoError(t, l.Open(context.Background()))
	defer l.Close()
	assert.Nil(t, l.Status().Cursor)
}

func TestLoop_Run(t *testing.T) {
	p := smallProfile()
	p.Auto = true
	p.FailureRate = 0.1
	comp := sim.New(p)
	snap := output.NewSnapshotOutput(output.Config{})
	require.NoError(t, snap.Start())
	l := newLoop(t, comp, Config{}, snap)
	events := l.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	frames := 0
	timeout := time.After(5 * time.Second)
	for frames < 5 {
		select {
		case ev := <-events:
			if ev.Type == EventFrame {
				frames++
			}
		case <-timeout:
			t.Fatal("timed out waiting for frames")
		}
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.False(t, l.Status().Running)
	assert.GreaterOrEqual(t, snap.FrameCount(), uint64(5))
}
