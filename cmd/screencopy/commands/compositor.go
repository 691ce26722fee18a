package commands

import (
	"github.com/bryanchriswhite/screencopy/internal/buffer"
	"github.com/bryanchriswhite/screencopy/internal/capture"
	"github.com/bryanchriswhite/screencopy/internal/config"
	"github.com/bryanchriswhite/screencopy/internal/protocol"
	"github.com/bryanchriswhite/screencopy/internal/sim"
	"github.com/bryanchriswhite/screencopy/internal/stream"
)

// profileFor maps the compositor section of cfg onto a simulated
// compositor. auto makes it answer every capture on its own.
func profileFor(cfg *config.Config, auto bool, seed int64) sim.Profile {
	c := cfg.Compositor
	return sim.Profile{
		Width:          c.Width,
		Height:         c.Height,
		ShmFormat:      c.ShmFormat,
		DmabufFormat:   c.DmabufFormat,
		Dmabuf:         c.DmabufFormat != 0,
		ImageCopy:      c.HasProtocol(config.ProtocolImageCopy),
		Screencopy:     c.HasProtocol(config.ProtocolScreencopy),
		Cursor:         c.CursorSupported,
		Auto:           auto,
		FailureRate:    c.FailureRate,
		InvalidateRate: c.InvalidateRate,
		DamageRects:    c.DamageRects,
		Seed:           seed,
	}
}

// outputFor names the captured output. The simulated compositor has a
// single output bound as global 1.
func outputFor(cfg *config.Config) *protocol.Output {
	return &protocol.Output{Name: cfg.Capture.Output, Global: 1}
}

func loopConfig(cfg *config.Config) stream.Config {
	return stream.Config{
		Output:        outputFor(cfg),
		RenderCursor:  cfg.Capture.RenderCursor,
		CaptureCursor: cfg.Capture.CaptureCursor,
		EnableDmabuf:  cfg.Capture.EnableDmabuf,
		Immediate:     cfg.Capture.Immediate,
		RateLimit:     cfg.Capture.RateLimit,
	}
}

func newDispatcher(comp *sim.Compositor) *capture.Dispatcher {
	return capture.NewDispatcher(comp.Globals(), buffer.NewHeapAllocator())
}
