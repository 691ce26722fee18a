package output

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sync"
	"time"

	"github.com/bryanchriswhite/screencopy/internal/logger"
)

// SnapshotOutput keeps the most recent frame for on-demand retrieval.
type SnapshotOutput struct {
	config  Config
	running bool
	mu      sync.RWMutex

	frameMu    sync.RWMutex
	current    *image.RGBA
	seq        uint64
	lastUpdate time.Time
	frameCount uint64
}

// NewSnapshotOutput creates a snapshot sink.
func NewSnapshotOutput(config Config) *SnapshotOutput {
	return &SnapshotOutput{config: config}
}

func (s *SnapshotOutput) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("snapshot output already running")
	}
	s.running = true
	logger.WithComponent("snapshot").Info().Int("max_width", s.config.MaxWidth).Msg("Snapshot output started")
	return nil
}

func (s *SnapshotOutput) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	logger.WithComponent("snapshot").Info().Uint64("frames", s.FrameCount()).Msg("Snapshot output stopped")
	return nil
}

// WriteFrame renders f and replaces the stored snapshot.
func (s *SnapshotOutput) WriteFrame(f *Frame) error {
	if !s.IsRunning() {
		return ErrNotRunning
	}

	img := render(f, s.config)

	s.frameMu.Lock()
	s.current = img
	s.seq = f.Seq
	s.lastUpdate = time.Now()
	s.frameCount++
	s.frameMu.Unlock()
	return nil
}

func (s *SnapshotOutput) Name() string {
	return "Snapshot"
}

func (s *SnapshotOutput) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Latest returns the last rendered frame and its sequence number, or nil
// before the first frame.
func (s *SnapshotOutput) Latest() (*image.RGBA, uint64) {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.current, s.seq
}

// FrameCount returns how many frames were written.
func (s *SnapshotOutput) FrameCount() uint64 {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.frameCount
}

// PNG encodes the latest frame.
func (s *SnapshotOutput) PNG() ([]byte, error) {
	img, _ := s.Latest()
	if img == nil {
		return nil, fmt.Errorf("no frame captured yet")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}
