package output

import (
	"errors"
	"image"
	"image/color"
	"time"

	"github.com/bryanchriswhite/screencopy/internal/buffer"
)

// ErrNotRunning is returned by WriteFrame on a stopped sink.
var ErrNotRunning = errors.New("output not running")

// Sink defines the interface for frame consumers.
// This allows the stream loop to feed several consumers at once:
// - latest-frame snapshot for the HTTP API
// - MJPEG HTTP stream
type Sink interface {
	// Start initializes the sink
	Start() error

	// Stop cleanly shuts down the sink
	Stop() error

	// WriteFrame hands a converted frame to the sink. The frame must not
	// be modified afterwards.
	WriteFrame(frame *Frame) error

	// Name returns a human-readable name for this sink type
	Name() string

	// IsRunning returns true if the sink is currently active
	IsRunning() bool
}

// Config holds common configuration for all sink types
type Config struct {
	// MaxWidth scales frames down to at most this width; 0 keeps the size.
	MaxWidth int
	// Caption draws a status line onto each frame.
	Caption bool
	// ShowDamage outlines the damaged rectangles.
	ShowDamage bool
}

// Frame is one delivered capture, detached from the buffer pool.
type Frame struct {
	Seq         uint64
	Capturer    string
	Cursor      bool
	Image       *image.RGBA
	Damage      []image.Rectangle
	PresentedAt time.Time
	CapturedAt  time.Time
}

// dmabufFill stands in for pixels that live in GPU memory.
var dmabufFill = color.RGBA{R: 0x30, G: 0x30, B: 0x38, A: 0xff}

// FromBuffer copies buf into a new Frame. Shm pixels are XRGB/ARGB8888
// little endian (B, G, R, A in memory); dmabuf buffers have no mapped
// pixels and are filled with a flat color.
func FromBuffer(seq uint64, capturer string, buf *buffer.Buffer) *Frame {
	img := image.NewRGBA(buf.Bounds())

	if buf.Type == buffer.TypeShm && len(buf.Pixels) >= buf.Stride*buf.Height {
		for y := 0; y < buf.Height; y++ {
			src := buf.Pixels[y*buf.Stride : y*buf.Stride+buf.Width*4]
			dst := img.Pix[y*img.Stride : y*img.Stride+buf.Width*4]
			for x := 0; x < len(src); x += 4 {
				dst[x+0] = src[x+2]
				dst[x+1] = src[x+1]
				dst[x+2] = src[x+0]
				dst[x+3] = 0xff
			}
		}
	} else {
		for i := 0; i < len(img.Pix); i += 4 {
			img.Pix[i+0] = dmabufFill.R
			img.Pix[i+1] = dmabufFill.G
			img.Pix[i+2] = dmabufFill.B
			img.Pix[i+3] = dmabufFill.A
		}
	}

	return &Frame{
		Seq:         seq,
		Capturer:    capturer,
		Cursor:      buf.Domain == buffer.DomainCursor,
		Image:       img,
		Damage:      buf.FrameDamage.Rects(),
		PresentedAt: buf.PresentedAt,
		CapturedAt:  time.Now(),
	}
}
