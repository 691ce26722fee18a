// Package buffer provides the pooled frame buffers that capture sessions
// attach to the compositor.
package buffer

import (
	"fmt"
	"image"
	"time"

	"github.com/bryanchriswhite/screencopy/internal/protocol"
	"github.com/bryanchriswhite/screencopy/internal/region"
)

// Type is the kind of memory backing a buffer.
type Type int

const (
	TypeUnspec Type = iota
	TypeShm
	TypeDmabuf
)

func (t Type) String() string {
	switch t {
	case TypeShm:
		return "shm"
	case TypeDmabuf:
		return "dmabuf"
	default:
		return "unspec"
	}
}

// Domain tells which kind of image a buffer holds.
type Domain int

const (
	DomainUnspec Domain = iota
	DomainOutput
	DomainCursor
)

func (d Domain) String() string {
	switch d {
	case DomainOutput:
		return "output"
	case DomainCursor:
		return "cursor"
	default:
		return "unspec"
	}
}

// Spec is the negotiated layout every buffer of a pool shares.
type Spec struct {
	Type   Type   `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Stride int    `json:"stride"`
	Format uint32 `json:"format"`
}

// Valid reports whether buffers can be allocated for s.
func (s Spec) Valid() bool {
	return s.Type != TypeUnspec && s.Width > 0 && s.Height > 0
}

func (s Spec) String() string {
	return fmt.Sprintf("%s %dx%d stride=%d format=%#x", s.Type, s.Width, s.Height, s.Stride, s.Format)
}

// Buffer is one frame's storage.
//
// BufferDamage is the area that must be redrawn before the buffer holds an
// up-to-date image. FrameDamage is the area that changed in the most recent
// capture into this buffer.
type Buffer struct {
	Spec

	ID          uint64
	Domain      Domain
	Transform   protocol.Transform
	PresentedAt time.Time

	// Handle is what gets attached to a capture.
	Handle protocol.Buffer
	// Pixels is the mapped memory of a shm buffer; nil for dmabuf.
	Pixels []byte

	BufferDamage region.Region
	FrameDamage  region.Region

	pool        *Pool
	outstanding bool
	stale       bool
}

// Bounds returns the full image rectangle of the buffer.
func (b *Buffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.Width, b.Height)
}

// DamageRect records that the given area changed in the latest capture.
func (b *Buffer) DamageRect(x, y, width, height int) {
	rect := image.Rect(x, y, x+width, y+height).Intersect(b.Bounds())
	b.FrameDamage.UnionRect(rect)
}

// Release hands the buffer back to the pool it came from.
func (b *Buffer) Release() {
	b.pool.Release(b)
}
