package capture

import (
	"image"

	"github.com/bryanchriswhite/screencopy/internal/buffer"
	"github.com/bryanchriswhite/screencopy/internal/region"
)

// bytesPerPixel is assumed for every shm format.
const bytesPerPixel = 4

// constraints accumulates one round of buffer constraint events.
type constraints struct {
	width, height int
	shmStride     int

	haveShm   bool
	shmFormat uint32

	haveDmabuf   bool
	dmabufFormat uint32
}

func (c *constraints) setDimensions(width, height uint32) {
	c.width = int(width)
	c.height = int(height)
	c.shmStride = int(width) * bytesPerPixel
}

func (c *constraints) setShmFormat(format uint32) {
	c.haveShm = true
	c.shmFormat = format
}

func (c *constraints) setDmabufFormat(format uint32) {
	c.haveDmabuf = true
	c.dmabufFormat = format
}

// choose picks the buffer layout: dmabuf when both sides allow it, shm
// otherwise.
func (c *constraints) choose(enableDmabuf bool) buffer.Spec {
	if c.haveDmabuf && enableDmabuf {
		return buffer.Spec{
			Type:   buffer.TypeDmabuf,
			Width:  c.width,
			Height: c.height,
			Format: c.dmabufFormat,
		}
	}
	return buffer.Spec{
		Type:   buffer.TypeShm,
		Width:  c.width,
		Height: c.height,
		Stride: c.shmStride,
		Format: c.shmFormat,
	}
}

func (c *constraints) reset() {
	*c = constraints{}
}

// sendDamage emits one hint per rectangle of r.
func sendDamage(r *region.Region, hint func(x, y, width, height int)) int {
	n := 0
	r.Each(func(rect image.Rectangle) {
		hint(rect.Min.X, rect.Min.Y, rect.Dx(), rect.Dy())
		n++
	})
	return n
}
