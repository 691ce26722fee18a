package buffer

import (
	"fmt"
	"sync/atomic"

	"github.com/bryanchriswhite/screencopy/internal/protocol"
)

// HeapAllocator backs shm buffers with ordinary Go memory and hands out
// opaque handles for dmabuf buffers. It stands in for a real wl_shm /
// linux-dmabuf allocator wherever no compositor connection exists.
type HeapAllocator struct {
	nextID atomic.Uint32
	live   atomic.Int64
}

// NewHeapAllocator returns a ready allocator.
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{}
}

// Allocate implements Allocator.
func (a *HeapAllocator) Allocate(spec Spec) (protocol.Buffer, []byte, error) {
	if !spec.Valid() {
		return nil, nil, fmt.Errorf("invalid buffer spec: %s", spec)
	}

	var pixels []byte
	if spec.Type == TypeShm {
		if spec.Stride < spec.Width*4 {
			return nil, nil, fmt.Errorf("stride %d too small for width %d", spec.Stride, spec.Width)
		}
		pixels = make([]byte, spec.Stride*spec.Height)
	}

	a.live.Add(1)
	h := &heapHandle{id: a.nextID.Add(1), alloc: a}
	return h, pixels, nil
}

// Live returns the number of handles not yet destroyed.
func (a *HeapAllocator) Live() int {
	return int(a.live.Load())
}

type heapHandle struct {
	id        uint32
	alloc     *HeapAllocator
	destroyed atomic.Bool
}

func (h *heapHandle) ID() uint32 { return h.id }

func (h *heapHandle) Destroy() {
	if h.destroyed.CompareAndSwap(false, true) {
		h.alloc.live.Add(-1)
	}
}
