package buffer

import (
	"errors"
	"image"
	"testing"

	"github.com/bryanchriswhite/screencopy/internal/protocol"
	"github.com/bryanchriswhite/screencopy/internal/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingAllocator struct{}

func (failingAllocator) Allocate(Spec) (protocol.Buffer, []byte, error) {
	return nil, nil, errors.New("out of memory")
}

func newShmPool(t *testing.T, width, height int) (*Pool, *HeapAllocator) {
	t.Helper()
	alloc := NewHeapAllocator()
	p := NewPool(alloc)
	p.Resize(TypeShm, width, height, width*4, protocol.ShmFormatXRGB8888)
	return p, alloc
}

func TestPool_AcquireWithoutLayout(t *testing.T) {
	p := NewPool(NewHeapAllocator())

	b, err := p.Acquire()

	assert.Nil(t, b)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no layout negotiated")
}

func TestPool_AcquireNewBufferIsFullyDamaged(t *testing.T) {
	p, _ := newShmPool(t, 64, 32)

	b, err := p.Acquire()
	require.NoError(t, err)

	assert.Equal(t, 64*4, b.Stride)
	assert.Len(t, b.Pixels, 64*4*32)
	assert.True(t, b.BufferDamage.Covers(image.Rect(0, 0, 64, 32)))
	assert.True(t, b.FrameDamage.Empty())
}

func TestPool_ReleaseRecycles(t *testing.T) {
	p, alloc := newShmPool(t, 8, 8)

	first, err := p.Acquire()
	require.NoError(t, err)
	first.Release()

	second, err := p.Acquire()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, alloc.Live())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Allocated)
	assert.Equal(t, 2, stats.Acquired)
	assert.Equal(t, 1, stats.Released)
	assert.Equal(t, 1, stats.Outstanding)
}

func TestPool_DoubleReleasePanics(t *testing.T) {
	p, _ := newShmPool(t, 8, 8)
	b, err := p.Acquire()
	require.NoError(t, err)

	p.Release(b)

	assert.Panics(t, func() { p.Release(b) })
}

func TestPool_ResizeDropsOldBuffers(t *testing.T) {
	p, alloc := newShmPool(t, 8, 8)

	kept, err := p.Acquire()
	require.NoError(t, err)
	freed, err := p.Acquire()
	require.NoError(t, err)
	freed.Release()
	require.Equal(t, 2, alloc.Live())

	p.Resize(TypeShm, 16, 16, 64, protocol.ShmFormatXRGB8888)
	assert.Equal(t, 1, alloc.Live(), "free buffer of old layout destroyed")

	kept.Release()
	assert.Equal(t, 0, alloc.Live(), "outstanding buffer destroyed on release")

	b, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 16, b.Width)
}

func TestPool_ResizeSameLayoutKeepsBuffers(t *testing.T) {
	p, alloc := newShmPool(t, 8, 8)
	b, err := p.Acquire()
	require.NoError(t, err)
	b.Release()

	p.Resize(TypeShm, 8, 8, 32, protocol.ShmFormatXRGB8888)

	assert.Equal(t, 1, alloc.Live())
	again, err := p.Acquire()
	require.NoError(t, err)
	assert.Same(t, b, again)
}

func TestPool_AllocatorFailure(t *testing.T) {
	p := NewPool(failingAllocator{})
	p.Resize(TypeDmabuf, 8, 8, 0, protocol.DrmFormatXRGB8888)

	_, err := p.Acquire()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestPool_DamageAllByDomain(t *testing.T) {
	p, _ := newShmPool(t, 10, 10)

	out, err := p.Acquire()
	require.NoError(t, err)
	out.Domain = DomainOutput
	out.BufferDamage.Clear()

	cur, err := p.Acquire()
	require.NoError(t, err)
	cur.Domain = DomainCursor
	cur.BufferDamage.Clear()

	p.DamageAll(region.New(image.Rect(0, 0, 5, 5)), DomainOutput)

	assert.Equal(t, 25, out.BufferDamage.Area())
	assert.True(t, cur.BufferDamage.Empty())

	p.DamageAll(region.New(image.Rect(0, 0, 5, 5)), DomainUnspec)
	assert.True(t, cur.BufferDamage.Empty())
}

func TestBuffer_DamageRectClipsToBounds(t *testing.T) {
	p, _ := newShmPool(t, 10, 10)
	b, err := p.Acquire()
	require.NoError(t, err)

	b.DamageRect(5, 5, 100, 100)

	assert.Equal(t, image.Rect(5, 5, 10, 10), b.FrameDamage.Extents())
}

func TestPool_CloseDestroysBuffers(t *testing.T) {
	p, alloc := newShmPool(t, 4, 4)
	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)
	b.Release()

	p.Close()
	assert.Equal(t, 1, alloc.Live())

	a.Release()
	assert.Equal(t, 0, alloc.Live())
}
