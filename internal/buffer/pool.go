package buffer

import (
	"fmt"

	"github.com/bryanchriswhite/screencopy/internal/protocol"
	"github.com/bryanchriswhite/screencopy/internal/region"
)

// Allocator creates the protocol-level storage for a buffer. For shm
// buffers it also returns the mapped pixel memory.
type Allocator interface {
	Allocate(spec Spec) (protocol.Buffer, []byte, error)
}

// Stats counts pool activity.
type Stats struct {
	Allocated   int `json:"allocated"`
	Destroyed   int `json:"destroyed"`
	Acquired    int `json:"acquired"`
	Released    int `json:"released"`
	Outstanding int `json:"outstanding"`
	Free        int `json:"free"`
}

// Pool recycles buffers of one negotiated layout. It also acts as the
// damage registry for every buffer it has handed out: DamageAll reaches
// free and outstanding buffers alike.
//
// A Pool is not safe for concurrent use; it belongs to a single capture
// session.
type Pool struct {
	spec   Spec
	alloc  Allocator
	free   []*Buffer
	all    map[*Buffer]struct{}
	nextID uint64
	stats  Stats
}

// NewPool returns an empty pool with no layout. Resize must be called
// before the first Acquire.
func NewPool(alloc Allocator) *Pool {
	return &Pool{
		alloc: alloc,
		all:   make(map[*Buffer]struct{}),
	}
}

// Spec returns the current layout.
func (p *Pool) Spec() Spec {
	return p.spec
}

// Resize changes the layout of future buffers. Free buffers of the old
// layout are destroyed immediately; outstanding ones when released.
func (p *Pool) Resize(t Type, width, height, stride int, format uint32) {
	spec := Spec{Type: t, Width: width, Height: height, Stride: stride, Format: format}
	if spec == p.spec {
		return
	}
	p.spec = spec

	for _, b := range p.free {
		p.destroy(b)
	}
	p.free = p.free[:0]

	for b := range p.all {
		b.stale = true
	}
}

// Acquire returns a buffer of the current layout, reusing a free one when
// possible. A newly allocated buffer is entirely damaged.
func (p *Pool) Acquire() (*Buffer, error) {
	if !p.spec.Valid() {
		return nil, fmt.Errorf("cannot acquire buffer: no layout negotiated (%s)", p.spec)
	}

	var b *Buffer
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		handle, pixels, err := p.alloc.Allocate(p.spec)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate %s buffer: %w", p.spec, err)
		}
		p.nextID++
		b = &Buffer{
			Spec:   p.spec,
			ID:     p.nextID,
			Handle: handle,
			Pixels: pixels,
			pool:   p,
		}
		b.BufferDamage = region.New(b.Bounds())
		p.all[b] = struct{}{}
		p.stats.Allocated++
	}

	b.outstanding = true
	p.stats.Acquired++
	return b, nil
}

// Release returns b to the pool. Releasing a buffer that is not
// outstanding is a programming error.
func (p *Pool) Release(b *Buffer) {
	if b.pool != p {
		panic("buffer: released to a foreign pool")
	}
	if !b.outstanding {
		panic(fmt.Sprintf("buffer: double release of buffer %d", b.ID))
	}
	b.outstanding = false
	p.stats.Released++

	if b.stale {
		p.destroy(b)
		return
	}
	p.free = append(p.free, b)
}

// DamageAll adds r to the requested damage of every buffer in domain.
func (p *Pool) DamageAll(r region.Region, domain Domain) {
	if domain == DomainUnspec {
		return
	}
	for b := range p.all {
		if b.Domain == domain {
			b.BufferDamage.Union(r)
		}
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	s := p.stats
	s.Free = len(p.free)
	s.Outstanding = s.Acquired - s.Released
	return s
}

// Close destroys free buffers and marks outstanding ones for destruction
// on release.
func (p *Pool) Close() {
	for _, b := range p.free {
		p.destroy(b)
	}
	p.free = nil
	for b := range p.all {
		b.stale = true
	}
	p.spec = Spec{}
}

func (p *Pool) destroy(b *Buffer) {
	delete(p.all, b)
	if b.Handle != nil {
		b.Handle.Destroy()
	}
	p.stats.Destroyed++
}
