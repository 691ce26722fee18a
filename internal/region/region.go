// Package region implements damage regions as sets of disjoint rectangles.
//
// A Region never stores overlapping rectangles: a union only adds the parts
// of the incoming rectangle that are not already covered, so enumerating a
// region yields every dirty pixel exactly once.
package region

import (
	"image"
)

// Region is a set of pixels described by disjoint rectangles.
// The zero value is an empty region ready to use.
type Region struct {
	rects []image.Rectangle
}

// New returns a region covering the given rectangles.
func New(rects ...image.Rectangle) Region {
	var r Region
	for _, rect := range rects {
		r.UnionRect(rect)
	}
	return r
}

// Empty reports whether the region covers no pixels.
func (r *Region) Empty() bool {
	return len(r.rects) == 0
}

// Len returns the number of rectangles in the region.
func (r *Region) Len() int {
	return len(r.rects)
}

// Rects returns a copy of the rectangles making up the region.
func (r *Region) Rects() []image.Rectangle {
	out := make([]image.Rectangle, len(r.rects))
	copy(out, r.rects)
	return out
}

// Each calls fn for every rectangle in the region.
func (r *Region) Each(fn func(image.Rectangle)) {
	for _, rect := range r.rects {
		fn(rect)
	}
}

// Clear empties the region, keeping the backing storage.
func (r *Region) Clear() {
	r.rects = r.rects[:0]
}

// UnionRect adds rect to the region.
func (r *Region) UnionRect(rect image.Rectangle) {
	rect = rect.Canon()
	if rect.Empty() {
		return
	}

	pieces := []image.Rectangle{rect}
	for _, existing := range r.rects {
		if len(pieces) == 0 {
			return
		}
		next := pieces[:0:0]
		for _, p := range pieces {
			next = append(next, subtract(p, existing)...)
		}
		pieces = next
	}
	r.rects = append(r.rects, pieces...)
}

// Union adds every rectangle of other to the region.
func (r *Region) Union(other Region) {
	for _, rect := range other.rects {
		r.UnionRect(rect)
	}
}

// Intersect clips the region to bounds.
func (r *Region) Intersect(bounds image.Rectangle) {
	kept := r.rects[:0]
	for _, rect := range r.rects {
		if clipped := rect.Intersect(bounds); !clipped.Empty() {
			kept = append(kept, clipped)
		}
	}
	r.rects = kept
}

// Contains reports whether the pixel at p is in the region.
func (r *Region) Contains(p image.Point) bool {
	for _, rect := range r.rects {
		if p.In(rect) {
			return true
		}
	}
	return false
}

// Covers reports whether every pixel of rect is in the region.
func (r *Region) Covers(rect image.Rectangle) bool {
	rect = rect.Canon()
	if rect.Empty() {
		return true
	}
	return area(rect) == r.overlap(rect)
}

// Area returns the number of pixels in the region.
func (r *Region) Area() int {
	total := 0
	for _, rect := range r.rects {
		total += area(rect)
	}
	return total
}

// Extents returns the smallest rectangle containing the whole region.
func (r *Region) Extents() image.Rectangle {
	var ext image.Rectangle
	for _, rect := range r.rects {
		ext = ext.Union(rect)
	}
	return ext
}

func (r *Region) overlap(rect image.Rectangle) int {
	total := 0
	for _, existing := range r.rects {
		total += area(existing.Intersect(rect))
	}
	return total
}

// subtract returns the parts of a not covered by b, as at most four
// disjoint rectangles.
func subtract(a, b image.Rectangle) []image.Rectangle {
	in := a.Intersect(b)
	if in.Empty() {
		return []image.Rectangle{a}
	}

	out := make([]image.Rectangle, 0, 4)
	if a.Min.Y < in.Min.Y {
		out = append(out, image.Rect(a.Min.X, a.Min.Y, a.Max.X, in.Min.Y))
	}
	if in.Max.Y < a.Max.Y {
		out = append(out, image.Rect(a.Min.X, in.Max.Y, a.Max.X, a.Max.Y))
	}
	if a.Min.X < in.Min.X {
		out = append(out, image.Rect(a.Min.X, in.Min.Y, in.Min.X, in.Max.Y))
	}
	if in.Max.X < a.Max.X {
		out = append(out, image.Rect(in.Max.X, in.Min.Y, a.Max.X, in.Max.Y))
	}
	return out
}

func area(r image.Rectangle) int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}
