package tracker

import "math"

// Box is an axis-aligned bounding box in pixel coordinates: x1, y1, x2, y2.
type Box [4]float64

// Area returns the box area, or 0 for a degenerate box.
func (b Box) Area() float64 {
	w := b[2] - b[0]
	h := b[3] - b[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// CenterX returns the horizontal center of the box.
func (b Box) CenterX() float64 {
	return (b[0] + b[2]) / 2
}

// Rect is an integer pixel rectangle, used for the region of interest.
type Rect struct {
	X1, Y1, X2, Y2 int
}

// IoU returns the Intersection-over-Union of two boxes.
//
// Identical boxes always yield 1.0 (including degenerate ones) and boxes that
// do not overlap yield 0.0.
func IoU(a, b Box) float64 {
	if a == b {
		return 1.0
	}

	ix1 := math.Max(a[0], b[0])
	iy1 := math.Max(a[1], b[1])
	ix2 := math.Min(a[2], b[2])
	iy2 := math.Min(a[3], b[3])
	if ix2 < ix1 || iy2 < iy1 {
		return 0.0
	}

	inter := (ix2 - ix1) * (iy2 - iy1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0.0
	}
	return inter / union
}

// regionOfInterest derives the ROI from the frame size. The vertical center is
// always the middle of the frame; only the horizontal center is configurable.
func regionOfInterest(width, height int, centerRatio, widthRatio, heightRatio float64) Rect {
	rw := int(float64(width) * widthRatio)
	rh := int(float64(height) * heightRatio)
	cx := int(float64(width) * centerRatio)
	cy := height / 2

	return Rect{
		X1: max(0, cx-rw/2),
		Y1: max(0, cy-rh/2),
		X2: min(width, cx+rw/2),
		Y2: min(height, cy+rh/2),
	}
}

// containsCenterX reports whether the box's horizontal center lies within the
// rectangle's horizontal span (inclusive).
func (r Rect) containsCenterX(b Box) bool {
	cx := b.CenterX()
	return float64(r.X1) <= cx && cx <= float64(r.X2)
}

// outsideFrame reports whether the box lies entirely outside a width×height frame.
func outsideFrame(b Box, width, height int) bool {
	return b[2] < 0 || b[0] > float64(width) || b[3] < 0 || b[1] > float64(height)
}
