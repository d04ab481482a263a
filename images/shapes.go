// Package images - Box geometry and overlap metrics.
package images

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-yolo/common"
)

// Epsilon guards the IoU denominator against zero-area unions.
const Epsilon = 1e-16

// Encoding selects how the four numbers of a box are interpreted.
type Encoding int

const (
	// EncodingCorner is (x1, y1, x2, y2).
	EncodingCorner Encoding = iota
	// EncodingCenter is (cx, cy, w, h).
	EncodingCenter
)

// String returns the name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingCorner:
		return "corner"
	case EncodingCenter:
		return "center"
	default:
		return "unknown"
	}
}

// Rect is a box in corner form.
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// Center is a box in center form.
type Center struct {
	X, Y, W, H float32
}

// Width of the rectangle.
func (r Rect) Width() float32 {
	return r.X2 - r.X1
}

// Height of the rectangle.
func (r Rect) Height() float32 {
	return r.Y2 - r.Y1
}

// Area of the rectangle. Inverted rectangles yield a negative area, exactly as the
// inclusion-exclusion formula expects.
func (r Rect) Area() float32 {
	return r.Width() * r.Height()
}

// Center converts the rectangle to center form.
func (r Rect) Center() Center {
	return Center{
		X: (r.X1 + r.X2) / 2,
		Y: (r.Y1 + r.Y2) / 2,
		W: r.X2 - r.X1,
		H: r.Y2 - r.Y1,
	}
}

// Rect converts the box to corner form.
func (c Center) Rect() Rect {
	return Rect{
		X1: c.X - c.W/2,
		Y1: c.Y - c.H/2,
		X2: c.X + c.W/2,
		Y2: c.Y + c.H/2,
	}
}

// Scale multiplies every coordinate by s.
func (c Center) Scale(s float32) Center {
	return Center{X: c.X * s, Y: c.Y * s, W: c.W * s, H: c.H * s}
}

// RectFrom interprets v according to enc and returns the corner form.
func RectFrom(v [4]float32, enc Encoding) Rect {
	if enc == EncodingCenter {
		return Center{X: v[0], Y: v[1], W: v[2], H: v[3]}.Rect()
	}
	return Rect{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
}

// CalculateIoU returns the Intersection over Union of two rectangles.
//
// The intersection rectangle starts at the maximum of the two top-left corners and
// ends at the minimum of the two bottom-right corners. If it has no width or height
// the intersection area is zero. The union follows inclusion-exclusion:
//
//	Area(Union) = Area(A) + Area(B) - Area(Intersection)
//
// A small epsilon is added to the union so that two zero-area boxes give 0 instead
// of NaN.
//
// Arguments:
//   - r: The first rectangle.
//   - o: The other rectangle to compare against.
//
// Returns:
//   - float32: A value between 0.0 and 1.0 representing the IoU score.
//
// @example
// r1 := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
// r2 := Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}
// iou := CalculateIoU(r1, r2) // 25 / 175 = 0.142857
func CalculateIoU(r, o Rect) float32 {
	interW := math32.Max(math32.Min(r.X2, o.X2)-math32.Max(r.X1, o.X1), 0)
	interH := math32.Max(math32.Min(r.Y2, o.Y2)-math32.Max(r.Y1, o.Y1), 0)
	inter := interW * interH

	return inter / (r.Area() + o.Area() - inter + Epsilon)
}

// IoU computes element-wise IoU between two box sets in the given encoding.
//
// Both sets must have the same length, except that a single box in a is compared
// against every box in b.
//
// Arguments:
//   - a: The first box set.
//   - b: The second box set.
//   - enc: How the four numbers of each box are laid out.
//
// Returns:
//   - []float32: One IoU per pair.
//   - error: common.ErrShapeMismatch if the lengths cannot be paired.
func IoU(a, b [][4]float32, enc Encoding) ([]float32, error) {
	if len(a) != len(b) && len(a) != 1 {
		return nil, errors.Wrapf(common.ErrShapeMismatch, "iou: %d boxes against %d boxes", len(a), len(b))
	}

	out := make([]float32, len(b))
	for i := range b {
		ai := a[0]
		if len(a) > 1 {
			ai = a[i]
		}
		out[i] = CalculateIoU(RectFrom(ai, enc), RectFrom(b[i], enc))
	}

	return out, nil
}

// ShapeIoU ranks how well two box shapes fit each other, as if both boxes shared a
// common center. It is used to choose anchors from target widths and heights.
func ShapeIoU(w1, h1, w2, h2 float32) float32 {
	inter := math32.Min(w1, w2) * math32.Min(h1, h2)
	return inter / (w1*h1 + w2*h2 - inter + Epsilon)
}
