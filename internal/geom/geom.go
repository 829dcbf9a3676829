// Package geom holds the small amount of plane geometry the pipeline needs:
// detection polygons, their axis-aligned bounds and overlap measures.
package geom

import (
	"fmt"
	"math"
	"strings"
)

// Point is a pixel coordinate on a rasterized page image.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is an ordered list of vertices. Detectors return either four
// corners of a (possibly rotated) quadrilateral or an axis-aligned box
// expanded to four corners.
type Polygon []Point

// Rect is an axis-aligned box with Min at the top-left corner.
type Rect struct {
	Min Point `json:"min"`
	Max Point `json:"max"`
}

// RectFromXYWH builds a rectangle from an origin and a size. Negative sizes
// are normalised so the result always has non-negative width and height.
func RectFromXYWH(x, y, w, h float64) Rect {
	return NewRect(x, y, x+w, y+h)
}

// NewRect builds a normalised rectangle from two opposite corners.
func NewRect(x1, y1, x2, y2 float64) Rect {
	return Rect{
		Min: Point{X: math.Min(x1, x2), Y: math.Min(y1, y2)},
		Max: Point{X: math.Max(x1, x2), Y: math.Max(y1, y2)},
	}
}

func (r Rect) Width() float64  { return r.Max.X - r.Min.X }
func (r Rect) Height() float64 { return r.Max.Y - r.Min.Y }
func (r Rect) Area() float64   { return r.Width() * r.Height() }

// Empty reports whether the rectangle covers no area.
func (r Rect) Empty() bool {
	return r.Width() <= 0 || r.Height() <= 0
}

// Intersect returns the overlap of two rectangles, or the zero Rect.
func (r Rect) Intersect(o Rect) Rect {
	x1 := math.Max(r.Min.X, o.Min.X)
	y1 := math.Max(r.Min.Y, o.Min.Y)
	x2 := math.Min(r.Max.X, o.Max.X)
	y2 := math.Min(r.Max.Y, o.Max.Y)
	if x2 <= x1 || y2 <= y1 {
		return Rect{}
	}
	return Rect{Min: Point{X: x1, Y: y1}, Max: Point{X: x2, Y: y2}}
}

// Scale multiplies every coordinate by f.
func (r Rect) Scale(f float64) Rect {
	return NewRect(r.Min.X*f, r.Min.Y*f, r.Max.X*f, r.Max.Y*f)
}

// Polygon expands the rectangle into its four corners, clockwise from the
// top-left.
func (r Rect) Polygon() Polygon {
	return Polygon{
		{X: r.Min.X, Y: r.Min.Y},
		{X: r.Max.X, Y: r.Min.Y},
		{X: r.Max.X, Y: r.Max.Y},
		{X: r.Min.X, Y: r.Max.Y},
	}
}

// IoU is the intersection-over-union of two rectangles in [0,1].
func IoU(a, b Rect) float64 {
	inter := a.Intersect(b).Area()
	if inter <= 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Bounds returns the axis-aligned bounding box of the polygon.
func (p Polygon) Bounds() Rect {
	if len(p) == 0 {
		return Rect{}
	}
	minX, minY := p[0].X, p[0].Y
	maxX, maxY := p[0].X, p[0].Y
	for _, pt := range p[1:] {
		minX = math.Min(minX, pt.X)
		minY = math.Min(minY, pt.Y)
		maxX = math.Max(maxX, pt.X)
		maxY = math.Max(maxY, pt.Y)
	}
	return Rect{Min: Point{X: minX, Y: minY}, Max: Point{X: maxX, Y: maxY}}
}

// Scale multiplies every vertex by f.
func (p Polygon) Scale(f float64) Polygon {
	out := make(Polygon, len(p))
	for i, pt := range p {
		out[i] = Point{X: pt.X * f, Y: pt.Y * f}
	}
	return out
}

// FromFlat converts a flat [x1,y1,x2,y2,...] slice as returned by most
// cloud OCR APIs. A trailing odd coordinate is ignored.
func FromFlat(coords []float64) Polygon {
	out := make(Polygon, 0, len(coords)/2)
	for i := 0; i+1 < len(coords); i += 2 {
		out = append(out, Point{X: coords[i], Y: coords[i+1]})
	}
	return out
}

// String renders the polygon as "x1,y1;x2,y2;..." with integer pixel
// coordinates, the layout used in tabular exports.
func (p Polygon) String() string {
	parts := make([]string, len(p))
	for i, pt := range p {
		parts[i] = fmt.Sprintf("%d,%d", int(math.Round(pt.X)), int(math.Round(pt.Y)))
	}
	return strings.Join(parts, ";")
}
