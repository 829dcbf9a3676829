package geom

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b Rect
		want float64
	}{
		{"identical", NewRect(0, 0, 10, 10), NewRect(0, 0, 10, 10), 1},
		{"disjoint", NewRect(0, 0, 10, 10), NewRect(20, 20, 30, 30), 0},
		{"touching edges", NewRect(0, 0, 10, 10), NewRect(10, 0, 20, 10), 0},
		{"half overlap", NewRect(0, 0, 10, 10), NewRect(5, 0, 15, 10), 50.0 / 150.0},
		{"contained", NewRect(0, 0, 10, 10), NewRect(0, 0, 5, 10), 0.5},
		{"degenerate", Rect{}, NewRect(0, 0, 10, 10), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, IoU(tt.a, tt.b), 1e-9)
			assert.InDelta(t, tt.want, IoU(tt.b, tt.a), 1e-9)
		})
	}
}

func TestNewRectNormalises(t *testing.T) {
	r := RectFromXYWH(10, 20, -5, -10)
	assert.Equal(t, Point{X: 5, Y: 10}, r.Min)
	assert.Equal(t, Point{X: 10, Y: 20}, r.Max)
	assert.GreaterOrEqual(t, r.Width(), 0.0)
	assert.GreaterOrEqual(t, r.Height(), 0.0)
}

func TestPolygonBoundsAndString(t *testing.T) {
	p := Polygon{{X: 10, Y: 5}, {X: 40.4, Y: 8}, {X: 39, Y: 22.6}, {X: 9, Y: 20}}
	b := p.Bounds()
	assert.Equal(t, NewRect(9, 5, 40.4, 22.6), b)
	assert.Equal(t, "10,5;40,8;39,23;9,20", p.String())
	assert.Equal(t, Rect{}, Polygon{}.Bounds())
}

func TestFromFlat(t *testing.T) {
	p := FromFlat([]float64{1, 2, 3, 4, 5})
	assert.Equal(t, Polygon{{X: 1, Y: 2}, {X: 3, Y: 4}}, p)

	r := NewRect(1, 1, 3, 3)
	assert.Equal(t, r, r.Polygon().Bounds())
	assert.Equal(t, NewRect(2, 2, 6, 6), r.Scale(2))
}
