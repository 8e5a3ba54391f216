package nn

import (
	"github.com/chewxy/math32"
)

// Rect is an axis-aligned box in image pixels, in COCO's [x, y, width, height] form.
type Rect struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// MakeRect builds a Rect from a COCO bbox array. Returns false if the array is not 4 elements long.
func MakeRect(bbox []float64) (Rect, bool) {
	if len(bbox) != 4 {
		return Rect{}, false
	}
	return Rect{
		X:      float32(bbox[0]),
		Y:      float32(bbox[1]),
		Width:  float32(bbox[2]),
		Height: float32(bbox[3]),
	}, true
}

func (r Rect) X2() float32 {
	return r.X + r.Width
}

func (r Rect) Y2() float32 {
	return r.Y + r.Height
}

func (r Rect) Area() float32 {
	return math32.Max(0, r.Width) * math32.Max(0, r.Height)
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := math32.Max(r.X, b.X)
	y1 := math32.Max(r.Y, b.Y)
	x2 := math32.Min(r.X2(), b.X2())
	y2 := math32.Min(r.Y2(), b.Y2())
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  math32.Max(0, x2-x1),
		Height: math32.Max(0, y2-y1),
	}
}

// Intersection over Union
func (r Rect) IOU(b Rect) float32 {
	inter := r.Intersection(b).Area()
	union := r.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Scale multiplies position and size by s
func (r Rect) Scale(s float32) Rect {
	return Rect{
		X:      r.X * s,
		Y:      r.Y * s,
		Width:  r.Width * s,
		Height: r.Height * s,
	}
}
