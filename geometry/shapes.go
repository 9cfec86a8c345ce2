package geometry

// DegenerateIoU is the IoU reported when the union of two boxes has no area,
// which only happens for coincident zero-area boxes.
const DegenerateIoU = 0.0

// Corners is a box in corner form.
type Corners struct {
	// X1,Y1 is the minimum corner, X2,Y2 the maximum corner.
	X1, X2, Y1, Y2 float64
}

// Area returns the area covered by the corners.
func (c Corners) Area() float64 {
	return (c.X2 - c.X1) * (c.Y2 - c.Y1)
}

// ToCorners converts a center-form box to its minimum and maximum coordinates.
//
// Arguments:
//   - b: The box to convert.
//
// Returns:
//   - Corners with X1 = CenterX - Width/2, X2 = CenterX + Width/2 and likewise for Y.
//
// @example
// c := ToCorners(Box{CenterX: 0, CenterY: 0, Width: 2, Height: 4})
// fmt.Println(c) // {-1 1 -2 2}
func ToCorners(b Box) Corners {
	return Corners{
		X1: b.CenterX - b.Width/2,
		X2: b.CenterX + b.Width/2,
		Y1: b.CenterY - b.Height/2,
		Y2: b.CenterY + b.Height/2,
	}
}

// CalculateIoU computes the Intersection over Union of two boxes.
//
// IoU measures how much two rectangles overlap:
//
//	IoU = Area of Intersection / Area of Union
//
//	- 1.0 means the boxes are identical.
//	- 0.0 means the boxes do not overlap at all.
//
// **1. Intersection**
//
//	The intersection starts at the maximum of both minimum corners and ends at
//	the minimum of both maximum corners. If the right edge falls left of the left
//	edge, or the bottom edge above the top edge, the boxes are disjoint and the
//	result is 0.0. Boxes that only touch have a zero-area intersection and also
//	score 0.0.
//
// **2. Union**
//
//	Area(Union) = Area(A) + Area(B) - Area(Intersection)
//
//	Two coincident zero-area boxes produce a zero union. The result is then
//	DegenerateIoU rather than a division by zero.
//
// The result is symmetric and does not change when both boxes are translated by
// the same offset.
//
// Arguments:
//   - a: The first box.
//   - b: The other box to compare against.
//
// Returns:
//   - float64: A value between 0.0 and 1.0.
//
// Example Usage:
// ```go
//
//	a := Box{CenterX: 5, CenterY: 5, Width: 10, Height: 10}
//	b := Box{CenterX: 10, CenterY: 10, Width: 10, Height: 10}
//
//	fmt.Printf("%f\n", CalculateIoU(a, b)) // 25 / (100 + 100 - 25) = 0.142857
//
// ```
func CalculateIoU(a, b Box) float64 {
	ca := ToCorners(a)
	cb := ToCorners(b)

	left := max(ca.X1, cb.X1)
	top := max(ca.Y1, cb.Y1)
	right := min(ca.X2, cb.X2)
	bottom := min(ca.Y2, cb.Y2)

	if right < left || bottom < top {
		return 0.0
	}

	intersection := (right - left) * (bottom - top)
	union := ca.Area() + cb.Area() - intersection
	if union <= 0 {
		return DegenerateIoU
	}

	iou := intersection / union
	// Rounding in the subtraction can push the ratio a hair past 1.
	if iou > 1 {
		return 1
	}
	return iou
}
