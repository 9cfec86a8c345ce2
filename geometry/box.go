// Package geometry - Box primitives and overlap metrics for detection ensembling.
package geometry

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ErrInvalidBox is returned when a box fails validation.
var ErrInvalidBox = errors.New("invalid box")

// Box is an axis-aligned bounding box in center form with its class and confidence.
//
// Boxes are values. Operations that combine boxes always construct a new Box and
// never modify their inputs.
type Box struct {
	// CenterX is the horizontal center of the box.
	CenterX float64 `json:"x" yaml:"x"`
	// CenterY is the vertical center of the box.
	CenterY float64 `json:"y" yaml:"y"`
	// Width is the horizontal extent of the box, never negative.
	Width float64 `json:"w" yaml:"w"`
	// Height is the vertical extent of the box, never negative.
	Height float64 `json:"h" yaml:"h"`
	// Class is the predicted class index.
	Class int `json:"class" yaml:"class"`
	// Confidence is the detector score in [0, 1].
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// DetectionSet is the ordered output of a single detector.
type DetectionSet []Box

// String formats the box for display.
//
// Returns:
//   - A formatted string containing class, confidence, center and size.
//
// @example
// box := Box{CenterX: 10, CenterY: 20, Width: 4, Height: 6, Class: 1, Confidence: 0.9}
// fmt.Println(box.String()) // Output: Object 1 (confidence 0.900000): center (10.00, 20.00), size 4.00x6.00
func (b Box) String() string {
	return fmt.Sprintf("Object %d (confidence %f): center (%.2f, %.2f), size %.2fx%.2f",
		b.Class, b.Confidence, b.CenterX, b.CenterY, b.Width, b.Height)
}

// Corners returns the corner form of the box.
func (b Box) Corners() Corners {
	return ToCorners(b)
}

// Area returns Width*Height.
func (b Box) Area() float64 {
	return b.Width * b.Height
}

// Validate reports whether the box is well formed.
//
// A well formed box has finite coordinates, a non-negative width and height and
// a confidence in [0, 1].
//
// Returns:
//   - nil if the box is valid, otherwise an error wrapping ErrInvalidBox.
func (b Box) Validate() error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"center x", b.CenterX},
		{"center y", b.CenterY},
		{"width", b.Width},
		{"height", b.Height},
		{"confidence", b.Confidence},
	} {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return errors.Wrapf(ErrInvalidBox, "%s is not finite (%v)", f.name, f.value)
		}
	}

	if b.Width < 0 {
		return errors.Wrapf(ErrInvalidBox, "negative width %v", b.Width)
	}
	if b.Height < 0 {
		return errors.Wrapf(ErrInvalidBox, "negative height %v", b.Height)
	}
	if b.Confidence < 0 || b.Confidence > 1 {
		return errors.Wrapf(ErrInvalidBox, "confidence %v outside [0, 1]", b.Confidence)
	}

	return nil
}

// FromCorners builds a center-form box from two opposite corners.
//
// Swapped corners are canonicalized, so the result never has a negative size.
//
// Arguments:
//   - x1, y1, x2, y2: Two opposite corners of the rectangle.
//   - class: The predicted class index.
//   - confidence: The detector score.
//
// Returns:
//   - The equivalent center-form Box.
//
// @example
// box := FromCorners(0, 0, 10, 20, 3, 0.5) // Box{CenterX: 5, CenterY: 10, Width: 10, Height: 20, ...}
func FromCorners(x1, y1, x2, y2 float64, class int, confidence float64) Box {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}

	return Box{
		CenterX:    (x1 + x2) / 2,
		CenterY:    (y1 + y2) / 2,
		Width:      x2 - x1,
		Height:     y2 - y1,
		Class:      class,
		Confidence: confidence,
	}
}
