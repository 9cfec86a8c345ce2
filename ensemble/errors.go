package ensemble

import (
	"fmt"

	"github.com/nvr-ai/go-ensemble/geometry"
	"github.com/pkg/errors"
)

// ErrInvalidThreshold is returned when the IoU threshold is not a finite value in [0, 1].
var ErrInvalidThreshold = errors.New("invalid iou threshold")

// InvalidBoxError identifies the input box that failed validation.
type InvalidBoxError struct {
	// Detector is the position of the detection set in the input.
	Detector int
	// Index is the position of the box within its detection set.
	Index int
	// Box is the offending box.
	Box geometry.Box
	// Err is the validation failure, wrapping geometry.ErrInvalidBox.
	Err error
}

func (e *InvalidBoxError) Error() string {
	return fmt.Sprintf("detector %d box %d: %v", e.Detector, e.Index, e.Err)
}

// Unwrap exposes the validation failure to errors.Is and errors.As.
func (e *InvalidBoxError) Unwrap() error {
	return e.Err
}

// Cause exposes the validation failure to errors.Cause.
func (e *InvalidBoxError) Cause() error {
	return e.Err
}
