// Package postprocess - provides Non-Maximum Suppression for a single detector's output.
package postprocess

import (
	"sort"

	"github.com/nvr-ai/go-ensemble/geometry"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float64 `json:"iouThreshold" yaml:"iouThreshold"` // Overlap threshold for suppression.
	ClassAware   bool    `json:"classAware"   yaml:"classAware"`   // If true, suppress only within same class.
}

// DefaultNMSConfig returns the class-aware configuration used by the ensemble pre-pass.
func DefaultNMSConfig() *NMSConfig {
	return &NMSConfig{
		IoUThreshold: 0.7,
		ClassAware:   true,
	}
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// Boxes are visited by descending confidence (ties keep input order). Each kept
// box suppresses every later box whose IoU with it exceeds the threshold.
//
// Arguments:
//   - detections: The boxes of one detector, in any order.
//   - config: NMS configuration. If ClassAware is set, only boxes of the same class
//     suppress each other.
//
// Returns:
//   - The kept boxes, in their original input order.
//   - The original indices of the kept boxes.
//   - nil, nil if no detections are provided.
func ApplyGreedyNMS(detections geometry.DetectionSet, config *NMSConfig) (geometry.DetectionSet, []int) {
	n := len(detections)
	if n == 0 {
		return nil, nil
	}
	if config == nil {
		config = DefaultNMSConfig()
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return detections[order[a]].Confidence > detections[order[b]].Confidence
	})

	used := make([]bool, n)
	keep := make([]bool, n)

	for _, i := range order {
		if used[i] {
			continue
		}

		anchor := detections[i]
		keep[i] = true
		used[i] = true

		for _, j := range order {
			if used[j] {
				continue
			}
			if config.ClassAware && anchor.Class != detections[j].Class {
				continue
			}

			// Suppress if IoU exceeds threshold
			if geometry.CalculateIoU(anchor, detections[j]) > config.IoUThreshold {
				used[j] = true
			}
		}
	}

	filtered := make(geometry.DetectionSet, 0, n)
	indices := make([]int, 0, n)
	for i, kept := range keep {
		if kept {
			filtered = append(filtered, detections[i])
			indices = append(indices, i)
		}
	}

	return filtered, indices
}
