// Package postprocess - provides Non-Maximum Suppression for detection results.
package postprocess

import (
	"runtime"
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/images"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	// ConfidenceThreshold drops predictions whose objectness is not above it.
	ConfidenceThreshold float32 `json:"confidence_threshold" yaml:"confidence_threshold"`
	// IoUThreshold suppresses same-class boxes that overlap a kept box at least this much.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// CrossClassIoUThreshold suppresses nearby boxes of any class that overlap more than this.
	CrossClassIoUThreshold float32 `json:"cross_class_iou_threshold" yaml:"cross_class_iou_threshold"`
	// CrossClassRadius is the center distance, per axis, within which boxes are compared across classes.
	CrossClassRadius float32 `json:"cross_class_radius" yaml:"cross_class_radius"`
	// NumClasses is the number of class scores per prediction. Zero infers it from the input width.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// NumWorkers bounds the number of images filtered concurrently. Zero means NumCPU.
	NumWorkers int `json:"num_workers" yaml:"num_workers"`
}

// DefaultNMSConfig returns the thresholds the detector was tuned with.
func DefaultNMSConfig() NMSConfig {
	return NMSConfig{
		ConfidenceThreshold:    0.5,
		IoUThreshold:           0.4,
		CrossClassIoUThreshold: 0.5,
		CrossClassRadius:       30,
		NumWorkers:             runtime.NumCPU(),
	}
}

// Validate checks that every threshold is in range.
func (c NMSConfig) Validate() error {
	unit := []struct {
		name  string
		value float32
	}{
		{"confidence_threshold", c.ConfidenceThreshold},
		{"iou_threshold", c.IoUThreshold},
		{"cross_class_iou_threshold", c.CrossClassIoUThreshold},
	}
	for _, u := range unit {
		if u.value < 0 || u.value > 1 || math32.IsNaN(u.value) {
			return errors.Wrapf(common.ErrInvalidConfig, "%s must be in [0, 1], got %v", u.name, u.value)
		}
	}
	switch {
	case c.CrossClassRadius < 0 || math32.IsNaN(c.CrossClassRadius):
		return errors.Wrapf(common.ErrInvalidConfig, "cross_class_radius must not be negative, got %v", c.CrossClassRadius)
	case c.NumClasses < 0:
		return errors.Wrapf(common.ErrInvalidConfig, "num_classes must not be negative, got %d", c.NumClasses)
	case c.NumWorkers < 0:
		return errors.Wrapf(common.ErrInvalidConfig, "num_workers must not be negative, got %d", c.NumWorkers)
	}
	return nil
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// The highest remaining detection is kept and every later detection overlapping
// it by at least iouThreshold is discarded, until none remain.
//
// Arguments:
//   - detections: Slice of detections sorted by descending objectness.
//   - iouThreshold: IoU threshold at or above which overlapping boxes are suppressed.
//
// Returns:
//   - Filtered slice of detections. If no detections are provided, returns nil.
func ApplyGreedyNMS(detections []Detection, iouThreshold float32) []Detection {
	n := len(detections)
	if n == 0 {
		return nil
	}

	filtered := make([]Detection, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := detections[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if images.CalculateIoU(anchor.Box, detections[j].Box) >= iouThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}

// ApplyClassNMS runs ApplyGreedyNMS separately for every predicted class and
// merges the survivors. Classes are visited in ascending order and each class is
// ranked by descending objectness.
func ApplyClassNMS(detections []Detection, iouThreshold float32) []Detection {
	if len(detections) == 0 {
		return nil
	}

	groups := make(map[int][]Detection)
	for _, d := range detections {
		groups[d.Class] = append(groups[d.Class], d)
	}
	classes := make([]int, 0, len(groups))
	for c := range groups {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	merged := make([]Detection, 0, len(detections))
	for _, c := range classes {
		group := groups[c]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Objectness > group[j].Objectness
		})
		merged = append(merged, ApplyGreedyNMS(group, iouThreshold)...)
	}
	return merged
}

// SuppressCrossClass removes duplicates of the same physical object that were
// predicted as different classes.
//
// Detections are ranked by descending class confidence. For each surviving
// detection, every lower ranked detection whose center lies within radius on both
// axes and whose IoU exceeds iouThreshold is removed. Removed detections never
// suppress anything themselves.
//
// Arguments:
//   - detections: The merged output of ApplyClassNMS.
//   - radius: The per-axis center distance within which boxes are compared.
//   - iouThreshold: IoU above which the lower ranked box is removed.
//
// Returns:
//   - The surviving detections, ordered by descending class confidence.
func SuppressCrossClass(detections []Detection, radius, iouThreshold float32) []Detection {
	n := len(detections)
	if n == 0 {
		return nil
	}

	ranked := make([]Detection, n)
	copy(ranked, detections)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].ClassConfidence > ranked[j].ClassConfidence
	})
	if n == 1 {
		return ranked
	}

	centers := make([]images.Center, n)
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(n)
	for i, d := range ranked {
		centers[i] = d.Box.Center()
		fb.Add(centers[i].X, centers[i].Y, centers[i].X, centers[i].Y)
	}
	fb.Finish()

	removed := make([]bool, n)
	nearby := []int{}
	for i := range ranked {
		if removed[i] {
			continue
		}
		ci := centers[i]
		// The window is only a prefilter, so it is widened past any rounding of the
		// exact per-axis test below.
		wx, wy := searchExtent(ci.X, radius), searchExtent(ci.Y, radius)
		nearby = fb.SearchFast(ci.X-wx, ci.Y-wy, ci.X+wx, ci.Y+wy, nearby)
		for _, j := range nearby {
			if j <= i || removed[j] {
				continue
			}
			cj := centers[j]
			if math32.Abs(ci.X-cj.X) >= radius || math32.Abs(ci.Y-cj.Y) >= radius {
				continue
			}
			if images.CalculateIoU(ranked[i].Box, ranked[j].Box) > iouThreshold {
				removed[j] = true
			}
		}
	}

	kept := make([]Detection, 0, n)
	for i, d := range ranked {
		if !removed[i] {
			kept = append(kept, d)
		}
	}
	return kept
}

// searchExtent is radius plus a relative margin well above float32 rounding at c.
func searchExtent(c, radius float32) float32 {
	return radius + (math32.Abs(c)+radius)*1e-5 + 1e-6
}
