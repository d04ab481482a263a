// Package postprocess - Postprocessing utilities for models.
package postprocess

import (
	"fmt"

	"github.com/nvr-ai/go-yolo/images"
)

// Detection is a single object that survived filtering.
type Detection struct {
	// The bounding box in corner form.
	Box images.Rect `json:"box" yaml:"box"`
	// The predicted objectness of the box.
	Objectness float32 `json:"objectness" yaml:"objectness"`
	// The score of the best class.
	ClassConfidence float32 `json:"class_confidence" yaml:"class_confidence"`
	// The predicted class index.
	Class int `json:"class" yaml:"class"`
}

// String formats the detection for logs.
//
// @example
// d := Detection{Box: images.Rect{X1: 100, Y1: 100, X2: 200, Y2: 300}, Objectness: 0.95, ClassConfidence: 0.8, Class: 2}
// fmt.Println(d.String()) // Object 2 (objectness 0.950000, class 0.800000): (100.00, 100.00), (200.00, 300.00)
func (d Detection) String() string {
	return fmt.Sprintf("Object %d (objectness %f, class %f): (%.2f, %.2f), (%.2f, %.2f)",
		d.Class, d.Objectness, d.ClassConfidence, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
}
