// Package metrics - Detection quality metrics.
package metrics

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-yolo/common"
)

// ComputeAP integrates a precision/recall curve into average precision.
//
// The curve is padded with recall sentinels 0 and 1 and precision sentinels 0 and 0,
// the precision is replaced by its envelope (the running maximum from the right),
// and the area is summed over the points where recall changes:
//
//	AP = sum((recall[i+1] - recall[i]) * precision[i+1])
//
// Recall does not need to be monotonic.
//
// Arguments:
//   - recall: The recall curve.
//   - precision: The precision curve, one value per recall point.
//
// Returns:
//   - float32: The average precision.
//   - error: common.ErrShapeMismatch if the curves differ in length.
//
// @example
// ap, _ := ComputeAP([]float32{0.1, 0.4, 0.6}, []float32{0.9, 0.5, 0.8}) // 0.49
func ComputeAP(recall, precision []float32) (float32, error) {
	if len(recall) != len(precision) {
		return 0, errors.Wrapf(common.ErrShapeMismatch, "ap: %d recall points, %d precision points", len(recall), len(precision))
	}

	n := len(recall) + 2
	mrec := make([]float32, n)
	mpre := make([]float32, n)
	copy(mrec[1:], recall)
	copy(mpre[1:], precision)
	mrec[n-1] = 1

	for i := n - 1; i > 0; i-- {
		mpre[i-1] = max(mpre[i-1], mpre[i])
	}

	var ap float32
	for i := 0; i < n-1; i++ {
		if mrec[i+1] != mrec[i] {
			ap += (mrec[i+1] - mrec[i]) * mpre[i+1]
		}
	}
	return ap, nil
}
