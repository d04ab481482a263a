package postprocess

import (
	"runtime"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/images"
)

// boxFields is the number of values before the class scores: cx, cy, w, h, objectness.
const boxFields = 5

// Filter turns raw per-cell predictions into final detections.
type Filter struct {
	config NMSConfig
	logger *logrus.Logger
}

// NewFilter creates a detection filter.
//
// Arguments:
//   - config: NMS configuration.
//   - logger: Where batch summaries are logged. Nil uses the logrus standard logger.
//
// Returns:
//   - *Filter: The filter.
//   - error: common.ErrInvalidConfig if a threshold is out of range.
func NewFilter(config NMSConfig, logger *logrus.Logger) (*Filter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Filter{config: config, logger: logger}, nil
}

// Config returns the filter settings.
func (f *Filter) Config() NMSConfig {
	return f.config
}

// Run filters a batch of raw predictions.
//
// Arguments:
//   - predictions: A float32 tensor of shape (nB, N, 5+nC). Each row is
//     (cx, cy, w, h, objectness, class scores...).
//
// Returns:
//   - [][]Detection: One entry per image. Images with no surviving detection are nil.
//   - error: common.ErrShapeMismatch if the tensor does not have the expected layout.
func (f *Filter) Run(predictions *tensor.Dense) ([][]Detection, error) {
	if predictions == nil {
		return nil, errors.Wrap(common.ErrShapeMismatch, "nms: missing predictions")
	}
	shape := predictions.Shape()
	if len(shape) != 3 {
		return nil, errors.Wrapf(common.ErrShapeMismatch, "nms: predictions have shape %v, want (images, candidates, 5+classes)", shape)
	}
	if predictions.Dtype() != tensor.Float32 {
		return nil, errors.Wrapf(common.ErrShapeMismatch, "nms: predictions have dtype %v, want float32", predictions.Dtype())
	}
	nB, nP, width := shape[0], shape[1], shape[2]
	if err := f.checkWidth(width); err != nil {
		return nil, err
	}

	out := make([][]Detection, nB)
	g := new(errgroup.Group)
	g.SetLimit(f.workers())
	for b := 0; b < nB; b++ {
		g.Go(func() error {
			rows, err := readImage(predictions, b, nP, width, f.config.ConfidenceThreshold)
			if err != nil {
				return errors.Wrapf(err, "image %d", b)
			}
			out[b] = f.suppress(decode(rows, f.config.ConfidenceThreshold))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	kept := 0
	for _, dets := range out {
		kept += len(dets)
	}
	f.logger.WithFields(logrus.Fields{
		"images":     nB,
		"candidates": nB * nP,
		"detections": kept,
	}).Debug("filtered detections")

	return out, nil
}

// FilterImage filters the raw predictions of a single image.
//
// Arguments:
//   - rows: One (cx, cy, w, h, objectness, class scores...) row per candidate.
//
// Returns:
//   - []Detection: The surviving detections, or nil if none survive.
//   - error: common.ErrShapeMismatch if the rows differ in width.
func (f *Filter) FilterImage(rows [][]float32) ([]Detection, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	width := len(rows[0])
	if err := f.checkWidth(width); err != nil {
		return nil, err
	}
	for i, r := range rows {
		if len(r) != width {
			return nil, errors.Wrapf(common.ErrShapeMismatch, "nms: row %d has %d values, want %d", i, len(r), width)
		}
	}
	return f.suppress(decode(rows, f.config.ConfidenceThreshold)), nil
}

// Suppress runs both suppression passes over already decoded detections. It drops
// detections at or below the confidence threshold first.
func (f *Filter) Suppress(detections []Detection) []Detection {
	kept := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Objectness > f.config.ConfidenceThreshold {
			kept = append(kept, d)
		}
	}
	return f.suppress(kept)
}

func (f *Filter) suppress(dets []Detection) []Detection {
	if len(dets) == 0 {
		return nil
	}
	dets = ApplyClassNMS(dets, f.config.IoUThreshold)
	return SuppressCrossClass(dets, f.config.CrossClassRadius, f.config.CrossClassIoUThreshold)
}

func (f *Filter) checkWidth(width int) error {
	if f.config.NumClasses > 0 && width != boxFields+f.config.NumClasses {
		return errors.Wrapf(common.ErrShapeMismatch, "nms: rows have %d values, want %d for %d classes", width, boxFields+f.config.NumClasses, f.config.NumClasses)
	}
	if width <= boxFields {
		return errors.Wrapf(common.ErrShapeMismatch, "nms: rows have %d values, want at least %d", width, boxFields+1)
	}
	return nil
}

func (f *Filter) workers() int {
	if f.config.NumWorkers == 0 {
		return runtime.NumCPU()
	}
	return f.config.NumWorkers
}

// readImage copies the rows of image b whose objectness is above threshold.
func readImage(t *tensor.Dense, b, nP, width int, threshold float32) ([][]float32, error) {
	rows := [][]float32{}
	for p := 0; p < nP; p++ {
		obj, err := common.Float32At(t, b, p, 4)
		if err != nil {
			return nil, err
		}
		if obj <= threshold {
			continue
		}
		row := make([]float32, width)
		for k := range row {
			if row[k], err = common.Float32At(t, b, p, k); err != nil {
				return nil, err
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// decode thresholds rows on objectness, converts boxes to corner form and reduces
// the class scores to the best class.
func decode(rows [][]float32, threshold float32) []Detection {
	dets := make([]Detection, 0, len(rows))
	for _, r := range rows {
		if r[4] <= threshold {
			continue
		}
		class, score := 0, r[boxFields]
		for c, s := range r[boxFields+1:] {
			if s > score {
				class, score = c+1, s
			}
		}
		dets = append(dets, Detection{
			Box:             images.Center{X: r[0], Y: r[1], W: r[2], H: r[3]}.Rect(),
			Objectness:      r[4],
			ClassConfidence: score,
			Class:           class,
		})
	}
	return dets
}
