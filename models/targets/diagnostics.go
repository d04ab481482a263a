package targets

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/images"
)

// checkPredictions verifies the prediction tensors line up with the target slots.
func (b *Builder) checkPredictions(preds *Predictions, slotShape []int) error {
	if preds == nil {
		return errors.Wrap(common.ErrShapeMismatch, "diagnostics requested without predictions")
	}
	boxShape := append(append([]int{}, slotShape...), 4)
	clsShape := append(append([]int{}, slotShape...), b.config.NumClasses)

	checks := []struct {
		name  string
		t     *tensor.Dense
		shape []int
	}{
		{"predicted boxes", preds.Boxes, boxShape},
		{"predicted objectness", preds.Conf, slotShape},
		{"predicted classes", preds.Cls, clsShape},
	}
	for _, c := range checks {
		if err := common.CheckShape(c.name, c.t, c.shape...); err != nil {
			return err
		}
		if c.t.Dtype() != tensor.Float32 {
			return errors.Wrapf(common.ErrShapeMismatch, "%s: dtype %v, want float32", c.name, c.t.Dtype())
		}
	}
	return nil
}

// diagnose scores the prediction at every winning slot of image bi against the
// target it was assigned.
//
// A confident prediction (objectness above DiagnosticConfidence) is a true positive
// when it overlaps the target by more than DiagnosticIoU with the right class, and a
// false positive otherwise. Every target starts as a false negative and stays one
// only if its winning slot was not confident.
func (b *Builder) diagnose(bi, nT int, winners []candidate, preds *Predictions, out *Targets) error {
	tp := make([]float32, nT)
	fp := make([]float32, nT)
	fn := make([]float32, nT)
	for k := range fn {
		fn[k] = 1
	}

	cfg := b.config
	nS := float32(cfg.subCells())
	for _, c := range winners {
		coords := c.slot.coords(bi, cfg.SubGrid)

		pred, err := readBox(preds.Boxes, coords)
		if err != nil {
			return errors.Wrapf(err, "image %d", bi)
		}
		if cfg.SubGrid {
			dx, dy := float32(c.slot.si)/nS, float32(c.slot.sj)/nS
			pred = images.Rect{X1: pred.X1 + dx, Y1: pred.Y1 + dy, X2: pred.X2 + dx, Y2: pred.Y2 + dy}
		}

		conf, err := common.Float32At(preds.Conf, coords...)
		if err != nil {
			return errors.Wrapf(err, "image %d", bi)
		}
		class, err := argmaxClass(preds.Cls, coords, cfg.NumClasses)
		if err != nil {
			return errors.Wrapf(err, "image %d", bi)
		}

		iou := images.CalculateIoU(c.box.Rect(), pred)
		confident := conf > cfg.DiagnosticConfidence
		if confident && iou > cfg.DiagnosticIoU && class == c.class {
			tp[c.index] = 1
		}
		if confident && (iou <= cfg.DiagnosticIoU || class != c.class) {
			fp[c.index] = 1
		}
		if conf >= cfg.DiagnosticConfidence {
			fn[c.index] = 0
		}
	}

	out.TP[bi], out.FP[bi], out.FN[bi] = tp, fp, fn
	return nil
}

func readBox(t *tensor.Dense, coords []int) (images.Rect, error) {
	var v [4]float32
	at := append(append([]int{}, coords...), 0)
	for i := range v {
		at[len(at)-1] = i
		f, err := common.Float32At(t, at...)
		if err != nil {
			return images.Rect{}, err
		}
		v[i] = f
	}
	return images.RectFrom(v, images.EncodingCorner), nil
}

// argmaxClass returns the first class with the highest score at a slot.
func argmaxClass(t *tensor.Dense, coords []int, nC int) (int, error) {
	at := append(append([]int{}, coords...), 0)
	best, bestScore := 0, float32(0)
	for c := 0; c < nC; c++ {
		at[len(at)-1] = c
		s, err := common.Float32At(t, at...)
		if err != nil {
			return 0, err
		}
		if c == 0 || s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, nil
}
