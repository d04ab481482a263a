package metrics

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/models/targets"
)

// Counts are running confusion totals.
type Counts struct {
	TP      float64 `json:"tp"`
	FP      float64 `json:"fp"`
	FN      float64 `json:"fn"`
	Targets int     `json:"targets"`
}

// Precision is TP / (TP + FP), or 0 when nothing was detected.
func (c Counts) Precision() float32 {
	if c.TP+c.FP == 0 {
		return 0
	}
	return float32(c.TP / (c.TP + c.FP))
}

// Recall is TP over the number of ground truth targets, or 0 when there were none.
func (c Counts) Recall() float32 {
	if c.Targets == 0 {
		return 0
	}
	return float32(c.TP / float64(c.Targets))
}

// Accumulator sums the diagnostic counters of successive target builds and keeps
// one precision/recall point per batch.
type Accumulator struct {
	mu        sync.Mutex
	counts    Counts
	recall    []float32
	precision []float32
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add folds the diagnostic counters of one batch into the totals.
//
// Arguments:
//   - t: Targets built with diagnostics enabled.
//
// Returns:
//   - error: common.ErrShapeMismatch if t carries no diagnostics.
func (a *Accumulator) Add(t *targets.Targets) error {
	if t == nil || t.TP == nil || t.FP == nil || t.FN == nil {
		return errors.Wrap(common.ErrShapeMismatch, "accumulate: targets were built without diagnostics")
	}
	if len(t.TP) != len(t.FP) || len(t.TP) != len(t.FN) {
		return errors.Wrapf(common.ErrShapeMismatch, "accumulate: %d/%d/%d images in TP/FP/FN", len(t.TP), len(t.FP), len(t.FN))
	}

	var batch Counts
	for i := range t.TP {
		if len(t.TP[i]) != len(t.FP[i]) || len(t.TP[i]) != len(t.FN[i]) {
			return errors.Wrapf(common.ErrShapeMismatch, "accumulate: image %d has %d/%d/%d counters", i, len(t.TP[i]), len(t.FP[i]), len(t.FN[i]))
		}
		batch.Targets += len(t.TP[i])
		for k := range t.TP[i] {
			batch.TP += float64(t.TP[i][k])
			batch.FP += float64(t.FP[i][k])
			batch.FN += float64(t.FN[i][k])
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts.TP += batch.TP
	a.counts.FP += batch.FP
	a.counts.FN += batch.FN
	a.counts.Targets += batch.Targets
	a.recall = append(a.recall, a.counts.Recall())
	a.precision = append(a.precision, a.counts.Precision())
	return nil
}

// Counts returns the running totals.
func (a *Accumulator) Counts() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts
}

// Curve returns a copy of the recall and precision points recorded so far.
func (a *Accumulator) Curve() (recall, precision []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]float32(nil), a.recall...), append([]float32(nil), a.precision...)
}

// AP integrates the recorded curve with ComputeAP.
func (a *Accumulator) AP() (float32, error) {
	recall, precision := a.Curve()
	return ComputeAP(recall, precision)
}

// Reset clears all totals and points.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts = Counts{}
	a.recall = nil
	a.precision = nil
}
