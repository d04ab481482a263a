// Package targets - Builds per-anchor-cell training targets from ground truth boxes.
package targets

import (
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolo/images"
)

// Target is one ground truth object in an image.
type Target struct {
	// Class is the zero based class index.
	Class int `json:"class" yaml:"class"`
	// Box is the object in center form, normalized to [0, 1] image units.
	Box images.Center `json:"box" yaml:"box"`
}

// Batch holds the ground truth of every image in a batch. An image may have no targets.
type Batch [][]Target

// Anchor is a reference box shape in grid-cell units.
type Anchor struct {
	W float32 `json:"w" yaml:"w"`
	H float32 `json:"h" yaml:"h"`
}

// Predictions is the model output the diagnostic counters are computed against.
// Slot dims are (nB, nA, nG, nG), or (nB, nA, 2, 2, nG, nG) in sub-grid mode.
type Predictions struct {
	// Boxes are corner form boxes in grid units: slot dims + (4).
	Boxes *tensor.Dense
	// Conf is the objectness per slot: slot dims.
	Conf *tensor.Dense
	// Cls holds the class scores per slot: slot dims + (nC).
	Cls *tensor.Dense
}

// Targets is the output of Builder.Build.
type Targets struct {
	// TX, TY are the offsets of the box center inside its cell (or sub-cell).
	TX, TY *tensor.Dense
	// TW, TH are the box size relative to the assigned anchor, divided by the size normalizer.
	TW, TH *tensor.Dense
	// Conf is true exactly at slots that hold an assigned target.
	Conf *tensor.Dense
	// Cls is the one-hot class target: slot dims + (nC).
	Cls *tensor.Dense
	// GoodAnchors marks every anchor whose shape fits an assigned target at that cell.
	GoodAnchors *tensor.Dense

	// TP, FP, FN hold one value per ground truth target, per image. Nil unless
	// diagnostics were requested.
	TP, FP, FN [][]float32
	// AP is reserved and always 0. Average precision is computed by metrics.Accumulator.
	AP float32

	// Assigned counts the targets written per image.
	Assigned []int
	// Dropped counts the targets per image that lost their slot to a better fitting target.
	Dropped []int
}

// buffers are the backing slices of a Targets value.
type buffers struct {
	tx, ty, tw, th []float32
	conf, good     []bool
	cls            []bool
}

func newTargets(slotShape []int, nC int, diagnostics bool) (*Targets, buffers) {
	clsShape := append(append([]int{}, slotShape...), nC)
	t := &Targets{
		TX:          tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(slotShape...)),
		TY:          tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(slotShape...)),
		TW:          tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(slotShape...)),
		TH:          tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(slotShape...)),
		Conf:        tensor.New(tensor.Of(tensor.Bool), tensor.WithShape(slotShape...)),
		Cls:         tensor.New(tensor.Of(tensor.Bool), tensor.WithShape(clsShape...)),
		GoodAnchors: tensor.New(tensor.Of(tensor.Bool), tensor.WithShape(slotShape...)),
		Assigned:    make([]int, slotShape[0]),
		Dropped:     make([]int, slotShape[0]),
	}
	if diagnostics {
		t.TP = make([][]float32, slotShape[0])
		t.FP = make([][]float32, slotShape[0])
		t.FN = make([][]float32, slotShape[0])
	}

	return t, buffers{
		tx:   t.TX.Data().([]float32),
		ty:   t.TY.Data().([]float32),
		tw:   t.TW.Data().([]float32),
		th:   t.TH.Data().([]float32),
		conf: t.Conf.Data().([]bool),
		good: t.GoodAnchors.Data().([]bool),
		cls:  t.Cls.Data().([]bool),
	}
}
