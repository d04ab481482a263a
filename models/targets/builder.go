package targets

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/images"
)

// Builder assigns ground truth boxes to anchor slots.
type Builder struct {
	config     Config
	anchors    []Anchor
	anchorGrid *tensor.Dense
	logger     *logrus.Logger
}

// NewBuilder creates a target builder.
//
// Arguments:
//   - config: The grid and threshold settings.
//   - anchors: The anchor shapes in grid-cell units.
//   - logger: Where batch summaries are logged. Nil uses the logrus standard logger.
//
// Returns:
//   - *Builder: The builder.
//   - error: An error if the config or anchors are invalid.
func NewBuilder(config Config, anchors []Anchor, logger *logrus.Logger) (*Builder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(anchors) == 0 {
		return nil, errors.Wrap(common.ErrInvalidConfig, "at least one anchor is required")
	}
	for i, a := range anchors {
		if a.W <= 0 || a.H <= 0 {
			return nil, errors.Wrapf(common.ErrInvalidConfig, "anchor %d has non-positive size %vx%v", i, a.W, a.H)
		}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Builder{
		config:  config,
		anchors: append([]Anchor(nil), anchors...),
		logger:  logger,
	}, nil
}

// WithAnchorGrid sets a per-cell anchor shape table used when ranking anchors.
//
// Arguments:
//   - grid: A float32 tensor of shape (nA, nG, nG, 2) holding (w, h) per anchor and cell.
//
// Returns:
//   - error: common.ErrShapeMismatch if the grid does not match the builder.
func (b *Builder) WithAnchorGrid(grid *tensor.Dense) error {
	nG := b.config.GridSize
	if err := common.CheckShape("anchor grid", grid, len(b.anchors), nG, nG, 2); err != nil {
		return err
	}
	if grid.Dtype() != tensor.Float32 {
		return errors.Wrapf(common.ErrShapeMismatch, "anchor grid has dtype %v, want float32", grid.Dtype())
	}
	b.anchorGrid = grid
	return nil
}

// Config returns the builder settings.
func (b *Builder) Config() Config {
	return b.config
}

// candidate is one ground truth target placed on the grid.
type candidate struct {
	index  int
	class  int
	box    images.Center // grid units
	slot   slotKey
	iou    float32   // shape IoU with the chosen anchor
	shapes []float32 // shape IoU with every anchor at the target cell
}

// Build turns the ground truth of a batch into training targets.
//
// Each image is processed independently, possibly on its own goroutine. Within an
// image, targets are ranked by how well their best anchor fits and the first target
// to claim a slot keeps it. Later targets for the same slot are dropped.
//
// Arguments:
//   - batch: The ground truth of every image.
//   - preds: The current model predictions. Required only when diagnostics are enabled.
//
// Returns:
//   - *Targets: The dense targets for the batch.
//   - error: An error if the batch or predictions are malformed.
func (b *Builder) Build(batch Batch, preds *Predictions) (*Targets, error) {
	nB, nA := len(batch), len(b.anchors)
	if nB == 0 {
		return nil, errors.Wrap(common.ErrShapeMismatch, "build targets: batch has no images")
	}
	slotShape := b.config.slotShape(nB, nA)
	if b.config.Diagnostics {
		if err := b.checkPredictions(preds, slotShape); err != nil {
			return nil, err
		}
	}

	out, buf := newTargets(slotShape, b.config.NumClasses, b.config.Diagnostics)

	g := new(errgroup.Group)
	g.SetLimit(b.config.workers())
	for i := range batch {
		g.Go(func() error {
			return b.assignImage(i, batch[i], preds, out, buf, slotShape)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total, assigned, dropped := 0, 0, 0
	for i := range batch {
		total += len(batch[i])
		assigned += out.Assigned[i]
		dropped += out.Dropped[i]
	}
	b.logger.WithFields(logrus.Fields{
		"images":   nB,
		"targets":  total,
		"assigned": assigned,
		"dropped":  dropped,
		"grid":     b.config.GridSize,
	}).Debug("built targets")

	return out, nil
}

// assignImage fills the slots of image bi. It only writes to the bi index range of
// the output buffers.
func (b *Builder) assignImage(bi int, truth []Target, preds *Predictions, out *Targets, buf buffers, slotShape []int) error {
	if len(truth) == 0 {
		if out.TP != nil {
			out.TP[bi], out.FP[bi], out.FN[bi] = []float32{}, []float32{}, []float32{}
		}
		return nil
	}

	cands := make([]candidate, len(truth))
	for k, t := range truth {
		c, err := b.place(k, t)
		if err != nil {
			return errors.Wrapf(err, "image %d", bi)
		}
		cands[k] = c
	}

	winners := cands
	if len(cands) > 1 {
		winners = resolveConflicts(cands)
	}
	out.Assigned[bi] = len(winners)
	out.Dropped[bi] = len(cands) - len(winners)

	nC := b.config.NumClasses
	nS := float32(b.config.subCells())
	clsShape := append(append([]int{}, slotShape...), nC)
	for _, c := range winners {
		off := common.Offset(slotShape, c.slot.coords(bi, b.config.SubGrid)...)
		anchor := b.anchors[c.slot.anchor]

		buf.tx[off] = c.box.X - (float32(c.slot.gi) + float32(c.slot.si)/nS)
		buf.ty[off] = c.box.Y - (float32(c.slot.gj) + float32(c.slot.sj)/nS)
		buf.tw[off] = c.box.W / anchor.W / b.config.SizeNormalizer
		buf.th[off] = c.box.H / anchor.H / b.config.SizeNormalizer
		buf.conf[off] = true
		buf.cls[common.Offset(clsShape, append(c.slot.coords(bi, b.config.SubGrid), c.class)...)] = true

		for a, iou := range c.shapes {
			if iou > b.config.GoodAnchorIoU {
				buf.good[common.Offset(slotShape, c.slot.withAnchor(a).coords(bi, b.config.SubGrid)...)] = true
			}
		}
	}

	if b.config.Diagnostics {
		return b.diagnose(bi, len(truth), winners, preds, out)
	}
	return nil
}

// place computes the cell, sub-cell and best anchor of one target.
func (b *Builder) place(k int, t Target) (candidate, error) {
	if t.Class < 0 || t.Class >= b.config.NumClasses {
		return candidate{}, errors.Wrapf(common.ErrShapeMismatch, "target %d has class %d, want [0, %d)", k, t.Class, b.config.NumClasses)
	}

	nG := b.config.GridSize
	box := t.Box.Scale(float32(nG))
	gi := clampCell(box.X, nG)
	gj := clampCell(box.Y, nG)
	si, sj := 0, 0
	if b.config.SubGrid {
		si = subCell(box.X)
		sj = subCell(box.Y)
	}

	shapes := make([]float32, len(b.anchors))
	best := 0
	for a := range b.anchors {
		w, h, err := b.anchorAt(a, gj, gi)
		if err != nil {
			return candidate{}, err
		}
		shapes[a] = images.ShapeIoU(box.W, box.H, w, h)
		if shapes[a] > shapes[best] {
			best = a
		}
	}

	return candidate{
		index:  k,
		class:  t.Class,
		box:    box,
		slot:   slotKey{anchor: best, sj: sj, si: si, gj: gj, gi: gi},
		iou:    shapes[best],
		shapes: shapes,
	}, nil
}

// anchorAt returns the shape of anchor a at a cell.
func (b *Builder) anchorAt(a, gj, gi int) (float32, float32, error) {
	if b.anchorGrid == nil {
		return b.anchors[a].W, b.anchors[a].H, nil
	}
	w, err := common.Float32At(b.anchorGrid, a, gj, gi, 0)
	if err != nil {
		return 0, 0, err
	}
	h, err := common.Float32At(b.anchorGrid, a, gj, gi, 1)
	if err != nil {
		return 0, 0, err
	}
	return w, h, nil
}

// resolveConflicts keeps, for every slot, the target whose best anchor fits it
// best. Ties keep input order.
func resolveConflicts(cands []candidate) []candidate {
	order := make([]candidate, len(cands))
	copy(order, cands)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].iou > order[j].iou
	})

	seen := make(map[slotKey]struct{}, len(order))
	winners := make([]candidate, 0, len(order))
	for _, c := range order {
		if _, ok := seen[c.slot]; ok {
			continue
		}
		seen[c.slot] = struct{}{}
		winners = append(winners, c)
	}
	return winners
}

// clampCell floors a grid coordinate and keeps it on the grid, so a center at
// exactly 1.0 lands in the last cell.
func clampCell(g float32, nG int) int {
	return max(0, min(int(math32.Floor(g)), nG-1))
}

// subCell returns the 2x2 sub-cell index of a grid coordinate.
func subCell(g float32) int {
	frac := g - math32.Floor(g)
	return max(0, min(int(frac*SubGridSize), SubGridSize-1))
}
