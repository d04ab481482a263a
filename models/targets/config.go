package targets

import (
	"runtime"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-yolo/common"
)

// SubGridSize is the number of sub-cells per grid cell along each axis in sub-grid mode.
const SubGridSize = 2

// Config controls how ground truth is turned into per-cell training targets.
type Config struct {
	// GridSize is nG, the number of cells along each side of the feature map.
	GridSize int `json:"grid_size" yaml:"grid_size"`
	// NumClasses is nC, the width of the one-hot class target.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// SubGrid splits every cell into a 2x2 sub-grid with its own slots.
	SubGrid bool `json:"sub_grid" yaml:"sub_grid"`
	// Diagnostics enables TP/FP/FN accounting against the current predictions.
	Diagnostics bool `json:"diagnostics" yaml:"diagnostics"`
	// GoodAnchorIoU is the shape IoU above which an anchor is marked as good.
	GoodAnchorIoU float32 `json:"good_anchor_iou" yaml:"good_anchor_iou"`
	// SizeNormalizer divides the width/height ratio targets.
	SizeNormalizer float32 `json:"size_normalizer" yaml:"size_normalizer"`
	// DiagnosticConfidence is the objectness a prediction needs to count as a detection.
	DiagnosticConfidence float32 `json:"diagnostic_confidence" yaml:"diagnostic_confidence"`
	// DiagnosticIoU is the IoU a confident prediction needs to count as a true positive.
	DiagnosticIoU float32 `json:"diagnostic_iou" yaml:"diagnostic_iou"`
	// Workers bounds the number of images processed concurrently. Zero means NumCPU.
	Workers int `json:"workers" yaml:"workers"`
}

// DefaultConfig returns the settings the detector was trained with.
//
// GridSize and NumClasses depend on the model and must still be set by the caller.
//
// @example
// config := targets.DefaultConfig()
// config.GridSize = 13
// config.NumClasses = 80
func DefaultConfig() Config {
	return Config{
		GoodAnchorIoU:        0.5,
		SizeNormalizer:       5,
		DiagnosticConfidence: 0.99,
		DiagnosticIoU:        0.5,
		Workers:              runtime.NumCPU(),
	}
}

// Validate checks that every setting is in range.
func (c Config) Validate() error {
	switch {
	case c.GridSize <= 0:
		return errors.Wrapf(common.ErrInvalidConfig, "grid_size must be positive, got %d", c.GridSize)
	case c.NumClasses <= 0:
		return errors.Wrapf(common.ErrInvalidConfig, "num_classes must be positive, got %d", c.NumClasses)
	case c.GoodAnchorIoU < 0 || c.GoodAnchorIoU > 1 || math32.IsNaN(c.GoodAnchorIoU):
		return errors.Wrapf(common.ErrInvalidConfig, "good_anchor_iou must be in [0, 1], got %v", c.GoodAnchorIoU)
	case c.SizeNormalizer <= 0 || math32.IsNaN(c.SizeNormalizer):
		return errors.Wrapf(common.ErrInvalidConfig, "size_normalizer must be positive, got %v", c.SizeNormalizer)
	case c.DiagnosticConfidence < 0 || c.DiagnosticConfidence > 1 || math32.IsNaN(c.DiagnosticConfidence):
		return errors.Wrapf(common.ErrInvalidConfig, "diagnostic_confidence must be in [0, 1], got %v", c.DiagnosticConfidence)
	case c.DiagnosticIoU < 0 || c.DiagnosticIoU > 1 || math32.IsNaN(c.DiagnosticIoU):
		return errors.Wrapf(common.ErrInvalidConfig, "diagnostic_iou must be in [0, 1], got %v", c.DiagnosticIoU)
	case c.Workers < 0:
		return errors.Wrapf(common.ErrInvalidConfig, "workers must not be negative, got %d", c.Workers)
	}
	return nil
}

// subCells is nS, or 1 when the sub-grid is disabled.
func (c Config) subCells() int {
	if c.SubGrid {
		return SubGridSize
	}
	return 1
}

// slotShape is the shape of one per-slot tensor for a batch of nB images.
func (c Config) slotShape(nB, nA int) []int {
	if c.SubGrid {
		return []int{nB, nA, SubGridSize, SubGridSize, c.GridSize, c.GridSize}
	}
	return []int{nB, nA, c.GridSize, c.GridSize}
}

func (c Config) workers() int {
	if c.Workers == 0 {
		return runtime.NumCPU()
	}
	return c.Workers
}
