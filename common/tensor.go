package common

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// CheckShape verifies that t has exactly the wanted dimensions.
//
// Arguments:
//   - name: The name of the tensor, used in the error message.
//   - t: The tensor to check.
//   - want: The expected shape.
//
// Returns:
//   - error: ErrShapeMismatch wrapped with both shapes, or nil.
func CheckShape(name string, t *tensor.Dense, want ...int) error {
	if t == nil {
		return errors.Wrapf(ErrShapeMismatch, "%s: missing tensor, want %v", name, want)
	}
	got := t.Shape()
	if len(got) != len(want) {
		return errors.Wrapf(ErrShapeMismatch, "%s: shape %v, want %v", name, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			return errors.Wrapf(ErrShapeMismatch, "%s: shape %v, want %v", name, got, want)
		}
	}
	return nil
}

// Offset returns the row-major flat offset of coords within shape.
func Offset(shape []int, coords ...int) int {
	off := 0
	for i, c := range coords {
		off = off*shape[i] + c
	}
	return off
}

// Float32At reads a float32 element from t.
func Float32At(t *tensor.Dense, coords ...int) (float32, error) {
	v, err := t.At(coords...)
	if err != nil {
		return 0, errors.Wrapf(err, "read %v", coords)
	}
	f, ok := v.(float32)
	if !ok {
		return 0, errors.Wrapf(ErrShapeMismatch, "element %v is %T, want float32", coords, v)
	}
	return f, nil
}
