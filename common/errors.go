// Package common - Shared error values and tensor helpers.
package common

import "github.com/pkg/errors"

var (
	// ErrShapeMismatch is returned when input arrays do not have the dimensions an
	// operation requires. It is always wrapped with the offending sizes.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidConfig is returned by Validate methods for out-of-range settings.
	ErrInvalidConfig = errors.New("invalid config")
)
