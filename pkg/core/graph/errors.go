package graph

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/xrick/glow/pkg/core/shapes"
)

// ErrFrozen is returned when trying to add nodes to a graph that has already been lowered.
var ErrFrozen = errors.New("graph is frozen: no nodes can be added after it is lowered")

// ShapeError is returned at graph-build (or lowering) time when the inputs of an operator have incompatible
// shapes or kinds, or when its static parameters are invalid.
type ShapeError struct {
	Kind   NodeKind
	Inputs []shapes.Shape
	Err    error
}

// Error implements error.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape error adding %s node with inputs %v: %v", e.Kind, e.Inputs, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ShapeError) Unwrap() error { return e.Err }

func newShapeError(kind NodeKind, inputs []Edge, err error) error {
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		inputShapes[ii] = input.shape
	}
	return errors.WithStack(&ShapeError{Kind: kind, Inputs: inputShapes, Err: err})
}
