package features

import (
	"errors"

	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ErrInvalidFeatureInput matches every *InvalidInputError through errors.Is.
var ErrInvalidFeatureInput = errors.New("invalid feature input")

// InvalidInputError lists the fields that failed validation. The first entry
// is the primary offending field.
type InvalidInputError struct {
	Errs field.ErrorList
}

func (e *InvalidInputError) Error() string {
	return e.Errs.ToAggregate().Error()
}

// Field returns the path of the primary offending field.
func (e *InvalidInputError) Field() string {
	if len(e.Errs) == 0 {
		return ""
	}
	return e.Errs[0].Field
}

func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidFeatureInput
}

func newInvalidInputError(errs field.ErrorList) error {
	if len(errs) == 0 {
		return nil
	}
	return &InvalidInputError{Errs: errs}
}
