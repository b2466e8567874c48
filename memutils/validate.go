package memutils

import "github.com/cockroachdb/errors"

// Validatable is anything that can check its own internal consistency
type Validatable interface {
	Validate() error
}

// ValidateAll validates every item and combines the failures
func ValidateAll[T Validatable](items ...T) error {
	var err error
	for _, item := range items {
		err = errors.CombineErrors(err, item.Validate())
	}
	return err
}

// ValidateFunc adapts a plain function to Validatable
type ValidateFunc func() error

func (f ValidateFunc) Validate() error { return f() }
