package metadata

import (
	"errors"
	"fmt"
)

var (
	ErrFunctionNotFound = errors.New("metadata: function not found")
	ErrNameIsEmpty      = errors.New("metadata: function name is empty")
	ErrDescriptorIsNil  = errors.New("metadata: descriptor is nil")
)

type InvalidNameError struct {
	Name   string
	Reason string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid function name %q: %s", e.Name, e.Reason)
}

type InvalidDescriptorError struct {
	Name   string
	Reason string
}

func (e *InvalidDescriptorError) Error() string {
	return fmt.Sprintf("invalid function %q: %s", e.Name, e.Reason)
}
