package core

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a DAO creation event is absent from the scanned history.
	ErrNotFound = errors.New("dao creation event not found")

	ErrInvalidProposalType = errors.New("invalid proposal type")

	// ErrValidation marks malformed local data such as bad addresses or missing contracts.
	ErrValidation = errors.New("validation error")
)

// ChainCallError reports a contract call that kept failing after the internal retries.
type ChainCallError struct {
	Contract string
	Method   string
	Err      error
}

func (e *ChainCallError) Error() string {
	return fmt.Sprintf("call %s on %s failed: %v", e.Method, e.Contract, e.Err)
}

func (e *ChainCallError) Unwrap() error {
	return e.Err
}

func validationErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}
