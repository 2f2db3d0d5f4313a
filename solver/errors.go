package solver

import (
	"errors"
	"fmt"
)

var (
	// ErrInternal signals a violated solver invariant. Every occurrence is a
	// bug; the wrapping message identifies the violated invariant.
	ErrInternal = errors.New("internal solver error")

	// ErrCanceled is returned when Cancel interrupted the solve. The solver
	// unwinds all backend frames before returning it.
	ErrCanceled = errors.New("solve canceled")
)

func internalf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInternal)
}
