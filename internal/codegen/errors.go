package codegen

import (
	"errors"
	"fmt"
)

var (
	// ErrInternal reports an internal-consistency violation. It points at a
	// bug upstream or in the code generator, never at the input program.
	ErrInternal = errors.New("codegen: internal error")
	// ErrUnsupported reports a construct the target does not implement.
	ErrUnsupported = errors.New("codegen: unsupported")
	// ErrCodeOverrun reports final code longer than the reserved buffer.
	ErrCodeOverrun = errors.New("codegen: code exceeds reservation")
)

// abort carries a fatal error out of deeply nested code generation. Compile
// recovers it; every other panic propagates.
type abort struct {
	err error
}

// Fatalf aborts the current compilation with an ErrInternal error.
func Fatalf(format string, args ...any) {
	panic(abort{err: fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))})
}

// Internalf builds an ErrInternal error.
func Internalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}

// Unsupportedf builds an ErrUnsupported error.
func Unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

func recoverAbort(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	a, ok := r.(abort)
	if !ok {
		panic(r)
	}
	*errp = a.err
}
