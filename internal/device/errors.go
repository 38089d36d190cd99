package device

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrOutOfMemory    = stderrors.New("device out of memory")
	ErrInvalidFree    = stderrors.New("free of pointer not owned by the pool")
	ErrNotInitialized = stderrors.New("device buffer not initialized")
	ErrClosed         = stderrors.New("device runtime closed")
	ErrDeviceFault    = stderrors.New("device fault")
)

// FatalError is an unrecoverable systems error. Device state is
// untrustworthy once one is returned; callers are expected to stop the
// process rather than retry.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal device error in %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Format prints the captured stack with %+v.
func (e *FatalError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "fatal device error in %s: %+v", e.Op, e.Err)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

func fatal(op string, err error) error {
	var fe *FatalError
	if stderrors.As(err, &fe) {
		return err
	}
	return &FatalError{Op: op, Err: errors.WithStack(err)}
}

func fatalf(op string, err error, format string, args ...any) error {
	return &FatalError{Op: op, Err: errors.Wrapf(err, format, args...)}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return stderrors.As(err, &fe)
}

// deviceFault is the panic value raised by out-of-range device accesses
// inside a launch.
type deviceFault struct {
	msg string
}

func (f deviceFault) Error() string {
	return f.msg
}

func (f deviceFault) Unwrap() error {
	return ErrDeviceFault
}

func faultf(format string, args ...any) {
	panic(deviceFault{msg: fmt.Sprintf(format, args...)})
}
