package adapter

import (
	"errors"
	"fmt"
)

// ErrEntityNotFound is returned by Apply when the target entity no longer
// exists in the simulation. Callers drop the command and continue; the
// episode is unaffected.
var ErrEntityNotFound = errors.New("entity not found")

// ErrNotStarted is returned by operations that require a started backend.
var ErrNotStarted = errors.New("simulator is not started")

// Fault is a simulator process or protocol failure. It is fatal to the
// episode: the controller terminates with a simulator-fault cause and the
// operation is never retried.
type Fault struct {
	Backend string
	Op      string
	Err     error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("simulator fault: %s %s: %v", f.Backend, f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault wraps err as a fatal backend failure.
func NewFault(backend, op string, err error) *Fault {
	return &Fault{Backend: backend, Op: op, Err: err}
}

// IsFault reports whether err is (or wraps) a simulator Fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}
