/*
Package fatal implements fail-fast for invariant violations.

xv6 calls panic() when the kernel detects a bug of the caller
(e.g. releasing a buffer without holding its sleep lock, freeing misaligned page).
Such condition is not runtime error which the caller can recover from, so it must not be returned as error.
Fail() panics with *Violation so that tests can distinguish violations from other panics.

Expected conditions like out-of-memory must be returned as error, never Fail().
*/
package fatal

import (
	"fmt"

	"github.com/pkg/errors"
)

// Violation is the value Fail() panics with
type Violation struct {
	// Op is where the violation is detected (e.g. "bwrite", "kfree")
	Op string
	// err holds the message with stack trace
	err error
}

// Error implements error
func (v *Violation) Error() string {
	return fmt.Sprintf("panic: %s: %s", v.Op, v.err.Error())
}

// Cause returns the underlying error (for errors.Cause)
func (v *Violation) Cause() error { return v.err }

// Unwrap returns the underlying error (for errors.Is/As)
func (v *Violation) Unwrap() error { return v.err }

// Fail panics with *Violation
func Fail(op string, format string, args ...interface{}) {
	panic(&Violation{
		Op:  op,
		err: errors.Errorf(format, args...),
	})
}

// Assert calls Fail when cond is false
func Assert(cond bool, op string, format string, args ...interface{}) {
	if !cond {
		Fail(op, format, args...)
	}
}

// Recover converts the recovered value into *Violation.
// it returns nil when the value is not *Violation.
// this is intended to be used by tests and by the simulator which reports the violation before exit.
func Recover(r interface{}) *Violation {
	v, ok := r.(*Violation)
	if !ok {
		return nil
	}
	return v
}
