package util

import (
	"fmt"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// ProtocolViolationError signals that an upstream correctness assumption has
// already been broken: a mismatched delete-guard pairing, an illegal
// transaction state transition, or rollback of a critical identity document.
// It is delivered by panic and a host process must treat it as unrecoverable;
// continuing would risk silent log corruption.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// Invariant panics with a ProtocolViolationError when cond is false.
func Invariant(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	reason := fmt.Sprintf(format, args...)
	log.Errorf("fatal protocol violation: %s", reason)
	panic(&ProtocolViolationError{Reason: reason})
}

// IsProtocolViolation reports whether err (recovered from a panic or wrapped)
// is a protocol violation.
func IsProtocolViolation(err error) bool {
	_, ok := errors.Cause(err).(*ProtocolViolationError)
	return ok
}
