// Package transaction holds the per-session transaction state consumed by
// the write-path engine: the buffered operations of an open transaction,
// the durable session transaction table used for retryability and crash
// recovery, and the operation context threaded through every engine call.
package transaction

import (
	"fmt"

	"github.com/docdb-incubator/tinydocdb/db/oplog"
)

// TxnState is the durable lifecycle state of a session's transaction.
type TxnState int

const (
	// StateNone marks retryable-write records; the state field is omitted
	// from the durable form entirely.
	StateNone TxnState = iota
	StateInProgress
	StatePrepared
	StateCommitted
	StateAborted
)

func (s TxnState) String() string {
	switch s {
	case StateNone:
		return ""
	case StateInProgress:
		return "inProgress"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

func stateFromString(s string) (TxnState, error) {
	switch s {
	case "inProgress":
		return StateInProgress, nil
	case "prepared":
		return StatePrepared, nil
	case "committed":
		return StateCommitted, nil
	case "aborted":
		return StateAborted, nil
	}
	return StateNone, fmt.Errorf("transaction: unknown state %q", s)
}

// Participant is the in-memory side of one session's open transaction. It
// owns the ordered buffer of pending operations; the engine drains the
// buffer at prepare or commit time and advances the lifecycle fields, but
// never retains the participant.
type Participant struct {
	State           TxnState
	LastWriteOpTime oplog.OpTime
	PrepareOpTime   oplog.OpTime
	// EntriesLogged counts the entries written for this transaction so far,
	// which is also the statement id of the next marker entry.
	EntriesLogged int32

	buffer []oplog.ReplicatedOp
}

func NewParticipant() *Participant {
	return &Participant{State: StateInProgress}
}

// AddOperation appends op to the transaction's buffer. Statement ids are
// assigned at packaging time from buffer order.
func (p *Participant) AddOperation(op oplog.ReplicatedOp) {
	p.buffer = append(p.buffer, op)
}

// RetrieveCompletedOperations drains the buffer. This is a destructive read:
// the buffer is cleared and ownership of the operations passes to the caller.
func (p *Participant) RetrieveCompletedOperations() []oplog.ReplicatedOp {
	ops := p.buffer
	p.buffer = nil
	return ops
}

func (p *Participant) PendingOperations() int {
	return len(p.buffer)
}
