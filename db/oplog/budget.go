package oplog

import (
	"fmt"

	"github.com/docdb-incubator/tinydocdb/db/config"
	"github.com/pingcap/errors"
)

// TxnTooLargeError is returned when a transaction cannot be packaged without
// producing an entry over the configured maximum. It is recoverable: the
// caller abandons the enclosing storage scope and no durable trace remains.
type TxnTooLargeError struct {
	Size  int
	Limit int
}

func (e *TxnTooLargeError) Error() string {
	return fmt.Sprintf("transaction too large: entry of %d bytes exceeds the %d byte maximum", e.Size, e.Limit)
}

func IsTxnTooLarge(err error) bool {
	_, ok := errors.Cause(err).(*TxnTooLargeError)
	return ok
}

// Budgeter decides how many operations fit into one entry. It greedily
// accumulates operations while the running sum of their serialized sizes
// stays within the maximum; the authoritative check against the fully
// packaged entry (envelope included) happens at append time, so a batch the
// budgeter admits can still fail with TxnTooLargeError once wrapped.
type Budgeter struct {
	maxSize     int
	onePerBatch bool
}

func NewBudgeter(maxSize int, mode config.LogFormatMode) *Budgeter {
	return &Budgeter{
		maxSize:     maxSize,
		onePerBatch: mode == config.LogFormatMultiEntry,
	}
}

// Split partitions ops, in order, into entry-sized batches. In multi-entry
// mode the budget degenerates to one operation per batch.
func (b *Budgeter) Split(ops []ReplicatedOp) ([][]ReplicatedOp, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	if b.onePerBatch {
		batches := make([][]ReplicatedOp, 0, len(ops))
		for i := range ops {
			batches = append(batches, ops[i:i+1])
		}
		return batches, nil
	}
	var batches [][]ReplicatedOp
	var batch []ReplicatedOp
	batchSize := 0
	for _, op := range ops {
		opSize, err := op.SerializedSize()
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 && batchSize+opSize > b.maxSize {
			batches = append(batches, batch)
			batch = nil
			batchSize = 0
		}
		batch = append(batch, op)
		batchSize += opSize
	}
	batches = append(batches, batch)
	return batches, nil
}
