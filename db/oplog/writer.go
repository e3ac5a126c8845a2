package oplog

import (
	"fmt"

	"github.com/Connor1996/badger"
	"github.com/docdb-incubator/tinydocdb/db/storage"
	"github.com/docdb-incubator/tinydocdb/db/util/engine_util"
	"github.com/pingcap/errors"
)

// Writer appends entries into a storage scope. The append is the
// authoritative size check: an entry whose full serialized form (envelope
// included) exceeds the maximum fails with TxnTooLargeError, even when the
// budgeter's greedy accumulation admitted its operations.
type Writer struct {
	maxSize int
}

func NewWriter(maxSize int) *Writer {
	return &Writer{maxSize: maxSize}
}

func (w *Writer) Append(scope *storage.Scope, e *Entry) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	if len(data) > w.maxSize {
		return &TxnTooLargeError{Size: len(data), Limit: w.maxSize}
	}
	scope.Batch().SetCF(engine_util.CfOplog, e.OpTime.Key(), data)
	return nil
}

func (w *Writer) AppendAll(scope *storage.Scope, entries []*Entry) error {
	for _, e := range entries {
		if err := w.Append(scope, e); err != nil {
			return err
		}
	}
	return nil
}

// ReadAll returns every committed entry in position order. The write path
// never reads the log; this exists for recovery verification and tests.
func ReadAll(db *badger.DB) ([]*Entry, error) {
	var entries []*Entry
	err := db.View(func(txn *badger.Txn) error {
		iter := engine_util.NewCFIterator(engine_util.CfOplog, txn)
		defer iter.Close()
		for iter.Seek(nil); iter.Valid(); iter.Next() {
			val, err := iter.Item().Value()
			if err != nil {
				return errors.WithStack(err)
			}
			e, err := UnmarshalEntry(val)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ValidateChain checks the back-reference chain of one transaction's entry
// sequence: followed from the terminal entry, it must visit every entry
// exactly once, in strictly increasing position order, and terminate at the
// null position.
func ValidateChain(entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	byPos := make(map[OpTime]*Entry, len(entries))
	for i, e := range entries {
		if e.PrevOpTime == nil {
			return fmt.Errorf("entry %s has no back-reference", e.OpTime)
		}
		if i > 0 && !entries[i-1].OpTime.Less(e.OpTime) {
			return fmt.Errorf("entry %s does not advance past %s", e.OpTime, entries[i-1].OpTime)
		}
		if _, dup := byPos[e.OpTime]; dup {
			return fmt.Errorf("duplicate position %s", e.OpTime)
		}
		byPos[e.OpTime] = e
	}
	visited := 0
	cur := entries[len(entries)-1]
	for {
		visited++
		if cur.PrevOpTime.IsNull() {
			break
		}
		next, ok := byPos[*cur.PrevOpTime]
		if !ok {
			return fmt.Errorf("entry %s back-references unknown position %s", cur.OpTime, cur.PrevOpTime)
		}
		if !next.OpTime.Less(cur.OpTime) {
			return fmt.Errorf("entry %s back-references a later position %s", cur.OpTime, next.OpTime)
		}
		cur = next
	}
	if visited != len(entries) {
		return fmt.Errorf("chain visits %d of %d entries", visited, len(entries))
	}
	return nil
}
