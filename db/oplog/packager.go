package oplog

import (
	"github.com/docdb-incubator/tinydocdb/db/config"
	"github.com/docdb-incubator/tinydocdb/db/util"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// TxnIdentity names the session and transaction every entry of a
// multi-statement transaction is stamped with.
type TxnIdentity struct {
	SessionID uuid.UUID
	TxnNumber int64
}

// Packager turns a transaction's drained operations into the ordered entry
// sequence the protocol driver appends. The output layout depends on the
// process-wide log format mode, fixed at construction.
type Packager struct {
	mode   config.LogFormatMode
	budget *Budgeter
}

func NewPackager(mode config.LogFormatMode, maxSize int) *Packager {
	return &Packager{
		mode:   mode,
		budget: NewBudgeter(maxSize, mode),
	}
}

// EntriesNeeded returns how many entries a prepare or commit of ops will
// produce, so the caller can reserve exactly that many slots.
func (p *Packager) EntriesNeeded(ops []ReplicatedOp) (int, error) {
	batches, err := p.budget.Split(ops)
	if err != nil {
		return 0, err
	}
	switch {
	case len(batches) == 0:
		// Empty transactions still log one marker entry at prepare time.
		return 1, nil
	case p.mode == config.LogFormatSingleEntry && len(batches) == 1:
		return 1, nil
	default:
		return len(batches) + 1, nil
	}
}

// PackagePrepare builds the prepare entry (or chain) for ops using the
// caller-reserved slots. The transaction's prepare position is the final
// reserved slot's position.
func (p *Packager) PackagePrepare(id TxnIdentity, slots []OplogSlot, ops []ReplicatedOp) ([]*Entry, OpTime, error) {
	util.Invariant(len(slots) > 0, "prepare called with no reserved slots")
	prepareOpTime := slots[len(slots)-1].OpTime

	batches, err := p.budget.Split(ops)
	if err != nil {
		return nil, OpTime{}, err
	}
	if p.mode == config.LogFormatSingleEntry && len(batches) <= 1 {
		// Everything, possibly nothing, in one grouped entry carrying the
		// prepare marker.
		var batch []ReplicatedOp
		if len(batches) == 1 {
			batch = batches[0]
		}
		prepare := true
		e := p.newMarkerEntry(id, prepareOpTime, 0, NullOpTime, applyOpsPayload(batch, true))
		e.Prepare = &prepare
		return []*Entry{e}, prepareOpTime, nil
	}

	entries := p.chain(id, slots, batches)
	terminal := p.newMarkerEntry(id, prepareOpTime, int32(len(entries)), prevOf(entries), prepareMarkerPayload())
	entries = append(entries, terminal)
	return entries, prepareOpTime, nil
}

// PackageUnpreparedCommit builds the entry sequence for committing a
// never-prepared transaction. ops must be non-empty; an empty unprepared
// commit writes nothing at all and is handled by the driver.
func (p *Packager) PackageUnpreparedCommit(id TxnIdentity, slots []OplogSlot, ops []ReplicatedOp) ([]*Entry, error) {
	util.Invariant(len(ops) > 0, "unprepared commit packaged with no operations")
	batches, err := p.budget.Split(ops)
	if err != nil {
		return nil, err
	}
	if p.mode == config.LogFormatSingleEntry && len(batches) == 1 {
		e := p.newMarkerEntry(id, slots[len(slots)-1].OpTime, 0, NullOpTime, applyOpsPayload(batches[0], false))
		return []*Entry{e}, nil
	}

	entries := p.chain(id, slots, batches)
	terminal := p.newMarkerEntry(id, slots[len(slots)-1].OpTime, int32(len(entries)), prevOf(entries), commitUnpreparedPayload())
	entries = append(entries, terminal)
	return entries, nil
}

// PackageCommitPrepared builds the minimal commit-marker entry for a
// prepared transaction. It references the prepare timestamp instead of
// repeating the operations.
func (p *Packager) PackageCommitPrepared(id TxnIdentity, slot OplogSlot, prepareTs uint64, prev OpTime, stmtID int32) *Entry {
	return p.newMarkerEntry(id, slot.OpTime, stmtID, prev, commitPreparedPayload(prepareTs))
}

// PackageAbort builds the abort-marker entry for a prepared transaction.
func (p *Packager) PackageAbort(id TxnIdentity, slot OplogSlot, prev OpTime, stmtID int32) *Entry {
	return p.newMarkerEntry(id, slot.OpTime, stmtID, prev, abortMarkerPayload())
}

// PackageDirect builds a single entry for an operation logged outside any
// transaction context. Session fields are stamped only for retryable writes
// on a session.
func (p *Packager) PackageDirect(slot OplogSlot, id *TxnIdentity, op ReplicatedOp, stmtID int32) *Entry {
	e := &Entry{
		OpTime: slot.OpTime,
		Kind:   op.Kind,
		NS:     op.NS,
		Doc:    op.Doc,
		Doc2:   op.Doc2,
	}
	if op.Kind != OpCommand {
		ui := op.UI
		e.UI = &ui
	}
	if id != nil {
		sess := id.SessionID
		num := id.TxnNumber
		stmt := stmtID
		e.SessionID = &sess
		e.TxnNumber = &num
		e.StmtID = &stmt
	}
	return e
}

// chain emits the non-terminal entries of a transaction, one per batch,
// threaded by prevOpTime from the null position. Batches of one CRUD
// operation become plain CRUD entries; larger batches become grouped
// applyOps entries.
func (p *Packager) chain(id TxnIdentity, slots []OplogSlot, batches [][]ReplicatedOp) []*Entry {
	util.Invariant(len(slots) >= len(batches)+1,
		"%d slots reserved for a transaction needing %d entries", len(slots), len(batches)+1)
	entries := make([]*Entry, 0, len(batches))
	prev := NullOpTime
	for i, batch := range batches {
		var e *Entry
		if p.mode == config.LogFormatMultiEntry {
			util.Invariant(len(batch) == 1, "multi-entry batch holds %d operations", len(batch))
			op := batch[0]
			ui := op.UI
			e = &Entry{
				OpTime: slots[i].OpTime,
				Kind:   op.Kind,
				NS:     op.NS,
				UI:     &ui,
				Doc:    op.Doc,
				Doc2:   op.Doc2,
				InTxn:  true,
			}
			p.stampTxn(e, id, int32(i), prev)
		} else {
			e = p.newMarkerEntry(id, slots[i].OpTime, int32(i), prev, applyOpsPayload(batch, false))
		}
		entries = append(entries, e)
		prev = e.OpTime
	}
	return entries
}

func (p *Packager) newMarkerEntry(id TxnIdentity, opTime OpTime, stmtID int32, prev OpTime, payload bson.D) *Entry {
	e := &Entry{
		OpTime: opTime,
		Kind:   OpCommand,
		NS:     AdminCmdNamespace,
		Doc:    payload,
	}
	p.stampTxn(e, id, stmtID, prev)
	return e
}

func (p *Packager) stampTxn(e *Entry, id TxnIdentity, stmtID int32, prev OpTime) {
	sess := id.SessionID
	num := id.TxnNumber
	stmt := stmtID
	prevCopy := prev
	e.SessionID = &sess
	e.TxnNumber = &num
	e.StmtID = &stmt
	e.PrevOpTime = &prevCopy
}

func prevOf(entries []*Entry) OpTime {
	if len(entries) == 0 {
		return NullOpTime
	}
	return entries[len(entries)-1].OpTime
}
