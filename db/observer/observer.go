// Package observer is the write-path engine's public surface: single
// operation logging, the prepare/commit/abort protocol of multi-statement
// transactions, and the replication rollback hook. Every call runs inside a
// caller-held storage scope; entries and session records staged by one call
// become durable together or not at all.
package observer

import (
	"github.com/docdb-incubator/tinydocdb/db/config"
	"github.com/docdb-incubator/tinydocdb/db/oplog"
	"github.com/docdb-incubator/tinydocdb/db/transaction"
	"github.com/docdb-incubator/tinydocdb/db/util"
	"github.com/docdb-incubator/tinydocdb/db/util/engine_util"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// InsertStatement is one insert of a batched insert call.
type InsertStatement struct {
	StmtID int32
	Doc    bson.D
}

// UpdateArgs describes one update operation.
type UpdateArgs struct {
	StmtID   int32
	NS       oplog.Namespace
	UI       uuid.UUID
	Update   bson.D
	Criteria bson.D
}

type Observer struct {
	alloc    *oplog.SlotAllocator
	packager *oplog.Packager
	writer   *oplog.Writer
	table    *transaction.Table
}

func NewObserver(conf *config.Config, engines *engine_util.Engines, alloc *oplog.SlotAllocator) (*Observer, error) {
	mode, err := conf.FormatMode()
	if err != nil {
		return nil, err
	}
	return &Observer{
		alloc:    alloc,
		packager: oplog.NewPackager(mode, conf.MaxEntrySize),
		writer:   oplog.NewWriter(conf.MaxEntrySize),
		table:    transaction.NewTable(engines),
	}, nil
}

// Table exposes the session transaction table for recovery and
// retryability checks.
func (o *Observer) Table() *transaction.Table {
	return o.table
}

// EntriesNeeded returns how many log positions a prepare or commit of ops
// will consume, so the caller can reserve slots before calling
// OnTransactionPrepare.
func (o *Observer) EntriesNeeded(ops []oplog.ReplicatedOp) (int, error) {
	return o.packager.EntriesNeeded(ops)
}

// OnInserts logs a batch of inserts. Inside a transaction the inserts are
// buffered; outside, each insert is appended directly under the same
// packaging and size rules as a one-operation transaction.
func (o *Observer) OnInserts(ctx *transaction.OpContext, ns oplog.Namespace, ui uuid.UUID, inserts []InsertStatement) error {
	if ctx.InTxn() {
		o.requireOpenTxn(ctx)
		for _, ins := range inserts {
			ctx.Txn.AddOperation(oplog.ReplicatedOp{Kind: oplog.OpInsert, NS: ns, UI: ui, Doc: ins.Doc})
		}
		return nil
	}
	wb := ctx.Scope.Batch()
	wb.SetSafePoint()
	var last oplog.OpTime
	for _, ins := range inserts {
		op := oplog.ReplicatedOp{Kind: oplog.OpInsert, NS: ns, UI: ui, Doc: ins.Doc}
		opTime, err := o.appendDirect(ctx, op, ins.StmtID)
		if err != nil {
			wb.RollbackToSafePoint()
			return err
		}
		last = opTime
	}
	if len(inserts) > 0 {
		if err := o.recordRetryableWrite(ctx, last); err != nil {
			wb.RollbackToSafePoint()
			return err
		}
	}
	return nil
}

// OnUpdate logs one update: payload is the update description, secondary
// payload the filter it applied to.
func (o *Observer) OnUpdate(ctx *transaction.OpContext, args UpdateArgs) error {
	op := oplog.ReplicatedOp{Kind: oplog.OpUpdate, NS: args.NS, UI: args.UI, Doc: args.Update, Doc2: args.Criteria}
	if ctx.InTxn() {
		o.requireOpenTxn(ctx)
		ctx.Txn.AddOperation(op)
		return nil
	}
	return o.directWithRecord(ctx, op, args.StmtID)
}

// AboutToDelete registers the pre-image of the document the next delete on
// ns will remove. Must be paired one-to-one with OnDelete.
func (o *Observer) AboutToDelete(ctx *transaction.OpContext, ns oplog.Namespace, doc bson.D) {
	ctx.StagePreImage(ns, doc)
}

// OnDelete logs one delete. The payload is the document key extracted from
// the pre-image registered by the preceding AboutToDelete; calling OnDelete
// without that registration is fatal.
func (o *Observer) OnDelete(ctx *transaction.OpContext, ns oplog.Namespace, ui uuid.UUID, stmtID int32) error {
	preImage := ctx.TakePreImage(ns)
	op := oplog.ReplicatedOp{Kind: oplog.OpDelete, NS: ns, UI: ui, Doc: documentKey(ns, preImage)}
	if ctx.InTxn() {
		o.requireOpenTxn(ctx)
		ctx.Txn.AddOperation(op)
		return nil
	}
	return o.directWithRecord(ctx, op, stmtID)
}

// OnCommand logs an administrative command against db's command namespace.
func (o *Observer) OnCommand(ctx *transaction.OpContext, db string, cmd bson.D) error {
	op := oplog.ReplicatedOp{Kind: oplog.OpCommand, NS: oplog.CmdNamespace(db), Doc: cmd}
	if ctx.InTxn() {
		o.requireOpenTxn(ctx)
		ctx.Txn.AddOperation(op)
		return nil
	}
	return o.directWithRecord(ctx, op, 0)
}

// OnTransactionPrepare writes the prepare entry or chain for the drained
// operations into the caller-reserved slots, records the session as
// prepared, and returns the prepare position. The caller must have reserved
// at least as many slots as the packaging needs.
func (o *Observer) OnTransactionPrepare(ctx *transaction.OpContext, slots []oplog.OplogSlot, ops []oplog.ReplicatedOp) (oplog.OpTime, error) {
	o.requireOpenTxn(ctx)
	id := o.txnIdentity(ctx)

	wb := ctx.Scope.Batch()
	wb.SetSafePoint()
	entries, prepareOpTime, err := o.packager.PackagePrepare(id, slots, ops)
	if err != nil {
		wb.RollbackToSafePoint()
		return oplog.OpTime{}, err
	}
	if err := o.writer.AppendAll(ctx.Scope, entries); err != nil {
		wb.RollbackToSafePoint()
		return oplog.OpTime{}, err
	}
	if err := o.upsertRecord(ctx, transaction.StatePrepared, prepareOpTime); err != nil {
		wb.RollbackToSafePoint()
		return oplog.OpTime{}, err
	}

	ctx.Txn.State = transaction.StatePrepared
	ctx.Txn.LastWriteOpTime = prepareOpTime
	ctx.Txn.PrepareOpTime = prepareOpTime
	ctx.Txn.EntriesLogged = int32(len(entries))
	return prepareOpTime, nil
}

// OnUnpreparedTransactionCommit packages and writes the drained operations
// of a never-prepared transaction. Committing an empty transaction writes
// no entries and no session record.
func (o *Observer) OnUnpreparedTransactionCommit(ctx *transaction.OpContext, ops []oplog.ReplicatedOp) error {
	o.requireOpenTxn(ctx)
	if len(ops) == 0 {
		ctx.Txn.State = transaction.StateCommitted
		return nil
	}
	id := o.txnIdentity(ctx)

	wb := ctx.Scope.Batch()
	wb.SetSafePoint()
	needed, err := o.packager.EntriesNeeded(ops)
	if err != nil {
		return err
	}
	slots := o.alloc.Reserve(needed)
	entries, err := o.packager.PackageUnpreparedCommit(id, slots, ops)
	if err != nil {
		wb.RollbackToSafePoint()
		return err
	}
	if err := o.writer.AppendAll(ctx.Scope, entries); err != nil {
		wb.RollbackToSafePoint()
		return err
	}
	last := entries[len(entries)-1].OpTime
	if err := o.upsertRecord(ctx, transaction.StateCommitted, last); err != nil {
		wb.RollbackToSafePoint()
		return err
	}

	ctx.Txn.State = transaction.StateCommitted
	ctx.Txn.LastWriteOpTime = last
	ctx.Txn.EntriesLogged = int32(len(entries))
	return nil
}

// OnPreparedTransactionCommit writes the commit marker for a prepared
// transaction into commitSlot, carrying the prepare timestamp, and records
// the session as committed.
func (o *Observer) OnPreparedTransactionCommit(ctx *transaction.OpContext, commitSlot oplog.OplogSlot, prepareTs uint64) error {
	o.requireTxnState(ctx, transaction.StatePrepared, "commit of a prepared transaction")
	util.Invariant(prepareTs == ctx.Txn.PrepareOpTime.Ts,
		"commit carries prepare timestamp %d, transaction prepared at %d", prepareTs, ctx.Txn.PrepareOpTime.Ts)
	id := o.txnIdentity(ctx)

	entry := o.packager.PackageCommitPrepared(id, commitSlot, prepareTs, ctx.Txn.LastWriteOpTime, ctx.Txn.EntriesLogged)
	wb := ctx.Scope.Batch()
	wb.SetSafePoint()
	if err := o.writer.Append(ctx.Scope, entry); err != nil {
		wb.RollbackToSafePoint()
		return err
	}
	if err := o.upsertRecord(ctx, transaction.StateCommitted, entry.OpTime); err != nil {
		wb.RollbackToSafePoint()
		return err
	}

	ctx.Txn.State = transaction.StateCommitted
	ctx.Txn.LastWriteOpTime = entry.OpTime
	ctx.Txn.EntriesLogged++
	return nil
}

// OnTransactionAbort aborts the context's transaction. A never-prepared
// transaction aborts silently: no entry, no session record. A prepared
// transaction writes an abort marker into abortSlot and records the session
// as aborted.
func (o *Observer) OnTransactionAbort(ctx *transaction.OpContext, abortSlot *oplog.OplogSlot) error {
	util.Invariant(ctx.Txn != nil, "transaction abort outside a transaction")
	switch ctx.Txn.State {
	case transaction.StateInProgress:
		ctx.Txn.State = transaction.StateAborted
		return nil
	case transaction.StatePrepared:
	default:
		util.Invariant(false, "abort of a transaction in state %v", ctx.Txn.State)
	}
	util.Invariant(abortSlot != nil, "abort of a prepared transaction needs a reserved slot")
	id := o.txnIdentity(ctx)

	entry := o.packager.PackageAbort(id, *abortSlot, ctx.Txn.LastWriteOpTime, ctx.Txn.EntriesLogged)
	wb := ctx.Scope.Batch()
	wb.SetSafePoint()
	if err := o.writer.Append(ctx.Scope, entry); err != nil {
		wb.RollbackToSafePoint()
		return err
	}
	if err := o.upsertRecord(ctx, transaction.StateAborted, entry.OpTime); err != nil {
		wb.RollbackToSafePoint()
		return err
	}

	ctx.Txn.State = transaction.StateAborted
	ctx.Txn.LastWriteOpTime = entry.OpTime
	ctx.Txn.EntriesLogged++
	return nil
}

func (o *Observer) appendDirect(ctx *transaction.OpContext, op oplog.ReplicatedOp, stmtID int32) (oplog.OpTime, error) {
	slot := o.alloc.ReserveOne()
	var id *oplog.TxnIdentity
	if ctx.Session != nil {
		id = &oplog.TxnIdentity{SessionID: ctx.Session.ID, TxnNumber: ctx.Session.TxnNumber}
	}
	entry := o.packager.PackageDirect(slot, id, op, stmtID)
	if err := o.writer.Append(ctx.Scope, entry); err != nil {
		return oplog.OpTime{}, err
	}
	return entry.OpTime, nil
}

func (o *Observer) directWithRecord(ctx *transaction.OpContext, op oplog.ReplicatedOp, stmtID int32) error {
	wb := ctx.Scope.Batch()
	wb.SetSafePoint()
	opTime, err := o.appendDirect(ctx, op, stmtID)
	if err != nil {
		wb.RollbackToSafePoint()
		return err
	}
	if err := o.recordRetryableWrite(ctx, opTime); err != nil {
		wb.RollbackToSafePoint()
		return err
	}
	return nil
}

// recordRetryableWrite updates the session table after a direct write on a
// session. The record carries no lifecycle state; only the last write
// position matters for retry detection.
func (o *Observer) recordRetryableWrite(ctx *transaction.OpContext, last oplog.OpTime) error {
	if ctx.Session == nil {
		return nil
	}
	return o.table.Upsert(ctx.Scope, &transaction.SessionRecord{
		SessionID:       ctx.Session.ID,
		TxnNumber:       ctx.Session.TxnNumber,
		State:           transaction.StateNone,
		LastWriteOpTime: last,
	})
}

func (o *Observer) upsertRecord(ctx *transaction.OpContext, state transaction.TxnState, last oplog.OpTime) error {
	return o.table.Upsert(ctx.Scope, &transaction.SessionRecord{
		SessionID:       ctx.Session.ID,
		TxnNumber:       ctx.Session.TxnNumber,
		State:           state,
		LastWriteOpTime: last,
	})
}

func (o *Observer) txnIdentity(ctx *transaction.OpContext) oplog.TxnIdentity {
	util.Invariant(ctx.Session != nil, "transaction protocol call without a session")
	return oplog.TxnIdentity{SessionID: ctx.Session.ID, TxnNumber: ctx.Session.TxnNumber}
}

func (o *Observer) requireOpenTxn(ctx *transaction.OpContext) {
	o.requireTxnState(ctx, transaction.StateInProgress, "write into a transaction")
}

func (o *Observer) requireTxnState(ctx *transaction.OpContext, want transaction.TxnState, what string) {
	util.Invariant(ctx.Txn != nil, "%s outside a transaction", what)
	util.Invariant(ctx.Txn.State == want, "%s in state %v", what, ctx.Txn.State)
}

// documentKey extracts the _id of the pre-image as the delete payload.
func documentKey(ns oplog.Namespace, preImage bson.D) bson.D {
	for _, elem := range preImage {
		if elem.Key == "_id" {
			return bson.D{{"_id", elem.Value}}
		}
	}
	util.Invariant(false, "pre-image for %s has no _id", ns)
	return nil
}
