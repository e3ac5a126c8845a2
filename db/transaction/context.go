package transaction

import (
	"github.com/docdb-incubator/tinydocdb/db/oplog"
	"github.com/docdb-incubator/tinydocdb/db/storage"
	"github.com/docdb-incubator/tinydocdb/db/util"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// SessionInfo identifies the logical session a call runs under.
type SessionInfo struct {
	ID        uuid.UUID
	TxnNumber int64
}

// OpContext is threaded by reference through every engine call. It carries
// the storage scope the call must append into, the optional session
// identity, the optional open-transaction participant, and the pre-image
// staging area of the delete guard. The engine consumes it and never
// retains it.
type OpContext struct {
	Scope   *storage.Scope
	Session *SessionInfo
	Txn     *Participant

	preImages map[string]bson.D
}

func NewOpContext(scope *storage.Scope) *OpContext {
	return &OpContext{Scope: scope}
}

func (ctx *OpContext) WithSession(sessionID uuid.UUID, txnNumber int64) *OpContext {
	ctx.Session = &SessionInfo{ID: sessionID, TxnNumber: txnNumber}
	return ctx
}

func (ctx *OpContext) WithTxn(p *Participant) *OpContext {
	ctx.Txn = p
	return ctx
}

// InTxn reports whether calls on this context buffer into an open
// multi-statement transaction.
func (ctx *OpContext) InTxn() bool {
	return ctx.Txn != nil
}

// StagePreImage registers the pre-image of the document about to be deleted
// from ns. Registering a second pre-image for ns before the first is
// consumed breaks the one-to-one pairing and is fatal.
func (ctx *OpContext) StagePreImage(ns oplog.Namespace, doc bson.D) {
	if ctx.preImages == nil {
		ctx.preImages = make(map[string]bson.D)
	}
	_, pending := ctx.preImages[ns.String()]
	util.Invariant(!pending, "pre-image registered twice for %s without an intervening delete", ns)
	ctx.preImages[ns.String()] = doc
}

// TakePreImage consumes the staged pre-image for ns. A delete with no
// staged pre-image would silently lose the state change streams and
// retryable writes depend on, so it is fatal.
func (ctx *OpContext) TakePreImage(ns oplog.Namespace) bson.D {
	doc, pending := ctx.preImages[ns.String()]
	util.Invariant(pending, "delete on %s with no registered pre-image", ns)
	delete(ctx.preImages, ns.String())
	return doc
}
