package observer

import (
	"github.com/docdb-incubator/tinydocdb/db/oplog"
	"github.com/docdb-incubator/tinydocdb/db/transaction"
	"github.com/docdb-incubator/tinydocdb/db/util"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DDL entries are logged directly against the database's command namespace,
// carrying the collection UUID. They never run inside a multi-statement
// transaction.

// TTLInfo describes the TTL index change a collMod applied.
type TTLInfo struct {
	IndexName             string
	ExpireAfterSeconds    int64
	OldExpireAfterSeconds int64
}

// OnStartIndexBuild logs the start of a two-phase index build.
func (o *Observer) OnStartIndexBuild(ctx *transaction.OpContext, ns oplog.Namespace, ui, indexBuildUUID uuid.UUID, specs []bson.D) error {
	_, err := o.logDDL(ctx, ns, ui, indexBuildPayload("startIndexBuild", ns, indexBuildUUID, specs), nil)
	return err
}

// OnCommitIndexBuild logs a successfully completed index build.
func (o *Observer) OnCommitIndexBuild(ctx *transaction.OpContext, ns oplog.Namespace, ui, indexBuildUUID uuid.UUID, specs []bson.D) error {
	_, err := o.logDDL(ctx, ns, ui, indexBuildPayload("commitIndexBuild", ns, indexBuildUUID, specs), nil)
	return err
}

// OnAbortIndexBuild logs an abandoned index build.
func (o *Observer) OnAbortIndexBuild(ctx *transaction.OpContext, ns oplog.Namespace, ui, indexBuildUUID uuid.UUID, specs []bson.D) error {
	_, err := o.logDDL(ctx, ns, ui, indexBuildPayload("abortIndexBuild", ns, indexBuildUUID, specs), nil)
	return err
}

// OnCollMod logs a collection-options change. The entry's payload is cmd
// with any index argument replaced by the applied TTL change; the secondary
// payload preserves the pre-change collection options for rollback.
func (o *Observer) OnCollMod(ctx *transaction.OpContext, ns oplog.Namespace, ui uuid.UUID, cmd, oldOptions bson.D, ttl *TTLInfo) error {
	doc := cmd
	if ttl != nil {
		doc = make(bson.D, 0, len(cmd)+1)
		for _, elem := range cmd {
			if elem.Key == "index" {
				continue
			}
			doc = append(doc, elem)
		}
		doc = append(doc, bson.E{Key: "index", Value: bson.D{
			{"name", ttl.IndexName},
			{"expireAfterSeconds", ttl.ExpireAfterSeconds},
		}})
	}
	doc2 := bson.D{{"collectionOptions_old", oldOptions}}
	if ttl != nil {
		doc2 = append(doc2, bson.E{Key: "expireAfterSeconds_old", Value: ttl.OldExpireAfterSeconds})
	}
	_, err := o.logDDL(ctx, ns, ui, doc, doc2)
	return err
}

// OnDropCollection logs a collection drop and returns the drop position.
func (o *Observer) OnDropCollection(ctx *transaction.OpContext, ns oplog.Namespace, ui uuid.UUID) (oplog.OpTime, error) {
	return o.logDDL(ctx, ns, ui, bson.D{{"drop", ns.Coll}}, nil)
}

// OnRenameCollection logs a collection rename and returns its position. A
// non-nil dropTarget names the collection the rename replaced; when nil the
// dropTarget field is omitted.
func (o *Observer) OnRenameCollection(ctx *transaction.OpContext, source, target oplog.Namespace, ui uuid.UUID, dropTarget *uuid.UUID, stayTemp bool) (oplog.OpTime, error) {
	doc := bson.D{
		{"renameCollection", source.String()},
		{"to", target.String()},
		{"stayTemp", stayTemp},
	}
	if dropTarget != nil {
		doc = append(doc, bson.E{Key: "dropTarget", Value: collUUID(*dropTarget)})
	}
	return o.logDDL(ctx, source, ui, doc, nil)
}

func (o *Observer) logDDL(ctx *transaction.OpContext, ns oplog.Namespace, ui uuid.UUID, doc, doc2 bson.D) (oplog.OpTime, error) {
	util.Invariant(!ctx.InTxn(), "ddl on %s inside a multi-statement transaction", ns)
	slot := o.alloc.ReserveOne()
	entry := &oplog.Entry{
		OpTime: slot.OpTime,
		Kind:   oplog.OpCommand,
		NS:     oplog.CmdNamespace(ns.DB),
		UI:     &ui,
		Doc:    doc,
		Doc2:   doc2,
	}
	if err := o.writer.Append(ctx.Scope, entry); err != nil {
		return oplog.OpTime{}, err
	}
	return entry.OpTime, nil
}

func indexBuildPayload(verb string, ns oplog.Namespace, indexBuildUUID uuid.UUID, specs []bson.D) bson.D {
	indexes := bson.A{}
	for _, spec := range specs {
		indexes = append(indexes, spec)
	}
	return bson.D{
		{verb, ns.Coll},
		{"indexBuildUUID", collUUID(indexBuildUUID)},
		{"indexes", indexes},
	}
}

func collUUID(u uuid.UUID) primitive.Binary {
	return primitive.Binary{Subtype: 0x04, Data: u[:]}
}
