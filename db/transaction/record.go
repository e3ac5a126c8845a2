package transaction

import (
	"fmt"

	"github.com/docdb-incubator/tinydocdb/db/oplog"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SessionRecord is the one durable row per session in the transaction
// table: the session's current transaction number, lifecycle state, and the
// position of its last oplog write. Retry detection and crash recovery read
// it; the engine overwrites it last-writer-wins since only one transaction
// per session is active at a time.
type SessionRecord struct {
	SessionID       uuid.UUID
	TxnNumber       int64
	State           TxnState
	LastWriteOpTime oplog.OpTime
}

func (r *SessionRecord) Marshal() ([]byte, error) {
	d := bson.D{
		{"_id", primitive.Binary{Subtype: 0x04, Data: r.SessionID[:]}},
		{"txnNum", r.TxnNumber},
	}
	if r.State != StateNone {
		d = append(d, bson.E{Key: "state", Value: r.State.String()})
	}
	d = append(d, bson.E{Key: "lastWriteOpTime", Value: bson.D{
		{"ts", int64(r.LastWriteOpTime.Ts)},
		{"t", int64(r.LastWriteOpTime.Term)},
	}})
	data, err := bson.Marshal(d)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

func UnmarshalSessionRecord(data []byte) (*SessionRecord, error) {
	var d bson.D
	if err := bson.Unmarshal(data, &d); err != nil {
		return nil, errors.WithStack(err)
	}
	r := new(SessionRecord)
	for _, elem := range d {
		switch elem.Key {
		case "_id":
			bin, ok := elem.Value.(primitive.Binary)
			if !ok {
				return nil, fmt.Errorf("transaction: record _id is not binary: %T", elem.Value)
			}
			u, err := uuid.FromBytes(bin.Data)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			r.SessionID = u
		case "txnNum":
			r.TxnNumber = elem.Value.(int64)
		case "state":
			state, err := stateFromString(elem.Value.(string))
			if err != nil {
				return nil, err
			}
			r.State = state
		case "lastWriteOpTime":
			sub, ok := elem.Value.(bson.D)
			if !ok {
				return nil, fmt.Errorf("transaction: lastWriteOpTime is not a document: %T", elem.Value)
			}
			for _, f := range sub {
				switch f.Key {
				case "ts":
					r.LastWriteOpTime.Ts = uint64(f.Value.(int64))
				case "t":
					r.LastWriteOpTime.Term = uint64(f.Value.(int64))
				}
			}
		}
	}
	return r, nil
}
