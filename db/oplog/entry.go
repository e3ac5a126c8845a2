package oplog

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OpKind is the operation kind of one oplog entry.
type OpKind string

const (
	OpInsert  OpKind = "i"
	OpUpdate  OpKind = "u"
	OpDelete  OpKind = "d"
	OpCommand OpKind = "c"
)

// Namespace identifies the database and collection an operation targets.
type Namespace struct {
	DB   string
	Coll string
}

func NewNamespace(db, coll string) Namespace {
	return Namespace{DB: db, Coll: coll}
}

// CmdNamespace is the namespace command entries are logged against.
func CmdNamespace(db string) Namespace {
	return Namespace{DB: db, Coll: "$cmd"}
}

// AdminCmdNamespace is where transaction marker entries live.
var AdminCmdNamespace = CmdNamespace("admin")

func (ns Namespace) String() string {
	return ns.DB + "." + ns.Coll
}

func ParseNamespace(s string) Namespace {
	i := strings.Index(s, ".")
	if i < 0 {
		return Namespace{DB: s}
	}
	return Namespace{DB: s[:i], Coll: s[i+1:]}
}

// ReplicatedOp is one logical operation inside a transaction: the unit the
// budgeter batches and the packager wraps into entries.
type ReplicatedOp struct {
	Kind OpKind
	NS   Namespace
	UI   uuid.UUID
	// Doc is the primary payload: the inserted document, the update
	// description, the deleted document's key, or the command.
	Doc bson.D
	// Doc2 is the optional secondary payload, e.g. an update's criteria.
	Doc2 bson.D
}

// toBSON renders the operation as an applyOps array element. Command
// operations carry no collection identity.
func (op ReplicatedOp) toBSON() bson.D {
	d := bson.D{
		{"op", string(op.Kind)},
		{"ns", op.NS.String()},
	}
	if op.Kind != OpCommand {
		d = append(d, bson.E{Key: "ui", Value: uuidBinary(op.UI)})
	}
	d = append(d, bson.E{Key: "o", Value: op.Doc})
	if op.Doc2 != nil {
		d = append(d, bson.E{Key: "o2", Value: op.Doc2})
	}
	return d
}

// SerializedSize is the operation's own serialized length, used by the
// budgeter's greedy accumulation.
func (op ReplicatedOp) SerializedSize() (int, error) {
	data, err := bson.Marshal(op.toBSON())
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return len(data), nil
}

// Entry is one immutable record of the append-only replication log.
type Entry struct {
	OpTime OpTime
	Kind   OpKind
	NS     Namespace
	UI     *uuid.UUID
	// Doc is the primary payload document.
	Doc bson.D
	// Doc2 is the optional secondary payload document.
	Doc2 bson.D

	SessionID *uuid.UUID
	TxnNumber *int64
	StmtID    *int32
	// PrevOpTime back-references the previous entry of the same
	// transaction; null for the first entry of a chain.
	PrevOpTime *OpTime
	// InTxn marks CRUD entries that only take effect when their
	// transaction's terminal marker commits.
	InTxn   bool
	Prepare *bool
}

// Marshal renders the entry in its durable wire format. The field order is
// fixed so identical inputs always produce identical bytes.
func (e *Entry) Marshal() ([]byte, error) {
	doc := e.Doc
	if doc == nil {
		doc = bson.D{}
	}
	d := bson.D{
		{"ts", int64(e.OpTime.Ts)},
		{"t", int64(e.OpTime.Term)},
		{"op", string(e.Kind)},
		{"ns", e.NS.String()},
	}
	if e.UI != nil {
		d = append(d, bson.E{Key: "ui", Value: uuidBinary(*e.UI)})
	}
	d = append(d, bson.E{Key: "o", Value: doc})
	if e.Doc2 != nil {
		d = append(d, bson.E{Key: "o2", Value: e.Doc2})
	}
	if e.SessionID != nil {
		d = append(d, bson.E{Key: "lsid", Value: uuidBinary(*e.SessionID)})
	}
	if e.TxnNumber != nil {
		d = append(d, bson.E{Key: "txnNumber", Value: *e.TxnNumber})
	}
	if e.StmtID != nil {
		d = append(d, bson.E{Key: "stmtId", Value: *e.StmtID})
	}
	if e.PrevOpTime != nil {
		d = append(d, bson.E{Key: "prevOpTime", Value: e.PrevOpTime.toBSON()})
	}
	if e.InTxn {
		d = append(d, bson.E{Key: "inTxn", Value: true})
	}
	if e.Prepare != nil {
		d = append(d, bson.E{Key: "prepare", Value: *e.Prepare})
	}
	data, err := bson.Marshal(d)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

func UnmarshalEntry(data []byte) (*Entry, error) {
	var d bson.D
	if err := bson.Unmarshal(data, &d); err != nil {
		return nil, errors.WithStack(err)
	}
	e := new(Entry)
	for _, elem := range d {
		switch elem.Key {
		case "ts":
			n, err := asInt64(elem.Value)
			if err != nil {
				return nil, err
			}
			e.OpTime.Ts = uint64(n)
		case "t":
			n, err := asInt64(elem.Value)
			if err != nil {
				return nil, err
			}
			e.OpTime.Term = uint64(n)
		case "op":
			e.Kind = OpKind(elem.Value.(string))
		case "ns":
			e.NS = ParseNamespace(elem.Value.(string))
		case "ui":
			u, err := uuidFromBinary(elem.Value)
			if err != nil {
				return nil, err
			}
			e.UI = &u
		case "o":
			doc, ok := elem.Value.(bson.D)
			if !ok {
				return nil, fmt.Errorf("oplog: entry payload is not a document: %T", elem.Value)
			}
			e.Doc = doc
		case "o2":
			doc, ok := elem.Value.(bson.D)
			if !ok {
				return nil, fmt.Errorf("oplog: entry secondary payload is not a document: %T", elem.Value)
			}
			e.Doc2 = doc
		case "lsid":
			u, err := uuidFromBinary(elem.Value)
			if err != nil {
				return nil, err
			}
			e.SessionID = &u
		case "txnNumber":
			n, err := asInt64(elem.Value)
			if err != nil {
				return nil, err
			}
			e.TxnNumber = &n
		case "stmtId":
			n, err := asInt64(elem.Value)
			if err != nil {
				return nil, err
			}
			stmt := int32(n)
			e.StmtID = &stmt
		case "prevOpTime":
			t, err := opTimeFromBSON(elem.Value)
			if err != nil {
				return nil, err
			}
			e.PrevOpTime = &t
		case "inTxn":
			e.InTxn = elem.Value.(bool)
		case "prepare":
			b := elem.Value.(bool)
			e.Prepare = &b
		}
	}
	return e, nil
}

// IsCommand reports whether the entry is a command entry (applyOps or a
// transaction marker).
func (e *Entry) IsCommand() bool {
	return e.Kind == OpCommand
}

// Marker payload shapes. These exact documents are a compatibility contract
// for any reader of the log.

func applyOpsPayload(ops []ReplicatedOp, prepare bool) bson.D {
	arr := bson.A{}
	for _, op := range ops {
		arr = append(arr, op.toBSON())
	}
	d := bson.D{{"applyOps", arr}}
	if prepare {
		d = append(d, bson.E{Key: "prepare", Value: true})
	}
	return d
}

func prepareMarkerPayload() bson.D {
	return bson.D{{"prepareTransaction", int32(1)}}
}

func commitUnpreparedPayload() bson.D {
	return bson.D{{"commitTransaction", int32(1)}, {"prepare", false}}
}

func commitPreparedPayload(prepareTs uint64) bson.D {
	return bson.D{{"commitTransaction", int32(1)}, {"commitTimestamp", int64(prepareTs)}}
}

func abortMarkerPayload() bson.D {
	return bson.D{{"abortTransaction", int32(1)}}
}

func uuidBinary(u uuid.UUID) primitive.Binary {
	return primitive.Binary{Subtype: 0x04, Data: u[:]}
}

func uuidFromBinary(v interface{}) (uuid.UUID, error) {
	bin, ok := v.(primitive.Binary)
	if !ok {
		return uuid.UUID{}, fmt.Errorf("oplog: uuid field is not binary: %T", v)
	}
	u, err := uuid.FromBytes(bin.Data)
	if err != nil {
		return uuid.UUID{}, errors.WithStack(err)
	}
	return u, nil
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	}
	return 0, fmt.Errorf("oplog: not an integer value: %T", v)
}
