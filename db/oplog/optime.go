package oplog

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// OpTime is the position of one entry in the replication log: a (timestamp,
// term) pair imposing a strict total order. Timestamps are unique and
// monotonically increasing in append order across the whole log.
type OpTime struct {
	Ts   uint64
	Term uint64
}

// NullOpTime is the back-reference of the first entry in a transaction chain.
var NullOpTime = OpTime{}

func (t OpTime) IsNull() bool {
	return t.Ts == 0 && t.Term == 0
}

func (t OpTime) Less(other OpTime) bool {
	if t.Term != other.Term {
		return t.Term < other.Term
	}
	return t.Ts < other.Ts
}

func (t OpTime) String() string {
	return fmt.Sprintf("(%d, %d)", t.Ts, t.Term)
}

// Key encodes the position as a storage key that sorts in append order.
func (t OpTime) Key() []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], t.Ts)
	binary.BigEndian.PutUint64(key[8:], t.Term)
	return key
}

func (t OpTime) toBSON() bson.D {
	return bson.D{{"ts", int64(t.Ts)}, {"t", int64(t.Term)}}
}

func opTimeFromBSON(v interface{}) (OpTime, error) {
	doc, ok := v.(bson.D)
	if !ok {
		return OpTime{}, fmt.Errorf("optime is not a document: %T", v)
	}
	var t OpTime
	for _, e := range doc {
		switch e.Key {
		case "ts":
			n, err := asInt64(e.Value)
			if err != nil {
				return OpTime{}, err
			}
			t.Ts = uint64(n)
		case "t":
			n, err := asInt64(e.Value)
			if err != nil {
				return OpTime{}, err
			}
			t.Term = uint64(n)
		}
	}
	return t, nil
}

// OplogSlot is a reserved, not-yet-written log position. Reserving ahead of
// the append lets a commit entry or a prior-write chain reference the
// position before anything is serialized.
type OplogSlot struct {
	OpTime OpTime
}

// SlotAllocator hands out strictly increasing, globally unique positions.
// It is the one truly shared resource of the write path and must be safe
// under concurrent calls from independent transactions.
type SlotAllocator struct {
	mu     sync.Mutex
	lastTs uint64
	term   uint64
}

func NewSlotAllocator(term uint64) *SlotAllocator {
	return &SlotAllocator{term: term}
}

// Reserve returns n contiguous slots with strictly increasing positions.
func (a *SlotAllocator) Reserve(n int) []OplogSlot {
	a.mu.Lock()
	defer a.mu.Unlock()
	slots := make([]OplogSlot, n)
	for i := range slots {
		a.lastTs++
		slots[i] = OplogSlot{OpTime: OpTime{Ts: a.lastTs, Term: a.term}}
	}
	return slots
}

func (a *SlotAllocator) ReserveOne() OplogSlot {
	return a.Reserve(1)[0]
}

// Advance moves the allocator past ts, so positions handed out after
// recovery sort after everything already durable. It never moves backwards.
func (a *SlotAllocator) Advance(ts uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ts > a.lastTs {
		a.lastTs = ts
	}
}

// SetTerm moves the allocator into a new replication term. Timestamps keep
// increasing across terms.
func (a *SlotAllocator) SetTerm(term uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.term = term
}
