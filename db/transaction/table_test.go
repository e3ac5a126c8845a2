package transaction

import (
	"io/ioutil"
	"testing"

	"github.com/docdb-incubator/tinydocdb/db/oplog"
	"github.com/docdb-incubator/tinydocdb/db/storage"
	"github.com/docdb-incubator/tinydocdb/db/util/engine_util"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func newTestEngines(t *testing.T) *engine_util.Engines {
	t.Helper()
	dir, err := ioutil.TempDir("", "txn_table")
	require.Nil(t, err)
	engines := engine_util.NewEngines(engine_util.CreateDB(dir), dir)
	t.Cleanup(func() {
		engines.Destroy()
	})
	return engines
}

func testSessionID(b byte) uuid.UUID {
	var u uuid.UUID
	for i := range u {
		u[i] = b
	}
	return u
}

func TestTableUpsertAndRead(t *testing.T) {
	engines := newTestEngines(t)
	table := NewTable(engines)
	sess := testSessionID(1)

	rec, err := table.Read(sess)
	require.Nil(t, err)
	require.Nil(t, rec)

	scope := storage.Begin(engines)
	require.Nil(t, table.Upsert(scope, &SessionRecord{
		SessionID:       sess,
		TxnNumber:       4,
		State:           StateCommitted,
		LastWriteOpTime: oplog.OpTime{Ts: 10, Term: 2},
	}))
	require.Nil(t, scope.Commit())

	rec, err = table.Read(sess)
	require.Nil(t, err)
	require.Equal(t, int64(4), rec.TxnNumber)
	require.Equal(t, StateCommitted, rec.State)
	require.Equal(t, oplog.OpTime{Ts: 10, Term: 2}, rec.LastWriteOpTime)
	require.Equal(t, 1, table.CachedSessions())
}

func TestTableUpsertOverwrites(t *testing.T) {
	engines := newTestEngines(t)
	table := NewTable(engines)
	sess := testSessionID(1)

	scope := storage.Begin(engines)
	require.Nil(t, table.Upsert(scope, &SessionRecord{SessionID: sess, TxnNumber: 4, State: StatePrepared}))
	require.Nil(t, scope.Commit())

	scope = storage.Begin(engines)
	require.Nil(t, table.Upsert(scope, &SessionRecord{SessionID: sess, TxnNumber: 4, State: StateCommitted}))
	require.Nil(t, scope.Commit())

	rec, err := table.Read(sess)
	require.Nil(t, err)
	require.Equal(t, StateCommitted, rec.State)
}

func TestTableAbortedScopeKeepsOldRecord(t *testing.T) {
	engines := newTestEngines(t)
	table := NewTable(engines)
	sess := testSessionID(1)

	scope := storage.Begin(engines)
	require.Nil(t, table.Upsert(scope, &SessionRecord{SessionID: sess, TxnNumber: 4, State: StatePrepared}))
	require.Nil(t, scope.Commit())

	// The upsert drops the cached copy even though the scope aborts, so the
	// next read reloads the durable record.
	scope = storage.Begin(engines)
	require.Nil(t, table.Upsert(scope, &SessionRecord{SessionID: sess, TxnNumber: 5, State: StateCommitted}))
	scope.Abort()

	rec, err := table.Read(sess)
	require.Nil(t, err)
	require.Equal(t, int64(4), rec.TxnNumber)
	require.Equal(t, StatePrepared, rec.State)
}

func TestTableReadReturnsCopy(t *testing.T) {
	engines := newTestEngines(t)
	table := NewTable(engines)
	sess := testSessionID(1)

	scope := storage.Begin(engines)
	require.Nil(t, table.Upsert(scope, &SessionRecord{SessionID: sess, TxnNumber: 4, State: StatePrepared}))
	require.Nil(t, scope.Commit())

	rec, err := table.Read(sess)
	require.Nil(t, err)
	rec.TxnNumber = 99
	rec.State = StateAborted

	// Mutating the returned record does not touch the cached copy.
	again, err := table.Read(sess)
	require.Nil(t, err)
	require.Equal(t, int64(4), again.TxnNumber)
	require.Equal(t, StatePrepared, again.State)
}

func TestTableInvalidate(t *testing.T) {
	engines := newTestEngines(t)
	table := NewTable(engines)
	a, b := testSessionID(1), testSessionID(2)

	scope := storage.Begin(engines)
	require.Nil(t, table.Upsert(scope, &SessionRecord{SessionID: a, TxnNumber: 1}))
	require.Nil(t, table.Upsert(scope, &SessionRecord{SessionID: b, TxnNumber: 1}))
	require.Nil(t, scope.Commit())

	_, err := table.Read(a)
	require.Nil(t, err)
	_, err = table.Read(b)
	require.Nil(t, err)
	require.Equal(t, 2, table.CachedSessions())

	table.Invalidate([]uuid.UUID{a})
	require.Equal(t, 1, table.CachedSessions())

	table.InvalidateAll()
	require.Equal(t, 0, table.CachedSessions())
}

func TestSessionRecordRoundTrip(t *testing.T) {
	rec := &SessionRecord{
		SessionID:       testSessionID(3),
		TxnNumber:       9,
		State:           StatePrepared,
		LastWriteOpTime: oplog.OpTime{Ts: 7, Term: 2},
	}
	data, err := rec.Marshal()
	require.Nil(t, err)
	got, err := UnmarshalSessionRecord(data)
	require.Nil(t, err)
	require.Equal(t, rec, got)
}

func TestSessionRecordOmitsStateForRetryableWrites(t *testing.T) {
	rec := &SessionRecord{
		SessionID:       testSessionID(3),
		TxnNumber:       9,
		State:           StateNone,
		LastWriteOpTime: oplog.OpTime{Ts: 7, Term: 2},
	}
	data, err := rec.Marshal()
	require.Nil(t, err)

	var d bson.D
	require.Nil(t, bson.Unmarshal(data, &d))
	for _, elem := range d {
		require.NotEqual(t, "state", elem.Key)
	}

	got, err := UnmarshalSessionRecord(data)
	require.Nil(t, err)
	require.Equal(t, StateNone, got.State)
}
