package oplog

import (
	"io/ioutil"
	"testing"

	"github.com/docdb-incubator/tinydocdb/db/storage"
	"github.com/docdb-incubator/tinydocdb/db/util/engine_util"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func newTestEngines(t *testing.T) *engine_util.Engines {
	t.Helper()
	dir, err := ioutil.TempDir("", "oplog")
	require.Nil(t, err)
	engines := engine_util.NewEngines(engine_util.CreateDB(dir), dir)
	t.Cleanup(func() {
		engines.Destroy()
	})
	return engines
}

func TestWriterAppendAndReadAll(t *testing.T) {
	engines := newTestEngines(t)
	w := NewWriter(1 << 20)
	scope := storage.Begin(engines)

	// Stage out of position order; reads come back sorted by position.
	for _, ts := range []uint64{3, 1, 2} {
		e := &Entry{
			OpTime: OpTime{Ts: ts, Term: 1},
			Kind:   OpInsert,
			NS:     NewNamespace("test", "coll"),
			Doc:    bson.D{{"_id", int64(ts)}},
		}
		require.Nil(t, w.Append(scope, e))
	}
	require.Nil(t, scope.Commit())

	entries, err := ReadAll(engines.DB)
	require.Nil(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, uint64(i+1), e.OpTime.Ts)
	}
}

func TestWriterAppendRejectsOversizeEntry(t *testing.T) {
	engines := newTestEngines(t)
	w := NewWriter(128)
	scope := storage.Begin(engines)
	defer scope.Abort()

	err := w.Append(scope, &Entry{
		OpTime: OpTime{Ts: 1, Term: 1},
		Kind:   OpInsert,
		NS:     NewNamespace("test", "coll"),
		Doc:    paddedOp(t, 1, 200).Doc,
	})
	require.True(t, IsTxnTooLarge(err))
	require.Equal(t, 0, scope.Staged())
}

func TestAbortedScopeLeavesNoEntries(t *testing.T) {
	engines := newTestEngines(t)
	w := NewWriter(1 << 20)
	scope := storage.Begin(engines)
	require.Nil(t, w.Append(scope, &Entry{
		OpTime: OpTime{Ts: 1, Term: 1},
		Kind:   OpInsert,
		NS:     NewNamespace("test", "coll"),
		Doc:    bson.D{{"_id", int32(1)}},
	}))
	scope.Abort()

	entries, err := ReadAll(engines.DB)
	require.Nil(t, err)
	require.Len(t, entries, 0)
}

func chainOf(positions ...uint64) []*Entry {
	entries := make([]*Entry, 0, len(positions))
	prev := NullOpTime
	for i, ts := range positions {
		prevCopy := prev
		stmt := int32(i)
		e := &Entry{
			OpTime:     OpTime{Ts: ts, Term: 1},
			Kind:       OpCommand,
			NS:         AdminCmdNamespace,
			Doc:        bson.D{{"applyOps", bson.A{}}},
			StmtID:     &stmt,
			PrevOpTime: &prevCopy,
		}
		entries = append(entries, e)
		prev = e.OpTime
	}
	return entries
}

func TestValidateChain(t *testing.T) {
	require.Nil(t, ValidateChain(nil))
	require.Nil(t, ValidateChain(chainOf(1)))
	require.Nil(t, ValidateChain(chainOf(2, 5, 9)))

	// Positions must strictly increase.
	bad := chainOf(2, 5, 9)
	bad[1], bad[2] = bad[2], bad[1]
	require.NotNil(t, ValidateChain(bad))

	// A broken back-reference is detected.
	broken := chainOf(2, 5, 9)
	dangling := OpTime{Ts: 4, Term: 1}
	broken[2].PrevOpTime = &dangling
	require.NotNil(t, ValidateChain(broken))

	// A missing back-reference is detected.
	missing := chainOf(2, 5)
	missing[0].PrevOpTime = nil
	require.NotNil(t, ValidateChain(missing))
}
