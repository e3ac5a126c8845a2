package transaction

import (
	"sync"

	"github.com/Connor1996/badger"
	"github.com/google/uuid"
	"github.com/docdb-incubator/tinydocdb/db/storage"
	"github.com/docdb-incubator/tinydocdb/db/util/engine_util"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// Table is the durable session transaction table. Writes are staged into
// the caller's storage scope so a session record becomes durable atomically
// with the oplog entries of the same protocol call. Reads go through an
// in-memory cache that replication rollback invalidates.
type Table struct {
	engines *engine_util.Engines

	mu    sync.Mutex
	cache map[uuid.UUID]*SessionRecord
}

func NewTable(engines *engine_util.Engines) *Table {
	return &Table{
		engines: engines,
		cache:   make(map[uuid.UUID]*SessionRecord),
	}
}

// Upsert stages rec into scope, overwriting any prior record for the
// session. The cached copy is dropped rather than updated: the scope may
// still abort, so the cache must reload from durable state on next use.
func (t *Table) Upsert(scope *storage.Scope, rec *SessionRecord) error {
	data, err := rec.Marshal()
	if err != nil {
		return err
	}
	scope.Batch().SetCF(engine_util.CfTxn, rec.SessionID[:], data)

	t.mu.Lock()
	delete(t.cache, rec.SessionID)
	t.mu.Unlock()
	return nil
}

// Read returns the session's record, or nil when the session has never
// completed a transaction-table-worthy write. The result is the caller's
// copy; mutating it does not touch the cache.
func (t *Table) Read(sessionID uuid.UUID) (*SessionRecord, error) {
	t.mu.Lock()
	if rec, ok := t.cache[sessionID]; ok {
		cp := *rec
		t.mu.Unlock()
		return &cp, nil
	}
	t.mu.Unlock()

	val, err := engine_util.GetCF(t.engines.DB, engine_util.CfTxn, sessionID[:])
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rec, err := UnmarshalSessionRecord(val)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.cache[sessionID] = rec
	t.mu.Unlock()
	cp := *rec
	return &cp, nil
}

// Invalidate drops the cached records of the given sessions, forcing the
// next read to reload from the durable table. Used after a replication
// rollback discards writes the cache may still reflect.
func (t *Table) Invalidate(sessionIDs []uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range sessionIDs {
		delete(t.cache, id)
	}
	if len(sessionIDs) > 0 {
		log.Infof("invalidated %d session transaction cache entries", len(sessionIDs))
	}
}

// InvalidateAll drops every cached record.
func (t *Table) InvalidateAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = make(map[uuid.UUID]*SessionRecord)
}

// CachedSessions reports how many records are currently cached, for tests.
func (t *Table) CachedSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cache)
}
