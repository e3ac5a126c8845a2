// Package storage provides the storage-transaction scope that callers must
// hold across any append into the replication log. Everything staged inside
// one scope becomes durable together or not at all.
package storage

import (
	"github.com/docdb-incubator/tinydocdb/db/util"
	"github.com/docdb-incubator/tinydocdb/db/util/engine_util"
)

// Scope is a single-threaded, all-or-nothing unit of durability. The caller
// begins a scope before invoking the observer, and commits or aborts it
// afterwards. An aborted scope leaves no trace.
type Scope struct {
	engines *engine_util.Engines
	wb      *engine_util.WriteBatch
	done    bool
}

func Begin(engines *engine_util.Engines) *Scope {
	return &Scope{
		engines: engines,
		wb:      new(engine_util.WriteBatch),
	}
}

// Batch exposes the write batch entries are staged into.
func (s *Scope) Batch() *engine_util.WriteBatch {
	util.Invariant(!s.done, "write staged into a finished storage scope")
	return s.wb
}

// Commit makes every staged write durable atomically.
func (s *Scope) Commit() error {
	util.Invariant(!s.done, "storage scope committed twice")
	s.done = true
	return s.engines.Write(s.wb)
}

// Abort discards every staged write.
func (s *Scope) Abort() {
	if s.done {
		return
	}
	s.done = true
	s.wb.Reset()
}

// Staged returns the number of staged writes, for callers that need to know
// whether anything would be made durable.
func (s *Scope) Staged() int {
	return s.wb.Len()
}
