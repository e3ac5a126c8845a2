package observer

import (
	"github.com/docdb-incubator/tinydocdb/db/util"
	"github.com/google/uuid"
	"github.com/ngaut/log"
)

// RollbackInfo summarizes what a replication rollback discarded.
type RollbackInfo struct {
	SessionsRolledBack      []uuid.UUID
	ShardIdentityRolledBack bool
}

// OnReplicationRollback restores in-memory consistency after replication
// truncated the log: cached session records that may reflect discarded
// writes are invalidated. Rolling back the node's shard identity document
// cannot be recovered from in-process and is fatal.
func (o *Observer) OnReplicationRollback(info RollbackInfo) {
	util.Invariant(!info.ShardIdentityRolledBack,
		"shard identity document rolled back, restart required")
	o.table.Invalidate(info.SessionsRolledBack)
	log.Infof("replication rollback processed, %d sessions invalidated", len(info.SessionsRolledBack))
}
