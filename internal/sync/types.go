package sync

import (
	"encoding/json"
	"time"
)

// ChangeLogEntry represents a single entry in the ledger (change_log table).
type ChangeLogEntry struct {
	Sequence   int64           `json:"sequence"`
	TableName  string          `json:"table_name"`
	EntityID   string          `json:"entity_id"`
	Operation  string          `json:"operation"` // "upsert" or "delete"
	Payload    json.RawMessage `json:"payload,omitempty"`
	SourceID   string          `json:"source_id"`
	BatchID    string          `json:"batch_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Operation constants
const (
	OperationUpsert = "upsert"
	OperationDelete = "delete"
)

// ChangePage is one page of ledger entries returned by ListChangesSince.
type ChangePage struct {
	Changes []ChangeLogEntry `json:"changes"`
	HasMore bool             `json:"has_more"`
	LastSeq int64            `json:"last_seq"`
}

// TxIndexRow is a materialized ledger entry in ledger_tx_index.
type TxIndexRow struct {
	ServerSeq int64           `json:"server_seq"`
	TableName string          `json:"table_name"`
	RowID     string          `json:"row_id"`
	Op        string          `json:"op"`
	Payload   json.RawMessage `json:"payload_json"`
	CreatedAt time.Time       `json:"created_at"`
}

// Principal is the authenticated identity acting on a push.
type Principal struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// TableRows is one table group of a push request.
type TableRows struct {
	Table string            `json:"table"`
	Rows  []json.RawMessage `json:"rows"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	ClientID       string      `json:"client_id"`
	PushID         string      `json:"push_id,omitempty"`
	CollectChanges bool        `json:"collect_changes,omitempty"`
	Upserts        []TableRows `json:"upserts"`
}

// AppliedChange describes one row that a push actually applied.
type AppliedChange struct {
	Table   string          `json:"table"`
	RowID   string          `json:"row_id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload_json"`
}

// PushResponse is the result of a successful push.
type PushResponse struct {
	Applied int             `json:"applied"`
	BatchID string          `json:"batch_id,omitempty"`
	Changes []AppliedChange `json:"changes,omitempty"`
}

// PullResponse is the result of GET /sync/pull.
type PullResponse struct {
	Changes        []TxIndexRow `json:"changes"`
	LastSequence   int64        `json:"last_sequence"`
	LatestSequence int64        `json:"latest_sequence"`
	HasMore        bool         `json:"has_more"`
}

// SyncState tracks one client's push/pull progress.
type SyncState struct {
	ClientID            string     `json:"client_id"`
	LastPushedAt        *time.Time `json:"last_pushed_at,omitempty"`
	LastPulledAt        *time.Time `json:"last_pulled_at,omitempty"`
	LastPulledServerSeq int64      `json:"last_pulled_server_seq"`
	LastUserID          string     `json:"last_user_id,omitempty"`
}

// IndexStatus reports how far the tx index lags behind the ledger.
type IndexStatus struct {
	IndexMaxSeq  int64 `json:"index_max_seq"`
	LedgerMaxSeq int64 `json:"ledger_max_seq"`
	Lag          int64 `json:"lag"`
	IndexRows    int64 `json:"index_rows"`
}

// Pull limits
const (
	DefaultPullLimit = 500
	MaxPullLimit     = 5000
)

// SyncMeta keys
const (
	SyncMetaSchemaVersion      = "schema_version"
	SyncMetaLastSnapshotAt     = "last_snapshot_at"
	SyncMetaLastIndexRebuildAt = "last_index_rebuild_at"
)
