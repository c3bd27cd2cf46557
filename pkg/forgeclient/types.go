// Package forgeclient is a Go client for the Forge sync API. It carries its
// own wire types so callers do not depend on server internals.
package forgeclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Config holds the client configuration.
type Config struct {
	BaseURL  string        // Forge server URL, e.g. https://forge.example.com
	APIKey   string        // Shared gateway API key
	UserID   string        // Acting user, sent as X-Forge-User-Id
	Username string        // Optional display name
	Role     string        // Optional role (e.g. "admin")
	Timeout  time.Duration // HTTP timeout (default: 30s)
}

// TableRows is one table group of a push.
type TableRows struct {
	Table string            `json:"table"`
	Rows  []json.RawMessage `json:"rows"`
}

// PushRequest is the body of POST /sync/push. An empty PushID is filled in
// by Push; reuse the returned id when retrying.
type PushRequest struct {
	ClientID       string      `json:"client_id"`
	PushID         string      `json:"push_id,omitempty"`
	CollectChanges bool        `json:"collect_changes,omitempty"`
	Upserts        []TableRows `json:"upserts"`
}

// AppliedChange is one row a push applied.
type AppliedChange struct {
	Table   string          `json:"table"`
	RowID   string          `json:"row_id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload_json"`
}

// PushResponse is the result of a push.
type PushResponse struct {
	Applied int             `json:"applied"`
	BatchID string          `json:"batch_id,omitempty"`
	Changes []AppliedChange `json:"changes,omitempty"`

	// PushID is the idempotency key the push was sent with.
	PushID string `json:"-"`
	// Replayed is set when the server answered from its idempotency cache.
	Replayed bool `json:"-"`
}

// Change is one ledger entry served by pull.
type Change struct {
	ServerSeq int64           `json:"server_seq"`
	TableName string          `json:"table_name"`
	RowID     string          `json:"row_id"`
	Op        string          `json:"op"`
	Payload   json.RawMessage `json:"payload_json"`
	CreatedAt time.Time       `json:"created_at"`
}

// PullResponse is one page of pulled changes.
type PullResponse struct {
	Changes        []Change `json:"changes"`
	LastSequence   int64    `json:"last_sequence"`
	LatestSequence int64    `json:"latest_sequence"`
	HasMore        bool     `json:"has_more"`
}

// FieldError is a validation failure on one request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Push rejection kinds reported in APIError.Kind.
const (
	KindConflict          = "sync_conflict"
	KindDependencyMissing = "sync_dependency_missing"
	KindPolicyDenied      = "sync_policy_denied"
	KindInvalidRow        = "sync_invalid_row"
	KindInvalidRequest    = "sync_invalid_request"
)

// APIError is a problem response returned by the server.
type APIError struct {
	Status int          `json:"status"`
	Type   string       `json:"type"`
	Title  string       `json:"title"`
	Detail string       `json:"detail"`
	Kind   string       `json:"kind,omitempty"`
	Table  string       `json:"table,omitempty"`
	Count  int          `json:"count,omitempty"`
	Errors []FieldError `json:"errors,omitempty"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("forge: %d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("forge: %d %s", e.Status, http.StatusText(e.Status))
}

// IsConflict reports whether err is a push rejected for stale rows.
func IsConflict(err error) bool {
	return hasKind(err, KindConflict)
}

// IsDependencyMissing reports whether err is a push rejected for a
// reference the server could not resolve.
func IsDependencyMissing(err error) bool {
	return hasKind(err, KindDependencyMissing)
}

// IsUnauthorized reports whether the server rejected the credentials.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusUnauthorized
}

func hasKind(err error, kind string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == kind
}
