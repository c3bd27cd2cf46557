package validation

import (
	"fmt"

	forgesync "github.com/hyperengineering/forge/internal/sync"
)

// Push request limits.
const (
	MaxClientIDLength = 128
	MaxPushIDLength   = 128
)

// ValidatePushRequest checks the envelope of a push request. Individual rows
// are validated later by the table catalog; a bad row is dropped there rather
// than failing the whole request.
//
// knownTable reports whether a table name is accepted from clients.
// maxRows caps the total number of rows across all groups (0 disables).
func ValidatePushRequest(req forgesync.PushRequest, knownTable func(string) bool, maxRows int) []ValidationError {
	var c Collector

	if err := ValidateRequired("client_id", req.ClientID); err != nil {
		c.Add(err)
	} else {
		c.Add(ValidateMaxLength("client_id", req.ClientID, MaxClientIDLength))
		c.Add(ValidateNoNullBytes("client_id", req.ClientID))
		c.Add(ValidateUTF8("client_id", req.ClientID))
	}

	if req.PushID != "" {
		c.Add(ValidateMaxLength("push_id", req.PushID, MaxPushIDLength))
		c.Add(ValidateNoNullBytes("push_id", req.PushID))
	}

	seen := make(map[string]bool, len(req.Upserts))
	total := 0
	for i, group := range req.Upserts {
		field := fmt.Sprintf("upserts[%d].table", i)
		if group.Table == "" {
			c.Add(&ValidationError{Field: field, Message: "is required"})
			continue
		}
		if !knownTable(group.Table) {
			c.Add(&ValidationError{Field: field, Message: fmt.Sprintf("unknown table %q", group.Table)})
			continue
		}
		if seen[group.Table] {
			c.Add(&ValidationError{Field: field, Message: fmt.Sprintf("table %q appears more than once", group.Table)})
			continue
		}
		seen[group.Table] = true
		total += len(group.Rows)
	}

	if maxRows > 0 && total > maxRows {
		c.Add(&ValidationError{
			Field:   "upserts",
			Message: fmt.Sprintf("exceeds maximum of %d rows per push", maxRows),
		})
	}

	return c.Errors()
}
