package tables

import "time"

// The system container is a well-known entity that owns operations not tied
// to a user-created entity. Clients reference it by these fixed ids; the
// server creates it on first use.
const (
	SystemContainerTypeID   = "00000000-0000-4000-8000-000000000001"
	SystemContainerTypeCode = "system"
	SystemContainerEntityID = "00000000-0000-4000-8000-000000000002"
)

// SystemContainerRows returns the prepared entity_types and entities rows of
// the system container, timestamped at epoch so that any client edit wins.
func SystemContainerRows() (typeRow, entityRow Row) {
	epoch := FormatTime(time.Unix(0, 0))
	typeRow = Row{
		ColID:        SystemContainerTypeID,
		"code":       SystemContainerTypeCode,
		"name":       "System",
		ColCreatedAt: epoch,
		ColUpdatedAt: epoch,
		ColDeletedAt: nil,
	}
	entityRow = Row{
		ColID:            SystemContainerEntityID,
		"entity_type_id": SystemContainerTypeID,
		"label":          "System container",
		"data_json":      nil,
		ColCreatedAt:     epoch,
		ColUpdatedAt:     epoch,
		ColDeletedAt:     nil,
	}
	return typeRow, entityRow
}
