package tables

// Table names.
const (
	EntityTypes     = "entity_types"
	Entities        = "entities"
	AttributeDefs   = "attribute_defs"
	AttributeValues = "attribute_values"
	Operations      = "operations"
	AuditLog        = "audit_log"
	ChatMessages    = "chat_messages"
	ChatReads       = "chat_reads"
	Notes           = "notes"
	NoteShares      = "note_shares"
	Presence        = "presence"
)

// ValueField is the request field carrying an attribute value before it is
// bound to a typed column.
const ValueField = "value"

// Share permissions.
const (
	PermissionRead = "read"
	PermissionEdit = "edit"
)

// ordered lists the client-pushable tables in dependency order: a table
// only references tables that appear before it.
var ordered = []*Spec{
	{
		Name:       EntityTypes,
		Columns:    []string{"code", "name"},
		NaturalKey: []string{"code"},
		Normalize:  []string{"code"},
		Required:   []string{"code"},
	},
	{
		Name:    Entities,
		Columns: []string{"entity_type_id", "label", "data_json"},
		ForeignKeys: []ForeignKey{
			{Column: "entity_type_id", References: EntityTypes},
		},
	},
	{
		Name:    AttributeDefs,
		Columns: []string{"entity_type_id", "code", "name", "data_type", "sort_order"},
		ForeignKeys: []ForeignKey{
			{Column: "entity_type_id", References: EntityTypes},
		},
		NaturalKey: []string{"entity_type_id", "code"},
		Normalize:  []string{"code"},
		Required:   []string{"code", "data_type"},
		Enums: map[string][]string{
			"data_type": {string(TypeText), string(TypeNumber), string(TypeBoolean), string(TypeLink), string(TypeJSON)},
		},
		Defaults: map[string]any{"sort_order": int64(0)},
	},
	{
		Name: AttributeValues,
		Columns: []string{
			"entity_id", "attribute_def_id",
			"value_text", "value_number", "value_bool", "value_link", "value_json",
		},
		ForeignKeys: []ForeignKey{
			{Column: "entity_id", References: Entities},
			{Column: "attribute_def_id", References: AttributeDefs},
		},
		Extra: []string{ValueField},
	},
	{
		Name:    Operations,
		Columns: []string{"entity_id", "operation_type", "status", "performed_at", "meta_json"},
		ForeignKeys: []ForeignKey{
			{Column: "entity_id", References: Entities},
		},
		Required:   []string{"operation_type"},
		Timestamps: []string{"performed_at"},
	},
	{
		Name:     AuditLog,
		Columns:  []string{"actor_user_id", "actor_username", "action", "target_table", "target_row_id", "details_json"},
		Required: []string{"actor_user_id", "action"},
		Scope:    ScopeActor,
	},
	{
		Name:    ChatMessages,
		Columns: []string{"entity_id", "sender_user_id", "sender_username", "recipient_user_id", "body"},
		ForeignKeys: []ForeignKey{
			{Column: "entity_id", References: Entities, Optional: true},
		},
		Required: []string{"sender_user_id", "body"},
		Scope:    ScopeSender,
	},
	{
		Name:    ChatReads,
		Columns: []string{"message_id", "user_id", "read_at"},
		ForeignKeys: []ForeignKey{
			{Column: "message_id", References: ChatMessages},
		},
		Required:   []string{"user_id"},
		Timestamps: []string{"read_at"},
		Scope:      ScopeReader,
		MissingRef: DropOnMissing,
	},
	{
		Name:    Notes,
		Columns: []string{"entity_id", "owner_user_id", "owner_username", "title", "body"},
		ForeignKeys: []ForeignKey{
			{Column: "entity_id", References: Entities},
		},
		Required: []string{"owner_user_id"},
		Scope:    ScopeOwner,
	},
	{
		Name:    NoteShares,
		Columns: []string{"note_id", "recipient_user_id", "permission"},
		ForeignKeys: []ForeignKey{
			{Column: "note_id", References: Notes},
		},
		Required: []string{"recipient_user_id", "permission"},
		Enums:    map[string][]string{"permission": {PermissionRead, PermissionEdit}},
		Defaults: map[string]any{"permission": PermissionRead},
		Scope:    ScopeShare,
	},
}

// PresenceSpec describes the server-written presence heartbeat table. It is
// not accepted from clients.
var PresenceSpec = &Spec{
	Name:       Presence,
	Columns:    []string{"username", "client_id", "last_active_at"},
	Required:   []string{"last_active_at"},
	Timestamps: []string{"last_active_at"},
	Scope:      ScopeHeartbeat,
}

var byName = func() map[string]*Spec {
	m := make(map[string]*Spec, len(ordered)+1)
	for _, s := range ordered {
		m[s.Name] = s
	}
	m[PresenceSpec.Name] = PresenceSpec
	return m
}()

// Ordered returns the client-pushable tables in dependency order.
func Ordered() []*Spec {
	out := make([]*Spec, len(ordered))
	copy(out, ordered)
	return out
}

// Get returns the spec for any known table, including presence.
func Get(name string) (*Spec, bool) {
	s, ok := byName[name]
	return s, ok
}

// Pushable reports whether clients may push rows for the named table.
func Pushable(name string) bool {
	s, ok := byName[name]
	return ok && s.Scope != ScopeHeartbeat
}

// Names returns all known table names, pushable tables first in dependency
// order followed by presence.
func Names() []string {
	names := make([]string, 0, len(ordered)+1)
	for _, s := range ordered {
		names = append(names, s.Name)
	}
	return append(names, PresenceSpec.Name)
}
