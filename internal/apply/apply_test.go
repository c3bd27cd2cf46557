package apply_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/forge/internal/apply"
	"github.com/hyperengineering/forge/internal/store"
	forgesync "github.com/hyperengineering/forge/internal/sync"
	"github.com/hyperengineering/forge/internal/tables"
	"github.com/hyperengineering/forge/internal/txindex"
)

var (
	alice = forgesync.Principal{ID: "user-alice", Username: "alice", Role: "technician"}
	bob   = forgesync.Principal{ID: "user-bob", Username: "bob", Role: "technician"}
	admin = forgesync.Principal{ID: "user-root", Username: "root", Role: "admin"}
)

const (
	t1 = "2026-03-01T10:00:00Z"
	t2 = "2026-03-01T11:00:00Z"
	t3 = "2026-03-01T12:00:00Z"
)

// uid returns a deterministic UUID distinct from the well-known system ids.
func uid(n int) string {
	return fmt.Sprintf("10000000-0000-4000-8000-%012d", n)
}

type fields map[string]any

func group(t *testing.T, table string, rows ...fields) forgesync.TableRows {
	t.Helper()
	g := forgesync.TableRows{Table: table}
	for _, r := range rows {
		raw, err := json.Marshal(r)
		require.NoError(t, err)
		g.Rows = append(g.Rows, raw)
	}
	return g
}

func request(clientID string, groups ...forgesync.TableRows) forgesync.PushRequest {
	return forgesync.PushRequest{ClientID: clientID, Upserts: groups}
}

func setup(t *testing.T) (*apply.Coordinator, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return apply.NewCoordinator(s, []string{"admin"}), s
}

// fetch reads columns of canonical rows outside of any push.
func fetch(t *testing.T, s *store.SQLiteStore, table string, ids []string, cols ...string) map[string]tables.Row {
	t.Helper()
	ctx := context.Background()
	tx, err := s.BeginApply(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	rows, err := tx.FetchColumns(ctx, table, ids, cols)
	require.NoError(t, err)
	return rows
}

func ledger(t *testing.T, s *store.SQLiteStore) []forgesync.ChangeLogEntry {
	t.Helper()
	page, err := s.ListChangesSince(context.Background(), 0, forgesync.MaxPullLimit)
	require.NoError(t, err)
	return page.Changes
}

func engineType(id, updatedAt string) fields {
	return fields{"id": id, "code": "engine", "name": "Engine", "updated_at": updatedAt}
}

// seedEntity pushes an entity type and one entity of it.
func seedEntity(t *testing.T, c *apply.Coordinator, typeID, entityID string) {
	t.Helper()
	_, err := c.Apply(context.Background(), alice, request("seed",
		group(t, tables.EntityTypes, engineType(typeID, t1)),
		group(t, tables.Entities, fields{"id": entityID, "entity_type_id": typeID, "label": "ENG-001", "updated_at": t1}),
	), apply.Options{})
	require.NoError(t, err)
}

func TestApply_TypeAndDefInOnePush(t *testing.T) {
	// Given: a new entity type and an attribute def referencing it
	c, s := setup(t)
	ctx := context.Background()
	typeID, defID := uid(1), uid(2)

	// When
	res, err := c.Apply(ctx, alice, request("client-1",
		group(t, tables.EntityTypes, engineType(typeID, t1)),
		group(t, tables.AttributeDefs, fields{
			"id": defID, "entity_type_id": typeID, "code": "serial", "data_type": "text", "updated_at": t1,
		}),
	), apply.Options{})

	// Then: two rows applied, three ledger entries including presence
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.NotEmpty(t, res.BatchID)

	entries := ledger(t, s)
	require.Len(t, entries, 3)
	assert.Equal(t, tables.EntityTypes, entries[0].TableName)
	assert.Equal(t, tables.AttributeDefs, entries[1].TableName)
	assert.Equal(t, tables.Presence, entries[2].TableName)
	assert.Equal(t, alice.ID, entries[2].EntityID)
	for _, e := range entries {
		assert.Equal(t, res.BatchID, e.BatchID)
		assert.Equal(t, "client-1", e.SourceID)
	}

	// And: catch-up reproduces exactly those entries
	m := txindex.New(s, s, txindex.DefaultPageSize)
	inserted, err := m.EnsureUpToDate(ctx, txindex.Unbounded)
	require.NoError(t, err)
	assert.Equal(t, int64(3), inserted)

	rows, hasMore, err := s.ListIndexRows(ctx, 0, 10)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, entries[i].Sequence, r.ServerSeq)
		assert.Equal(t, entries[i].EntityID, r.RowID)
		assert.JSONEq(t, string(entries[i].Payload), string(r.Payload))
	}
}

func TestApply_IdempotentReplay(t *testing.T) {
	c, s := setup(t)
	ctx := context.Background()
	typeID, entityID := uid(1), uid(2)
	req := request("client-1",
		group(t, tables.EntityTypes, engineType(typeID, t1)),
		group(t, tables.Entities, fields{"id": entityID, "entity_type_id": typeID, "label": "ENG-001", "updated_at": t1}),
	)

	first, err := c.Apply(ctx, alice, req, apply.Options{})
	require.NoError(t, err)
	before := fetch(t, s, tables.Entities, []string{entityID}, "label", "updated_at", "last_server_seq")

	second, err := c.Apply(ctx, alice, req, apply.Options{})
	require.NoError(t, err)
	after := fetch(t, s, tables.Entities, []string{entityID}, "label", "updated_at", "last_server_seq")

	assert.Equal(t, 2, first.Applied)
	assert.Equal(t, 0, second.Applied)
	assert.Equal(t, 2, second.Dropped)
	assert.Equal(t, before, after)
}

func TestApply_LedgerIsGaplessAndSeqMonotonic(t *testing.T) {
	c, s := setup(t)
	ctx := context.Background()
	typeID := uid(1)

	var stamps []int64
	for _, ts := range []string{t1, t2, t3} {
		_, err := c.Apply(ctx, alice, request("client-1",
			group(t, tables.EntityTypes, engineType(typeID, ts)),
		), apply.Options{})
		require.NoError(t, err)

		row := fetch(t, s, tables.EntityTypes, []string{typeID}, "last_server_seq")[typeID]
		stamps = append(stamps, row["last_server_seq"].(int64))
	}

	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i], stamps[i-1])
	}
	for i, e := range ledger(t, s) {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestApply_NaturalKeyConvergesAcrossPushes(t *testing.T) {
	// Given: a canonical entity type with code engine
	c, s := setup(t)
	ctx := context.Background()
	canonical, minted, defID := uid(1), uid(2), uid(3)
	_, err := c.Apply(ctx, alice, request("client-a",
		group(t, tables.EntityTypes, engineType(canonical, t1)),
	), apply.Options{})
	require.NoError(t, err)

	// When: another client invents its own id for the same code and
	// references it from an attribute def
	_, err = c.Apply(ctx, bob, request("client-b",
		group(t, tables.EntityTypes, engineType(minted, t2)),
		group(t, tables.AttributeDefs, fields{
			"id": defID, "entity_type_id": minted, "code": "serial", "data_type": "text", "updated_at": t2,
		}),
	), apply.Options{})
	require.NoError(t, err)

	// Then: one canonical type, and the def points at it
	types := fetch(t, s, tables.EntityTypes, []string{canonical, minted}, "code")
	assert.Len(t, types, 1)
	assert.Contains(t, types, canonical)

	defs := fetch(t, s, tables.AttributeDefs, []string{defID}, "entity_type_id")
	assert.Equal(t, canonical, defs[defID].String("entity_type_id"))

	for _, e := range ledger(t, s) {
		assert.NotEqual(t, minted, e.EntityID)
	}
}

func TestApply_StaleRemappedRowDroppedSilently(t *testing.T) {
	c, s := setup(t)
	ctx := context.Background()
	canonical, minted := uid(1), uid(2)
	_, err := c.Apply(ctx, alice, request("client-a",
		group(t, tables.EntityTypes, engineType(canonical, t2)),
	), apply.Options{})
	require.NoError(t, err)

	older := engineType(minted, t1)
	older["name"] = "Old engine"
	res, err := c.Apply(ctx, bob, request("client-b", group(t, tables.EntityTypes, older)), apply.Options{})

	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	row := fetch(t, s, tables.EntityTypes, []string{canonical}, "name")[canonical]
	assert.Equal(t, "Engine", row.String("name"))
}

func TestApply_NaturalKeyCollapsesWithinPush(t *testing.T) {
	c, s := setup(t)
	ctx := context.Background()
	early, late, defID := uid(1), uid(2), uid(3)

	res, err := c.Apply(ctx, alice, request("client-1",
		group(t, tables.EntityTypes, engineType(early, t1), engineType(late, t2)),
		group(t, tables.AttributeDefs, fields{
			"id": defID, "entity_type_id": early, "code": "serial", "data_type": "text", "updated_at": t1,
		}),
	), apply.Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Applied)
	types := fetch(t, s, tables.EntityTypes, []string{early, late}, "code")
	assert.Len(t, types, 1)
	assert.Contains(t, types, late)
	defs := fetch(t, s, tables.AttributeDefs, []string{defID}, "entity_type_id")
	assert.Equal(t, late, defs[defID].String("entity_type_id"))
}

func TestApply_RenameOntoTakenKeyIsConflict(t *testing.T) {
	// Given: canonical types pump and engine
	c, s := setup(t)
	ctx := context.Background()
	pump, engine, entityID := uid(1), uid(2), uid(3)
	_, err := c.Apply(ctx, alice, request("client-a", group(t, tables.EntityTypes,
		fields{"id": pump, "code": "pump", "name": "Pump", "updated_at": t1},
		engineType(engine, t1),
	)), apply.Options{})
	require.NoError(t, err)
	before := len(ledger(t, s))

	// When: a client renames pump to the code engine already holds and adds
	// an entity of pump
	req := request("client-b",
		group(t, tables.EntityTypes, fields{"id": pump, "code": "engine", "name": "Pump v2", "updated_at": t2}),
		group(t, tables.Entities, fields{"id": entityID, "entity_type_id": pump, "label": "P-1", "updated_at": t2}),
	)
	_, err = c.Apply(ctx, bob, req, apply.Options{})

	// Then: the push fails and neither type is touched
	require.Error(t, err)
	assert.True(t, errors.Is(err, apply.ErrConflict))
	assert.Equal(t, "sync_conflict: entity_types (1)", err.Error())
	assert.Len(t, ledger(t, s), before)

	// And: when conflicts are tolerated only the rename is dropped and the
	// entity keeps pointing at pump
	res, err := c.Apply(ctx, bob, req, apply.Options{AllowConflicts: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Dropped)

	types := fetch(t, s, tables.EntityTypes, []string{pump, engine}, "code", "name")
	assert.Equal(t, tables.Row{"id": pump, "code": "pump", "name": "Pump"}, types[pump])
	assert.Equal(t, tables.Row{"id": engine, "code": "engine", "name": "Engine"}, types[engine])
	entity := fetch(t, s, tables.Entities, []string{entityID}, "entity_type_id")[entityID]
	assert.Equal(t, pump, entity.String("entity_type_id"))
}

func TestApply_RenameOntoFreeKeyAbsorbsMintedRow(t *testing.T) {
	c, s := setup(t)
	ctx := context.Background()
	pump, minted, defID := uid(1), uid(2), uid(3)
	_, err := c.Apply(ctx, alice, request("client-a", group(t, tables.EntityTypes,
		fields{"id": pump, "code": "pump", "name": "Pump", "updated_at": t1},
	)), apply.Options{})
	require.NoError(t, err)

	// pump is renamed to gearbox while a newer minted row claims the same code.
	_, err = c.Apply(ctx, bob, request("client-b",
		group(t, tables.EntityTypes,
			fields{"id": pump, "code": "gearbox", "name": "Gearbox", "updated_at": t2},
			fields{"id": minted, "code": "gearbox", "name": "Gearbox v2", "updated_at": t3},
		),
		group(t, tables.AttributeDefs, fields{
			"id": defID, "entity_type_id": minted, "code": "ratio", "data_type": "number", "updated_at": t3,
		}),
	), apply.Options{})
	require.NoError(t, err)

	types := fetch(t, s, tables.EntityTypes, []string{pump, minted}, "code", "name")
	require.Len(t, types, 1)
	assert.Equal(t, "gearbox", types[pump].String("code"))
	assert.Equal(t, "Gearbox v2", types[pump].String("name"))
	defs := fetch(t, s, tables.AttributeDefs, []string{defID}, "entity_type_id")
	assert.Equal(t, pump, defs[defID].String("entity_type_id"))
}

func TestApply_ConcurrentPushesConvergeOnOneKey(t *testing.T) {
	// Given: a file-backed store shared by twenty tablets
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "forge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	c := apply.NewCoordinator(s, []string{"admin"})
	ctx := context.Background()

	// When: each pushes its own id for code engine at the same time
	const n = 20
	ids := make([]string, n)
	reqs := make([]forgesync.PushRequest, n)
	for i := range ids {
		ids[i] = uid(i + 1)
		reqs[i] = request(fmt.Sprintf("tablet-%02d", i), group(t, tables.EntityTypes, engineType(ids[i], t1)))
	}
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for _, req := range reqs {
		wg.Add(1)
		go func(req forgesync.PushRequest) {
			defer wg.Done()
			_, err := c.Apply(ctx, alice, req, apply.Options{})
			errs <- err
		}(req)
	}
	wg.Wait()
	close(errs)

	// Then: every push succeeds and exactly one canonical row exists
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, fetch(t, s, tables.EntityTypes, ids, "code"), 1)
	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.RowCounts[tables.EntityTypes])

	// And: the ledger holds the one type plus a heartbeat per push, gapless
	entries := ledger(t, s)
	require.Len(t, entries, n+1)
	types := 0
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
		if e.TableName == tables.EntityTypes {
			types++
		}
	}
	assert.Equal(t, 1, types)
}

func TestApply_MissingDependencyRollsBackWholePush(t *testing.T) {
	// Given: valid type and entity rows followed by a value whose def
	// exists nowhere
	c, s := setup(t)
	ctx := context.Background()
	typeID, entityID := uid(1), uid(2)

	// When
	_, err := c.Apply(ctx, alice, request("client-1",
		group(t, tables.EntityTypes, engineType(typeID, t1)),
		group(t, tables.Entities, fields{"id": entityID, "entity_type_id": typeID, "updated_at": t1}),
		group(t, tables.AttributeValues, fields{
			"id": uid(3), "entity_id": entityID, "attribute_def_id": uid(99), "value": "x", "updated_at": t1,
		}),
	), apply.Options{})

	// Then: the error names the failing group and nothing was committed
	require.Error(t, err)
	assert.True(t, errors.Is(err, apply.ErrDependencyMissing))
	assert.Equal(t, "sync_dependency_missing: attribute_values (1)", err.Error())

	var se *apply.SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, tables.AttributeValues, se.Table)
	assert.Equal(t, 1, se.Count)

	assert.Empty(t, fetch(t, s, tables.EntityTypes, []string{typeID}, "code"))
	assert.Empty(t, ledger(t, s))
}

func TestApply_ConflictFailsUnlessTolerated(t *testing.T) {
	c, s := setup(t)
	ctx := context.Background()
	typeID := uid(1)
	_, err := c.Apply(ctx, alice, request("client-1", group(t, tables.EntityTypes, engineType(typeID, t1))), apply.Options{})
	require.NoError(t, err)
	_, err = c.Apply(ctx, alice, request("client-1", group(t, tables.EntityTypes, engineType(typeID, t2))), apply.Options{})
	require.NoError(t, err)

	// A write based on the first version is behind the canonical seq.
	stale := engineType(typeID, t3)
	stale["name"] = "Stale"
	stale["last_server_seq"] = 1
	req := request("client-2", group(t, tables.EntityTypes, stale))

	_, err = c.Apply(ctx, bob, req, apply.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apply.ErrConflict))
	assert.Equal(t, "sync_conflict: entity_types (1)", err.Error())

	res, err := c.Apply(ctx, bob, req, apply.Options{AllowConflicts: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, "Engine", fetch(t, s, tables.EntityTypes, []string{typeID}, "name")[typeID].String("name"))
}

func TestApply_SenderSpoofingOverwritten(t *testing.T) {
	c, s := setup(t)
	ctx := context.Background()
	msgID := uid(1)

	_, err := c.Apply(ctx, alice, request("client-1", group(t, tables.ChatMessages, fields{
		"id": msgID, "sender_user_id": "user-mallory", "sender_username": "mallory", "body": "hi", "updated_at": t1,
	})), apply.Options{})
	require.NoError(t, err)

	row := fetch(t, s, tables.ChatMessages, []string{msgID}, "sender_user_id", "sender_username")[msgID]
	assert.Equal(t, alice.ID, row.String("sender_user_id"))
	assert.Equal(t, alice.Username, row.String("sender_username"))
}

func TestApply_ChatMessageAuthorship(t *testing.T) {
	c, s := setup(t)
	ctx := context.Background()
	msgID := uid(1)
	_, err := c.Apply(ctx, alice, request("client-1", group(t, tables.ChatMessages, fields{
		"id": msgID, "body": "hi", "updated_at": t1,
	})), apply.Options{})
	require.NoError(t, err)

	edit := group(t, tables.ChatMessages, fields{"id": msgID, "body": "edited", "updated_at": t2})

	_, err = c.Apply(ctx, bob, request("client-2", edit), apply.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apply.ErrPolicyDenied))

	_, err = c.Apply(ctx, admin, request("client-3", edit), apply.Options{})
	require.NoError(t, err)

	row := fetch(t, s, tables.ChatMessages, []string{msgID}, "body", "sender_user_id")[msgID]
	assert.Equal(t, "edited", row.String("body"))
	assert.Equal(t, alice.ID, row.String("sender_user_id"))
}

func TestApply_ChatReads(t *testing.T) {
	c, s := setup(t)
	ctx := context.Background()
	msgID, readID := uid(1), uid(2)
	_, err := c.Apply(ctx, alice, request("client-1", group(t, tables.ChatMessages, fields{
		"id": msgID, "body": "hi", "updated_at": t1,
	})), apply.Options{})
	require.NoError(t, err)

	// A read of a missing message is dropped, the push still succeeds.
	res, err := c.Apply(ctx, bob, request("client-2", group(t, tables.ChatReads,
		fields{"id": readID, "message_id": msgID, "read_at": t2, "updated_at": t2},
		fields{"id": uid(3), "message_id": uid(404), "read_at": t2, "updated_at": t2},
	)), apply.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, bob.ID, fetch(t, s, tables.ChatReads, []string{readID}, "user_id")[readID].String("user_id"))

	// Another user may not rewrite bob's receipt.
	_, err = c.Apply(ctx, alice, request("client-1", group(t, tables.ChatReads,
		fields{"id": readID, "message_id": msgID, "read_at": t3, "updated_at": t3},
	)), apply.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apply.ErrPolicyDenied))
}

func TestApply_NoteSharePolicy(t *testing.T) {
	c, s := setup(t)
	ctx := context.Background()
	typeID, entityID, noteID, shareID := uid(1), uid(2), uid(3), uid(4)
	seedEntity(t, c, typeID, entityID)

	_, err := c.Apply(ctx, alice, request("client-1", group(t, tables.Notes, fields{
		"id": noteID, "entity_id": entityID, "title": "Crank", "body": "check", "updated_at": t1,
	})), apply.Options{})
	require.NoError(t, err)

	share := func(permission, updatedAt string) forgesync.TableRows {
		return group(t, tables.NoteShares, fields{
			"id": shareID, "note_id": noteID, "recipient_user_id": bob.ID, "permission": permission, "updated_at": updatedAt,
		})
	}

	t.Run("recipient cannot create share", func(t *testing.T) {
		_, err := c.Apply(ctx, bob, request("client-2", share("edit", t1)), apply.Options{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, apply.ErrPolicyDenied))
	})

	t.Run("owner creates share", func(t *testing.T) {
		_, err := c.Apply(ctx, alice, request("client-1", share("read", t1)), apply.Options{})
		require.NoError(t, err)
	})

	t.Run("recipient touches share unchanged", func(t *testing.T) {
		_, err := c.Apply(ctx, bob, request("client-2", share("read", t2)), apply.Options{})
		require.NoError(t, err)
	})

	t.Run("recipient cannot escalate permission", func(t *testing.T) {
		_, err := c.Apply(ctx, bob, request("client-2", share("edit", t3)), apply.Options{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, apply.ErrPolicyDenied))
	})

	t.Run("owner changes permission", func(t *testing.T) {
		_, err := c.Apply(ctx, alice, request("client-1", share("edit", t3)), apply.Options{})
		require.NoError(t, err)
		row := fetch(t, s, tables.NoteShares, []string{shareID}, "permission")[shareID]
		assert.Equal(t, tables.PermissionEdit, row.String("permission"))
	})
}

func TestApply_NoteOwnerPreserved(t *testing.T) {
	c, s := setup(t)
	ctx := context.Background()
	typeID, entityID, noteID := uid(1), uid(2), uid(3)
	seedEntity(t, c, typeID, entityID)

	_, err := c.Apply(ctx, alice, request("client-1", group(t, tables.Notes, fields{
		"id": noteID, "entity_id": entityID, "title": "Crank", "updated_at": t1,
	})), apply.Options{})
	require.NoError(t, err)

	_, err = c.Apply(ctx, bob, request("client-2", group(t, tables.Notes, fields{
		"id": noteID, "entity_id": entityID, "title": "Mine now", "updated_at": t2,
	})), apply.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apply.ErrPolicyDenied))

	row := fetch(t, s, tables.Notes, []string{noteID}, "owner_user_id", "title")[noteID]
	assert.Equal(t, alice.ID, row.String("owner_user_id"))
	assert.Equal(t, "Crank", row.String("title"))
}

func TestApply_SystemContainerEnsured(t *testing.T) {
	c, s := setup(t)
	ctx := context.Background()
	opID := uid(1)

	res, err := c.Apply(ctx, alice, request("client-1", group(t, tables.Operations, fields{
		"id": opID, "entity_id": tables.SystemContainerEntityID, "operation_type": "sync_reset",
		"performed_at": t1, "updated_at": t1,
	})), apply.Options{CollectChanges: true})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Applied)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, tables.Operations, res.Changes[0].Table)

	entity := fetch(t, s, tables.Entities, []string{tables.SystemContainerEntityID}, "entity_type_id")
	require.Contains(t, entity, tables.SystemContainerEntityID)
	assert.Equal(t, tables.SystemContainerTypeID, entity[tables.SystemContainerEntityID].String("entity_type_id"))

	// A second operation does not rewrite the container.
	before := len(ledger(t, s))
	_, err = c.Apply(ctx, alice, request("client-1", group(t, tables.Operations, fields{
		"id": uid(2), "entity_id": tables.SystemContainerEntityID, "operation_type": "sync_reset", "updated_at": t2,
	})), apply.Options{})
	require.NoError(t, err)
	assert.Len(t, ledger(t, s), before+2)
}

func TestApply_SystemContainerKeepsRenamedType(t *testing.T) {
	// Given: the well-known system type id was pushed under another code
	c, s := setup(t)
	ctx := context.Background()
	_, err := c.Apply(ctx, alice, request("client-1", group(t, tables.EntityTypes, fields{
		"id": tables.SystemContainerTypeID, "code": "generator", "name": "Generator", "updated_at": t2,
	})), apply.Options{})
	require.NoError(t, err)

	// When
	_, err = c.Apply(ctx, alice, request("client-1", group(t, tables.Operations, fields{
		"id": uid(1), "entity_id": tables.SystemContainerEntityID, "operation_type": "sync_reset", "updated_at": t3,
	})), apply.Options{})

	// Then: the container uses that type without rewriting it
	require.NoError(t, err)
	typeRow := fetch(t, s, tables.EntityTypes, []string{tables.SystemContainerTypeID}, "code", "name", "updated_at")[tables.SystemContainerTypeID]
	assert.Equal(t, "generator", typeRow.String("code"))
	assert.Equal(t, "Generator", typeRow.String("name"))
	assert.Equal(t, "2026-03-01T11:00:00.000000000Z", typeRow.String("updated_at"))
	entity := fetch(t, s, tables.Entities, []string{tables.SystemContainerEntityID}, "entity_type_id")
	assert.Equal(t, tables.SystemContainerTypeID, entity[tables.SystemContainerEntityID].String("entity_type_id"))
}

func TestApply_AttributeValueBinding(t *testing.T) {
	c, s := setup(t)
	ctx := context.Background()
	typeID, entityID, defID := uid(1), uid(2), uid(3)
	goodID, badID := uid(4), uid(5)
	seedEntity(t, c, typeID, entityID)

	res, err := c.Apply(ctx, alice, request("client-1",
		group(t, tables.AttributeDefs, fields{
			"id": defID, "entity_type_id": typeID, "code": "hours", "data_type": "number", "updated_at": t1,
		}),
		group(t, tables.AttributeValues,
			fields{"id": goodID, "entity_id": entityID, "attribute_def_id": defID, "value": 1200, "updated_at": t1},
			fields{"id": badID, "entity_id": entityID, "attribute_def_id": defID, "value": "lots", "updated_at": t1},
		),
	), apply.Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.Dropped)
	values := fetch(t, s, tables.AttributeValues, []string{goodID, badID}, "value_number", "value_text")
	require.Len(t, values, 1)
	assert.Equal(t, float64(1200), values[goodID]["value_number"])
	assert.Nil(t, values[goodID]["value_text"])
}

func TestApply_InvalidRowsDropped(t *testing.T) {
	c, _ := setup(t)
	res, err := c.Apply(context.Background(), alice, request("client-1", group(t, tables.EntityTypes,
		engineType(uid(1), t1),
		fields{"id": "not-a-uuid", "code": "pump", "updated_at": t1},
		fields{"id": uid(2), "code": "gearbox"},
	)), apply.Options{})

	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 2, res.Dropped)
}

func TestApply_CollectChangesExcludesPresence(t *testing.T) {
	c, s := setup(t)
	res, err := c.Apply(context.Background(), alice, request("client-1",
		group(t, tables.EntityTypes, engineType(uid(1), t1)),
	), apply.Options{CollectChanges: true})
	require.NoError(t, err)

	require.Len(t, res.Changes, 1)
	assert.Equal(t, forgesync.OperationUpsert, res.Changes[0].Op)
	assert.Equal(t, uid(1), res.Changes[0].RowID)

	presence := fetch(t, s, tables.Presence, []string{alice.ID}, "username", "client_id")
	assert.Equal(t, "client-1", presence[alice.ID].String("client_id"))
}

func TestApply_TombstoneLedgeredAsDelete(t *testing.T) {
	c, s := setup(t)
	ctx := context.Background()
	typeID := uid(1)
	_, err := c.Apply(ctx, alice, request("client-1", group(t, tables.EntityTypes, engineType(typeID, t1))), apply.Options{})
	require.NoError(t, err)

	gone := engineType(typeID, t2)
	gone["deleted_at"] = t2
	_, err = c.Apply(ctx, alice, request("client-1", group(t, tables.EntityTypes, gone)), apply.Options{})
	require.NoError(t, err)

	entries := ledger(t, s)
	require.Len(t, entries, 4)
	assert.Equal(t, forgesync.OperationDelete, entries[2].Operation)
}

func TestApply_RejectsBadRequests(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()

	_, err := c.Apply(ctx, forgesync.Principal{}, request("client-1"), apply.Options{})
	assert.True(t, errors.Is(err, apply.ErrPolicyDenied))

	_, err = c.Apply(ctx, alice, request(""), apply.Options{})
	assert.True(t, errors.Is(err, apply.ErrInvalidRequest))

	_, err = c.Apply(ctx, alice, request("client-1", group(t, tables.Presence, fields{"id": alice.ID})), apply.Options{})
	assert.True(t, errors.Is(err, apply.ErrInvalidRequest))
}

func TestApply_IndexRebuildMatchesIncremental(t *testing.T) {
	// Given: an index kept current after every push
	c, s := setup(t)
	ctx := context.Background()
	m := txindex.New(s, s, 2)
	for i, ts := range []string{t1, t2, t3} {
		_, err := c.Apply(ctx, alice, request("client-1",
			group(t, tables.EntityTypes, engineType(uid(1), ts)),
			group(t, tables.ChatMessages, fields{"id": uid(10 + i), "body": "msg", "updated_at": ts}),
		), apply.Options{})
		require.NoError(t, err)
		_, err = m.EnsureUpToDate(ctx, txindex.Unbounded)
		require.NoError(t, err)
	}
	incremental, _, err := s.ListIndexRows(ctx, 0, forgesync.MaxPullLimit)
	require.NoError(t, err)

	// When: the index is rebuilt and caught up again
	_, err = m.Rebuild(ctx)
	require.NoError(t, err)
	_, err = m.EnsureUpToDate(ctx, txindex.Unbounded)
	require.NoError(t, err)

	// Then
	rebuilt, _, err := s.ListIndexRows(ctx, 0, forgesync.MaxPullLimit)
	require.NoError(t, err)
	assert.Equal(t, incremental, rebuilt)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Lag)
	assert.Equal(t, int64(9), status.IndexRows)
}
