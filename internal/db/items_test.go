package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func addSingle(t *testing.T, database *DB, userID, prompt string) string {
	t.Helper()
	id, err := database.AddItem(context.Background(), userID, NewItem{
		Type:     ItemTypeSingle,
		Prompt:   prompt,
		SourceID: "sources/github/acme/widgets",
	})
	require.NoError(t, err)
	return id
}

func TestAddItem_Defaults(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	id := addSingle(t, database, "user-1", "hello")
	item, err := database.GetItem(ctx, "user-1", id)
	require.NoError(t, err)

	assert.Equal(t, ItemStatusPending, item.Status)
	assert.Equal(t, ItemTypeSingle, item.Type)
	assert.Equal(t, "user-1", item.UserID)
	assert.Equal(t, DefaultBranch, item.Branch)
	assert.True(t, item.AutoOpen)
	require.NotNil(t, item.Prompt)
	assert.Equal(t, "hello", *item.Prompt)
	assert.Nil(t, item.Remaining)
	assert.Nil(t, item.TotalCount)
	assert.Nil(t, item.ScheduledAt)
	assert.Zero(t, item.RetryCount)
	assert.False(t, item.CreatedAt.IsZero())
}

func TestAddItem_Subtasks(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	autoOpen := false

	id, err := database.AddItem(ctx, "user-1", NewItem{
		Type:     ItemTypeSubtasks,
		Subtasks: []Subtask{{FullContent: "a"}, {FullContent: "b"}},
		SourceID: "sources/github/acme/widgets",
		Branch:   "main",
		AutoOpen: &autoOpen,
	})
	require.NoError(t, err)

	item, err := database.GetItem(ctx, "user-1", id)
	require.NoError(t, err)
	assert.Nil(t, item.Prompt)
	assert.Equal(t, []Subtask{{FullContent: "a"}, {FullContent: "b"}}, item.Remaining)
	require.NotNil(t, item.TotalCount)
	assert.Equal(t, 2, *item.TotalCount)
	assert.Equal(t, "main", item.Branch)
	assert.False(t, item.AutoOpen)
}

func TestAddItem_RejectsInvalid(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name string
		item NewItem
		want error
	}{
		{"missing prompt", NewItem{Type: ItemTypeSingle, SourceID: "sources/github/a/b"}, ErrInvalidItem},
		{"both sides", NewItem{Type: ItemTypeSingle, Prompt: "x", Subtasks: []Subtask{{"y"}}, SourceID: "sources/github/a/b"}, ErrInvalidItem},
		{"no subtasks", NewItem{Type: ItemTypeSubtasks, SourceID: "sources/github/a/b"}, ErrInvalidItem},
		{"empty subtask", NewItem{Type: ItemTypeSubtasks, Subtasks: []Subtask{{"one"}, {" \n "}}, SourceID: "sources/github/a/b"}, ErrInvalidItem},
		{"bad source", NewItem{Type: ItemTypeSingle, Prompt: "x", SourceID: "github/a/b"}, ErrInvalidSourceID},
		{"unknown type", NewItem{Type: "batch", Prompt: "x", SourceID: "sources/github/a/b"}, ErrInvalidItem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := database.AddItem(ctx, "user-1", tt.item)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestListItems_NewestFirstAndScopedToUser(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	database.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first := addSingle(t, database, "user-1", "first")
	second := addSingle(t, database, "user-1", "second")
	addSingle(t, database, "user-2", "other")

	items, err := database.ListItems(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, second, items[0].ID)
	assert.Equal(t, first, items[1].ID)
}

func TestUpdateItem_TombstonesFields(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	id := addSingle(t, database, "user-1", "hello")

	err := database.UpdateItem(ctx, "user-1", id, Patch{
		FieldType:       ItemTypeSubtasks,
		FieldRemaining:  []Subtask{{FullContent: "hello"}},
		FieldTotalCount: 1,
		FieldPrompt:     Delete,
	})
	require.NoError(t, err)

	item, err := database.GetItem(ctx, "user-1", id)
	require.NoError(t, err)
	assert.Equal(t, ItemTypeSubtasks, item.Type)
	assert.Nil(t, item.Prompt, "prompt should be removed, not emptied")
	assert.Equal(t, []Subtask{{FullContent: "hello"}}, item.Remaining)
}

func TestUpdateItem_EmptyRemainingIsAllowed(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	id, err := database.AddItem(ctx, "user-1", NewItem{
		Type:     ItemTypeSubtasks,
		Subtasks: []Subtask{{FullContent: "a"}},
		SourceID: "sources/github/a/b",
	})
	require.NoError(t, err)

	require.NoError(t, database.UpdateItem(ctx, "user-1", id, Patch{FieldRemaining: []Subtask{}, FieldTotalCount: 0}))

	item, err := database.GetItem(ctx, "user-1", id)
	require.NoError(t, err)
	assert.NotNil(t, item.Remaining)
	assert.Empty(t, item.Remaining)
}

func TestUpdateItem_Errors(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	id := addSingle(t, database, "user-1", "hello")

	assert.ErrorIs(t, database.UpdateItem(ctx, "user-1", "missing", Patch{FieldBranch: "main"}), ErrNotFound)
	assert.ErrorIs(t, database.UpdateItem(ctx, "user-2", id, Patch{FieldBranch: "main"}), ErrNotFound)
	assert.Error(t, database.UpdateItem(ctx, "user-1", id, Patch{FieldStatus: Delete}))
	assert.Error(t, database.UpdateItem(ctx, "user-1", id, Patch{"bogus": "x"}))
	assert.Error(t, database.UpdateItem(ctx, "user-1", id, Patch{}))
}

func TestClaimAndUpdateIdleItem(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := addSingle(t, database, "user-1", "hello")

	claimed, err := database.ClaimItem(ctx, "user-1", id, now)
	require.NoError(t, err)
	assert.False(t, claimed, "pending items cannot be claimed")

	require.NoError(t, database.UpdateItem(ctx, "user-1", id, Patch{
		FieldStatus:      ItemStatusScheduled,
		FieldScheduledAt: now.Add(-time.Second),
	}))

	claimed, err = database.ClaimItem(ctx, "user-1", id, now)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = database.ClaimItem(ctx, "user-1", id, now)
	require.NoError(t, err)
	assert.False(t, claimed, "second claim must lose")

	err = database.UpdateIdleItem(ctx, "user-1", id, Patch{FieldBranch: "main"})
	assert.ErrorIs(t, err, ErrItemBusy)

	err = database.UpdateIdleItem(ctx, "user-1", "missing", Patch{FieldBranch: "main"})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, database.DeleteIdleItem(ctx, "user-1", id), ErrItemBusy)
	assert.ErrorIs(t, database.DeleteIdleItem(ctx, "user-1", "missing"), ErrNotFound)

	idle := addSingle(t, database, "user-1", "idle")
	require.NoError(t, database.DeleteIdleItem(ctx, "user-1", idle))
}

func TestListDueItems_AcrossTenants(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dueA := addSingle(t, database, "user-a", "a")
	dueB := addSingle(t, database, "user-b", "b")
	future := addSingle(t, database, "user-a", "later")
	addSingle(t, database, "user-b", "pending")

	require.NoError(t, database.UpdateItem(ctx, "user-a", dueA, Patch{FieldStatus: ItemStatusScheduled, FieldScheduledAt: now.Add(-time.Minute)}))
	require.NoError(t, database.UpdateItem(ctx, "user-b", dueB, Patch{FieldStatus: ItemStatusScheduled, FieldScheduledAt: now}))
	require.NoError(t, database.UpdateItem(ctx, "user-a", future, Patch{FieldStatus: ItemStatusScheduled, FieldScheduledAt: now.Add(time.Hour)}))

	items, err := database.ListDueItems(ctx, now)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, dueA, items[0].ID)
	assert.Equal(t, "user-a", items[0].UserID)
	assert.Equal(t, dueB, items[1].ID)
	assert.Equal(t, "user-b", items[1].UserID)
}

func TestDeleteItem(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	id := addSingle(t, database, "user-1", "hello")

	require.NoError(t, database.DeleteItem(ctx, "user-1", id))
	_, err := database.GetItem(ctx, "user-1", id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, database.DeleteItem(ctx, "user-1", id), ErrNotFound)
}

func TestCountItemsByStatus(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	addSingle(t, database, "user-1", "a")
	addSingle(t, database, "user-2", "b")
	id := addSingle(t, database, "user-2", "c")
	require.NoError(t, database.UpdateItem(ctx, "user-2", id, Patch{FieldStatus: ItemStatusScheduled}))

	counts, err := database.CountItemsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[ItemStatusPending])
	assert.Equal(t, int64(1), counts[ItemStatusScheduled])
	assert.Zero(t, counts[ItemStatusError])
}

func TestRecoverStaleItems(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := addSingle(t, database, "user-1", "stale")
	fresh := addSingle(t, database, "user-1", "fresh")
	require.NoError(t, database.UpdateItem(ctx, "user-1", stale, Patch{FieldStatus: ItemStatusInProgress, FieldLastAttemptAt: now.Add(-time.Hour)}))
	require.NoError(t, database.UpdateItem(ctx, "user-1", fresh, Patch{FieldStatus: ItemStatusInProgress, FieldLastAttemptAt: now}))

	n, err := database.RecoverStaleItems(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	item, err := database.GetItem(ctx, "user-1", stale)
	require.NoError(t, err)
	assert.Equal(t, ItemStatusError, item.Status)
	assert.NotEmpty(t, item.Error)

	item, err = database.GetItem(ctx, "user-1", fresh)
	require.NoError(t, err)
	assert.Equal(t, ItemStatusInProgress, item.Status)
}

func TestJulesKeysAndProfiles(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	_, err := database.GetJulesKey(ctx, "user-1")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = database.SaveJulesKey(ctx, "user-1", "c2VjcmV0")
	require.NoError(t, err)

	rec, err := database.GetJulesKey(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "c2VjcmV0", rec.Key)
	assert.False(t, rec.StoredAt.IsZero())

	require.NoError(t, database.DeleteJulesKey(ctx, "user-1"))
	_, err = database.GetJulesKey(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = database.GetUserTimeZone(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, database.SaveUserTimeZone(ctx, "user-1", "Europe/Berlin"))
	tz, err := database.GetUserTimeZone(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", tz)
}

func TestUpdateIdleItemIfUnchanged(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	id, err := database.AddItem(ctx, "user-1", NewItem{
		Type:     ItemTypeSubtasks,
		Subtasks: []Subtask{{FullContent: "a"}, {FullContent: "b"}},
		SourceID: "sources/github/a/b",
	})
	require.NoError(t, err)

	read, err := database.GetItem(ctx, "user-1", id)
	require.NoError(t, err)
	assert.Nil(t, read.UpdatedAt)

	// a write that lands between the read and the guarded update
	popped := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, database.UpdateItem(ctx, "user-1", id, Patch{
		FieldRemaining: []Subtask{{FullContent: "b"}},
		FieldUpdatedAt: popped,
	}))

	err = database.UpdateIdleItemIfUnchanged(ctx, "user-1", id, read.UpdatedAt, Patch{FieldBranch: "main"})
	assert.ErrorIs(t, err, ErrItemChanged)
	assert.ErrorIs(t, database.DeleteIdleItemIfUnchanged(ctx, "user-1", id, read.UpdatedAt), ErrItemChanged)

	fresh, err := database.GetItem(ctx, "user-1", id)
	require.NoError(t, err)
	require.NotNil(t, fresh.UpdatedAt)
	require.NoError(t, database.UpdateIdleItemIfUnchanged(ctx, "user-1", id, fresh.UpdatedAt, Patch{
		FieldBranch:    "main",
		FieldUpdatedAt: popped.Add(time.Second),
	}))

	again, err := database.GetItem(ctx, "user-1", id)
	require.NoError(t, err)
	assert.Equal(t, "main", again.Branch)
	assert.Equal(t, []Subtask{{FullContent: "b"}}, again.Remaining)

	require.NoError(t, database.UpdateItem(ctx, "user-1", id, Patch{FieldStatus: ItemStatusInProgress}))
	assert.ErrorIs(t, database.UpdateIdleItemIfUnchanged(ctx, "user-1", id, again.UpdatedAt, Patch{FieldBranch: "x"}), ErrItemBusy)
	assert.ErrorIs(t, database.DeleteIdleItemIfUnchanged(ctx, "user-1", "missing", nil), ErrNotFound)

	require.NoError(t, database.UpdateItem(ctx, "user-1", id, Patch{FieldStatus: ItemStatusPending}))
	require.NoError(t, database.DeleteIdleItemIfUnchanged(ctx, "user-1", id, again.UpdatedAt))
}

func TestUpdateScheduledItem(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	id := addSingle(t, database, "user-1", "hello")

	ok, err := database.UpdateScheduledItem(ctx, "user-1", id, Patch{FieldStatus: ItemStatusError, FieldError: "boom"})
	require.NoError(t, err)
	assert.False(t, ok, "pending items are left alone")

	item, err := database.GetItem(ctx, "user-1", id)
	require.NoError(t, err)
	assert.Equal(t, ItemStatusPending, item.Status)
	assert.Empty(t, item.Error)

	require.NoError(t, database.UpdateItem(ctx, "user-1", id, Patch{FieldStatus: ItemStatusScheduled}))
	ok, err = database.UpdateScheduledItem(ctx, "user-1", id, Patch{FieldStatus: ItemStatusError, FieldError: "boom"})
	require.NoError(t, err)
	assert.True(t, ok)

	item, err = database.GetItem(ctx, "user-1", id)
	require.NoError(t, err)
	assert.Equal(t, ItemStatusError, item.Status)
	assert.Equal(t, "boom", item.Error)
}
