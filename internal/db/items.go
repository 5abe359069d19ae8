package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const itemColumns = `id, user_id, type, status, prompt, remaining, total_count, source_id, branch,
	scheduled_at, scheduled_time_zone, retry_on_failure, retry_count, last_error, error,
	last_attempt_at, activated_at, created_at, updated_at, auto_open`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*QueueItem, error) {
	var (
		item                            QueueItem
		prompt, remaining, tz           sql.NullString
		lastError, errMsg               sql.NullString
		totalCount                      sql.NullInt64
		scheduledAt, lastAttempt, activ sql.NullTime
		updatedAt                       sql.NullTime
	)

	err := row.Scan(&item.ID, &item.UserID, &item.Type, &item.Status, &prompt, &remaining, &totalCount,
		&item.SourceID, &item.Branch, &scheduledAt, &tz, &item.RetryOnFailure, &item.RetryCount,
		&lastError, &errMsg, &lastAttempt, &activ, &item.CreatedAt, &updatedAt, &item.AutoOpen)
	if err != nil {
		return nil, err
	}

	if prompt.Valid {
		item.Prompt = &prompt.String
	}
	if remaining.Valid {
		item.Remaining = []Subtask{}
		if err := json.Unmarshal([]byte(remaining.String), &item.Remaining); err != nil {
			return nil, fmt.Errorf("failed to decode remaining for item %s: %w", item.ID, err)
		}
	}
	if totalCount.Valid {
		n := int(totalCount.Int64)
		item.TotalCount = &n
	}
	if tz.Valid {
		item.ScheduledTimeZone = &tz.String
	}
	item.LastError = lastError.String
	item.Error = errMsg.String
	item.ScheduledAt = nullTimePtr(scheduledAt)
	item.LastAttemptAt = nullTimePtr(lastAttempt)
	item.ActivatedAt = nullTimePtr(activ)
	item.UpdatedAt = nullTimePtr(updatedAt)

	return &item, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// AddItem creates a pending queue item for userID and returns its id
func (db *DB) AddItem(ctx context.Context, userID string, item NewItem) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: missing user id", ErrInvalidItem)
	}
	if err := item.Validate(); err != nil {
		return "", err
	}

	branch := item.Branch
	if branch == "" {
		branch = DefaultBranch
	}
	autoOpen := true
	if item.AutoOpen != nil {
		autoOpen = *item.AutoOpen
	}

	var prompt, remaining any
	var totalCount any
	switch item.Type {
	case ItemTypeSingle:
		prompt = item.Prompt
	case ItemTypeSubtasks:
		data, err := json.Marshal(item.Subtasks)
		if err != nil {
			return "", fmt.Errorf("failed to encode subtasks: %w", err)
		}
		remaining = string(data)
		totalCount = len(item.Subtasks)
	}

	id := uuid.NewString()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO queue_items (id, user_id, type, status, prompt, remaining, total_count, source_id, branch,
			retry_on_failure, retry_count, created_at, auto_open)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, id, userID, string(item.Type), string(ItemStatusPending), prompt, remaining, totalCount,
		item.SourceID, branch, item.RetryOnFailure, db.now().UTC(), autoOpen)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetItem retrieves a single queue item owned by userID
func (db *DB) GetItem(ctx context.Context, userID, id string) (*QueueItem, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM queue_items WHERE id = ? AND user_id = ?", id, userID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// ListItems retrieves a user's queue, newest first
func (db *DB) ListItems(ctx context.Context, userID string) ([]*QueueItem, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM queue_items WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

// ListDueItems returns every scheduled item whose time has come, across all users
func (db *DB) ListDueItems(ctx context.Context, now time.Time) ([]*QueueItem, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM queue_items WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ? ORDER BY scheduled_at ASC",
		string(ItemStatusScheduled), now.UTC())
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]*QueueItem, error) {
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateItem applies a partial update to an item regardless of its status
func (db *DB) UpdateItem(ctx context.Context, userID, id string, patch Patch) error {
	set, args, err := patch.assignments()
	if err != nil {
		return err
	}
	args = append(args, id, userID)

	result, err := db.conn.ExecContext(ctx, "UPDATE queue_items SET "+set+" WHERE id = ? AND user_id = ?", args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateIdleItem applies a partial update unless the item is being activated
func (db *DB) UpdateIdleItem(ctx context.Context, userID, id string, patch Patch) error {
	set, args, err := patch.assignments()
	if err != nil {
		return err
	}
	args = append(args, id, userID, string(ItemStatusInProgress))

	result, err := db.conn.ExecContext(ctx,
		"UPDATE queue_items SET "+set+" WHERE id = ? AND user_id = ? AND status <> ?", args...)
	if err != nil {
		return err
	}
	return db.idleMiss(ctx, result, userID, id)
}

// UpdateIdleItemIfUnchanged is UpdateIdleItem guarded by the updated_at value
// the caller read. It fails with ErrItemChanged when another writer got there
// first, so a read-modify-write never resurrects data the scheduler removed.
func (db *DB) UpdateIdleItemIfUnchanged(ctx context.Context, userID, id string, seen *time.Time, patch Patch) error {
	set, args, err := patch.assignments()
	if err != nil {
		return err
	}
	args = append(args, id, userID, string(ItemStatusInProgress), versionArg(seen))

	result, err := db.conn.ExecContext(ctx,
		"UPDATE queue_items SET "+set+" WHERE id = ? AND user_id = ? AND status <> ? AND updated_at IS ?", args...)
	if err != nil {
		return err
	}
	return db.idleMiss(ctx, result, userID, id)
}

// UpdateScheduledItem applies a partial update only while the item is still
// scheduled. It reports false when the user moved the item on in the meantime.
func (db *DB) UpdateScheduledItem(ctx context.Context, userID, id string, patch Patch) (bool, error) {
	set, args, err := patch.assignments()
	if err != nil {
		return false, err
	}
	args = append(args, id, userID, string(ItemStatusScheduled))

	result, err := db.conn.ExecContext(ctx,
		"UPDATE queue_items SET "+set+" WHERE id = ? AND user_id = ? AND status = ?", args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimItem atomically moves a scheduled item to in-progress.
// It reports false when the item is no longer scheduled.
func (db *DB) ClaimItem(ctx context.Context, userID, id string, now time.Time) (bool, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND status = ?
	`, string(ItemStatusInProgress), now.UTC(), now.UTC(), id, userID, string(ItemStatusScheduled))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteItem removes an item
func (db *DB) DeleteItem(ctx context.Context, userID, id string) error {
	result, err := db.conn.ExecContext(ctx, "DELETE FROM queue_items WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIdleItem removes an item unless it is being activated
func (db *DB) DeleteIdleItem(ctx context.Context, userID, id string) error {
	result, err := db.conn.ExecContext(ctx,
		"DELETE FROM queue_items WHERE id = ? AND user_id = ? AND status <> ?",
		id, userID, string(ItemStatusInProgress))
	if err != nil {
		return err
	}
	return db.idleMiss(ctx, result, userID, id)
}

// DeleteIdleItemIfUnchanged is DeleteIdleItem guarded by the updated_at value the caller read
func (db *DB) DeleteIdleItemIfUnchanged(ctx context.Context, userID, id string, seen *time.Time) error {
	result, err := db.conn.ExecContext(ctx,
		"DELETE FROM queue_items WHERE id = ? AND user_id = ? AND status <> ? AND updated_at IS ?",
		id, userID, string(ItemStatusInProgress), versionArg(seen))
	if err != nil {
		return err
	}
	return db.idleMiss(ctx, result, userID, id)
}

// idleMiss explains why a guarded write touched no row
func (db *DB) idleMiss(ctx context.Context, result sql.Result, userID, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	item, err := db.GetItem(ctx, userID, id)
	if err != nil {
		return err
	}
	if item.Status == ItemStatusInProgress {
		return ErrItemBusy
	}
	return ErrItemChanged
}

func versionArg(seen *time.Time) any {
	if seen == nil {
		return nil
	}
	return seen.UTC()
}

// RecoverStaleItems marks in-progress items whose last attempt started before
// cutoff as failed. The scheduler sweeps on start and before every tick to clean
// up activations interrupted by a crash, restart or lost write.
func (db *DB) RecoverStaleItems(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, error = 'Activation interrupted before completion', updated_at = ?
		WHERE status = ? AND (last_attempt_at IS NULL OR last_attempt_at < ?)
	`, string(ItemStatusError), db.now().UTC(), string(ItemStatusInProgress), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountItemsByStatus returns the number of items across all users per status
func (db *DB) CountItemsByStatus(ctx context.Context) (map[ItemStatus]int64, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[ItemStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[ItemStatus(status)] = n
	}
	return counts, rows.Err()
}
