package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
	"github.com/ole-vi/prompt-sharing-sub002/internal/jules"
	"github.com/ole-vi/prompt-sharing-sub002/internal/vault"
)

// memStore is an in-memory Store that counts every write
type memStore struct {
	mu        sync.Mutex
	items     map[string]*db.QueueItem
	keys      map[string]string
	keyErr    error
	listErr   error
	claimLost map[string]bool
	writes    int
	cutoff    time.Time
	sweeps    int
}

func newMemStore() *memStore {
	return &memStore{
		items:     make(map[string]*db.QueueItem),
		keys:      make(map[string]string),
		claimLost: make(map[string]bool),
	}
}

func (m *memStore) put(item db.QueueItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = &item
}

func (m *memStore) get(id string) (db.QueueItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return db.QueueItem{}, false
	}
	return *item, true
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memStore) ListDueItems(_ context.Context, now time.Time) ([]*db.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var due []*db.QueueItem
	for _, item := range m.items {
		if item.IsDue(now) {
			cp := *item
			cp.Remaining = append([]db.Subtask(nil), item.Remaining...)
			due = append(due, &cp)
		}
	}
	return due, nil
}

func (m *memStore) ClaimItem(_ context.Context, userID, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.UserID != userID || item.Status != db.ItemStatusScheduled || m.claimLost[id] {
		return false, nil
	}
	m.writes++
	item.Status = db.ItemStatusInProgress
	item.LastAttemptAt = &now
	return true, nil
}

func (m *memStore) UpdateItem(_ context.Context, userID, id string, patch db.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.UserID != userID {
		return db.ErrNotFound
	}
	m.writes++
	for f, v := range patch {
		if err := applyField(item, f, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) UpdateScheduledItem(_ context.Context, userID, id string, patch db.Patch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.UserID != userID || item.Status != db.ItemStatusScheduled {
		return false, nil
	}
	m.writes++
	for f, v := range patch {
		if err := applyField(item, f, v); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (m *memStore) DeleteItem(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.UserID != userID {
		return db.ErrNotFound
	}
	m.writes++
	delete(m.items, id)
	return nil
}

func (m *memStore) GetJulesKey(_ context.Context, userID string) (*db.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keyErr != nil {
		return nil, m.keyErr
	}
	key, ok := m.keys[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &db.CredentialRecord{UserID: userID, Key: key}, nil
}

func (m *memStore) RecoverStaleItems(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoff = cutoff
	m.sweeps++
	return 0, nil
}

func applyField(item *db.QueueItem, f db.Field, v any) error {
	if v == db.Delete {
		switch f {
		case db.FieldScheduledAt:
			item.ScheduledAt = nil
		case db.FieldRemaining:
			item.Remaining = nil
		case db.FieldTotalCount:
			item.TotalCount = nil
		case db.FieldPrompt:
			item.Prompt = nil
		default:
			return fmt.Errorf("unsupported tombstone %s", f)
		}
		return nil
	}
	switch f {
	case db.FieldStatus:
		item.Status = v.(db.ItemStatus)
	case db.FieldScheduledAt:
		t := v.(time.Time)
		item.ScheduledAt = &t
	case db.FieldRetryCount:
		item.RetryCount = v.(int)
	case db.FieldLastError:
		item.LastError = v.(string)
	case db.FieldError:
		item.Error = v.(string)
	case db.FieldLastAttemptAt:
		t := v.(time.Time)
		item.LastAttemptAt = &t
	case db.FieldActivatedAt:
		t := v.(time.Time)
		item.ActivatedAt = &t
	case db.FieldUpdatedAt:
		t := v.(time.Time)
		item.UpdatedAt = &t
	case db.FieldRemaining:
		item.Remaining = append([]db.Subtask(nil), v.([]db.Subtask)...)
	case db.FieldTotalCount:
		n := v.(int)
		item.TotalCount = &n
	default:
		return fmt.Errorf("unsupported field %s", f)
	}
	return nil
}

// sessionFunc adapts a function to SessionCreator
type sessionFunc func(ctx context.Context, apiKey string, body jules.SessionRequest) (*jules.Session, error)

func (f sessionFunc) CreateSession(ctx context.Context, apiKey string, body jules.SessionRequest) (*jules.Session, error) {
	return f(ctx, apiKey, body)
}

// recorder captures every session request it sees
type recorder struct {
	mu       sync.Mutex
	requests []jules.SessionRequest
	apiKeys  []string
	err      error
}

func (r *recorder) CreateSession(_ context.Context, apiKey string, body jules.SessionRequest) (*jules.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, body)
	r.apiKeys = append(r.apiKeys, apiKey)
	if r.err != nil {
		return nil, r.err
	}
	return &jules.Session{URL: "https://jules.example/sessions/" + fmt.Sprint(len(r.requests))}, nil
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type failureNote struct {
	itemID  string
	message string
}

type captureNotifier struct {
	mu    sync.Mutex
	notes []failureNote
}

func (c *captureNotifier) ItemFailed(_ context.Context, item *db.QueueItem, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, failureNote{itemID: item.ID, message: message})
	return nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, store Store, sessions SessionCreator, opts Options) *Scheduler {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	s, err := New(store, vault.New(), sessions, opts)
	require.NoError(t, err)
	return s
}

func encryptedKey(t *testing.T, key, userID string) string {
	t.Helper()
	ct, err := vault.New().Encrypt(key, userID)
	require.NoError(t, err)
	return ct
}

func strPtr(s string) *string { return &s }

func dueSingle(id, userID, prompt string) db.QueueItem {
	at := testNow.Add(-time.Second)
	return db.QueueItem{
		ID:          id,
		UserID:      userID,
		Type:        db.ItemTypeSingle,
		Status:      db.ItemStatusScheduled,
		Prompt:      strPtr(prompt),
		SourceID:    "sources/github/a/b",
		Branch:      "main",
		ScheduledAt: &at,
	}
}

func dueSubtasks(id, userID string, contents ...string) db.QueueItem {
	at := testNow.Add(-time.Second)
	subtasks := make([]db.Subtask, len(contents))
	for i, c := range contents {
		subtasks[i] = db.Subtask{FullContent: c}
	}
	total := len(subtasks)
	return db.QueueItem{
		ID:          id,
		UserID:      userID,
		Type:        db.ItemTypeSubtasks,
		Status:      db.ItemStatusScheduled,
		Remaining:   subtasks,
		TotalCount:  &total,
		SourceID:    "sources/github/a/b",
		Branch:      "main",
		ScheduledAt: &at,
	}
}
