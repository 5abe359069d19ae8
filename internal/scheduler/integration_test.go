package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
	"github.com/ole-vi/prompt-sharing-sub002/internal/jules"
)

// fakeJules serves POST /sessions with a fixed status
type fakeJules struct {
	mu      sync.Mutex
	status  int
	prompts []string
}

func (f *fakeJules) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body jules.SessionRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.prompts = append(f.prompts, body.Prompt)
	status := f.status
	f.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"internal"}}`))
		return
	}
	_, _ = w.Write([]byte(`{"name":"sessions/1","url":"https://jules.google.com/session/1"}`))
}

func setupIntegration(t *testing.T, status int) (*db.DB, *fakeJules, *Scheduler) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "julesq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	_, err = database.SaveJulesKey(context.Background(), "user-1", encryptedKey(t, "real-key", "user-1"))
	require.NoError(t, err)

	provider := &fakeJules{status: status}
	srv := httptest.NewServer(provider)
	t.Cleanup(srv.Close)

	s := newTestScheduler(t, database, jules.NewClient(srv.URL), Options{
		Now: time.Now,
	})
	return database, provider, s
}

func scheduleNow(t *testing.T, database *db.DB, id string, retryOnFailure bool, retryCount int) {
	t.Helper()
	now := time.Now()
	require.NoError(t, database.UpdateItem(context.Background(), "user-1", id, db.Patch{
		db.FieldStatus:         db.ItemStatusScheduled,
		db.FieldScheduledAt:    now.Add(-time.Second),
		db.FieldRetryOnFailure: retryOnFailure,
		db.FieldRetryCount:     retryCount,
	}))
}

func TestIntegration_ProviderErrorReschedules(t *testing.T) {
	database, _, s := setupIntegration(t, http.StatusInternalServerError)
	ctx := context.Background()

	id, err := database.AddItem(ctx, "user-1", db.NewItem{
		Type: db.ItemTypeSingle, Prompt: "hello", SourceID: "sources/github/a/b", Branch: "main",
	})
	require.NoError(t, err)
	scheduleNow(t, database, id, true, 0)

	start := time.Now()
	result := s.Tick(ctx)
	assert.Equal(t, 1, result.Retried)

	item, err := database.GetItem(ctx, "user-1", id)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusScheduled, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	require.NotNil(t, item.ScheduledAt)
	assert.WithinDuration(t, start.Add(600*time.Second), *item.ScheduledAt, 5*time.Second)
	assert.Contains(t, item.LastError, "Jules API error: 500")
}

func TestIntegration_RetriesExhausted(t *testing.T) {
	database, _, s := setupIntegration(t, http.StatusInternalServerError)
	ctx := context.Background()

	id, err := database.AddItem(ctx, "user-1", db.NewItem{
		Type: db.ItemTypeSingle, Prompt: "hello", SourceID: "sources/github/a/b", Branch: "main",
	})
	require.NoError(t, err)
	scheduleNow(t, database, id, true, 3)

	assert.Equal(t, 1, s.Tick(ctx).Failed)

	item, err := database.GetItem(ctx, "user-1", id)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusError, item.Status)
	assert.Equal(t, 3, item.RetryCount)
	assert.Contains(t, item.Error, "Failed after 3 retries")
}

func TestIntegration_SubtaskHeadActivates(t *testing.T) {
	database, provider, s := setupIntegration(t, http.StatusOK)
	ctx := context.Background()

	id, err := database.AddItem(ctx, "user-1", db.NewItem{
		Type:     db.ItemTypeSubtasks,
		Subtasks: []db.Subtask{{FullContent: "a"}, {FullContent: "b"}},
		SourceID: "sources/github/a/b",
	})
	require.NoError(t, err)
	scheduleNow(t, database, id, false, 0)

	assert.Equal(t, 1, s.Tick(ctx).Activated)
	assert.Equal(t, []string{"a"}, provider.prompts)

	item, err := database.GetItem(ctx, "user-1", id)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusPending, item.Status)
	assert.Equal(t, []db.Subtask{{FullContent: "b"}}, item.Remaining)
	require.NotNil(t, item.TotalCount)
	assert.Equal(t, 1, *item.TotalCount)
}

func TestIntegration_SingleSuccessDeletes(t *testing.T) {
	database, _, s := setupIntegration(t, http.StatusOK)
	ctx := context.Background()

	id, err := database.AddItem(ctx, "user-1", db.NewItem{
		Type: db.ItemTypeSingle, Prompt: "ship it", SourceID: "sources/github/a/b",
	})
	require.NoError(t, err)
	scheduleNow(t, database, id, false, 0)

	assert.Equal(t, 1, s.Tick(ctx).Activated)

	_, err = database.GetItem(ctx, "user-1", id)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestIntegration_CallerCancellationStillRecordsOutcome(t *testing.T) {
	tests := []struct {
		name       string
		sessionErr error
		want       TickResult
	}{
		{"session created", nil, TickResult{Due: 1, Activated: 1}},
		{"session failed", context.Canceled, TickResult{Due: 1, Retried: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database, _, _ := setupIntegration(t, http.StatusOK)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// the caller goes away while the provider call is in flight
			sessions := sessionFunc(func(context.Context, string, jules.SessionRequest) (*jules.Session, error) {
				cancel()
				if tt.sessionErr != nil {
					return nil, tt.sessionErr
				}
				return &jules.Session{URL: "https://jules.google.com/session/9"}, nil
			})
			s := newTestScheduler(t, database, sessions, Options{Now: time.Now})

			id, err := database.AddItem(context.Background(), "user-1", db.NewItem{
				Type: db.ItemTypeSingle, Prompt: "hello", SourceID: "sources/github/a/b",
			})
			require.NoError(t, err)
			scheduleNow(t, database, id, true, 0)

			assert.Equal(t, tt.want, s.Tick(ctx))

			item, err := database.GetItem(context.Background(), "user-1", id)
			if tt.sessionErr == nil {
				assert.ErrorIs(t, err, db.ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, db.ItemStatusScheduled, item.Status)
			assert.Equal(t, 1, item.RetryCount)
			assert.Contains(t, item.LastError, "context canceled")
		})
	}
}

func TestIntegration_TickRecoversStrandedItems(t *testing.T) {
	database, provider, s := setupIntegration(t, http.StatusOK)
	ctx := context.Background()

	id, err := database.AddItem(ctx, "user-1", db.NewItem{
		Type: db.ItemTypeSingle, Prompt: "stuck", SourceID: "sources/github/a/b",
	})
	require.NoError(t, err)
	require.NoError(t, database.UpdateItem(ctx, "user-1", id, db.Patch{
		db.FieldStatus:        db.ItemStatusInProgress,
		db.FieldLastAttemptAt: time.Now().Add(-time.Hour),
	}))

	assert.Equal(t, TickResult{}, s.Tick(ctx))
	assert.Empty(t, provider.prompts)

	item, err := database.GetItem(ctx, "user-1", id)
	require.NoError(t, err)
	assert.Equal(t, db.ItemStatusError, item.Status)
	assert.Contains(t, item.Error, "interrupted")
}
