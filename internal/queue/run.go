package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
	"github.com/ole-vi/prompt-sharing-sub002/internal/jules"
	"github.com/ole-vi/prompt-sharing-sub002/internal/stream"
)

var (
	ErrRunUnavailable = errors.New("running queue items is not configured")
	ErrNoAPIKey       = errors.New("no Jules API key stored")
	ErrKeyUnreadable  = errors.New("failed to decrypt Jules API key")
)

// KeyStore reads a user's encrypted Jules key
type KeyStore interface {
	GetJulesKey(ctx context.Context, userID string) (*db.CredentialRecord, error)
}

// Decrypter recovers a user's plaintext API key
type Decrypter interface {
	Decrypt(ciphertextBase64, userID string) (string, error)
}

// SessionCreator starts a Jules session
type SessionCreator interface {
	CreateSession(ctx context.Context, apiKey string, body jules.SessionRequest) (*jules.Session, error)
}

type runner struct {
	keys     KeyStore
	vault    Decrypter
	sessions SessionCreator
	timeout  time.Duration
}

// WithSessions lets the service run queued items right away. Each provider
// call is bounded by timeout.
func WithSessions(keys KeyStore, v Decrypter, sessions SessionCreator, timeout time.Duration) Option {
	return func(s *Service) {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		s.runner = &runner{keys: keys, vault: v, sessions: sessions, timeout: timeout}
	}
}

// RunSession is a session started by a manual run
type RunSession struct {
	ItemID     string `json:"itemId"`
	Subtask    *int   `json:"subtask,omitempty"`
	SessionURL string `json:"sessionUrl"`
	AutoOpen   bool   `json:"autoOpen"`
}

// RunFailure is a unit of work a manual run could not start
type RunFailure struct {
	ItemID  string `json:"itemId"`
	Subtask *int   `json:"subtask,omitempty"`
	Error   string `json:"error"`
}

// RunResult reports what a manual run did
type RunResult struct {
	Sessions []RunSession `json:"sessions"`
	Failures []RunFailure `json:"failures,omitempty"`
}

func (r *RunResult) failed(itemID string, subtask *int, err error) {
	r.Failures = append(r.Failures, RunFailure{ItemID: itemID, Subtask: subtask, Error: err.Error()})
}

// Run starts sessions for the selected items now, oldest first. A single
// item is deleted once its session starts. A batch runs its subtasks in
// order, dropping each one that starts; the first failure stops that batch
// and leaves the rest queued. Failures are reported per item and do not
// abort the other items.
func (s *Service) Run(ctx context.Context, userID string, ids []string) (*RunResult, error) {
	if len(ids) == 0 {
		return nil, ErrNoItemsSelected
	}
	apiKey, err := s.apiKey(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &RunResult{Sessions: []RunSession{}}
	items := make([]*db.QueueItem, 0, len(ids))
	for _, id := range sortedIDs(ids) {
		item, err := s.store.GetItem(ctx, userID, id)
		if err != nil {
			result.failed(id, nil, err)
			continue
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })

	for _, item := range items {
		s.runItem(ctx, userID, apiKey, item, nil, result)
	}
	return result, nil
}

// RunSubtasks starts sessions for the subtasks at indices of one batch.
// Out of range indices are ignored. Subtasks that start are removed and the
// item is deleted when none remain.
func (s *Service) RunSubtasks(ctx context.Context, userID, id string, indices []int) (*RunResult, error) {
	item, err := s.getIdle(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if item.Type != db.ItemTypeSubtasks {
		return nil, fmt.Errorf("%w: expected subtasks", ErrWrongType)
	}

	var selected []int
	seen := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i >= 0 && i < len(item.Remaining) && !seen[i] {
			seen[i] = true
			selected = append(selected, i)
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: no subtasks selected", ErrNoItemsSelected)
	}
	sort.Ints(selected)

	apiKey, err := s.apiKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	result := &RunResult{Sessions: []RunSession{}}
	s.runItem(ctx, userID, apiKey, item, selected, result)
	return result, nil
}

func (s *Service) apiKey(ctx context.Context, userID string) (string, error) {
	if s.runner == nil {
		return "", ErrRunUnavailable
	}
	rec, err := s.runner.keys.GetJulesKey(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrNoAPIKey
	}
	if err != nil {
		return "", err
	}
	key, err := s.runner.vault.Decrypt(rec.Key, userID)
	if err != nil {
		return "", ErrKeyUnreadable
	}
	return key, nil
}

// runItem claims item, runs the selected subtasks (all of them when selected
// is nil) and writes the outcome back.
func (s *Service) runItem(ctx context.Context, userID, apiKey string, item *db.QueueItem, selected []int, result *RunResult) {
	log := s.logger.With("user_id", userID, "item_id", item.ID)
	now := s.now()

	if item.Status == db.ItemStatusInProgress {
		result.failed(item.ID, nil, db.ErrItemBusy)
		return
	}
	err := s.store.UpdateIdleItemIfUnchanged(ctx, userID, item.ID, item.UpdatedAt, db.Patch{
		db.FieldStatus:        db.ItemStatusInProgress,
		db.FieldLastAttemptAt: now,
		db.FieldUpdatedAt:     now,
	})
	if err != nil {
		result.failed(item.ID, nil, err)
		return
	}
	s.publish(stream.EventItemChanged, userID, item.ID, db.ItemStatusInProgress)

	// The item is claimed; its outcome is written even if the caller goes away.
	wctx := context.WithoutCancel(ctx)
	restore := db.ItemStatusPending
	if item.Status == db.ItemStatusScheduled {
		restore = db.ItemStatusScheduled
	}

	if item.Type == db.ItemTypeSingle {
		if item.Prompt == nil || *item.Prompt == "" {
			err := fmt.Errorf("%w: no prompt to run", db.ErrInvalidItem)
			result.failed(item.ID, nil, err)
			s.release(wctx, log, item, restore, err.Error())
			return
		}
		session, err := s.start(ctx, apiKey, item, *item.Prompt)
		if err != nil {
			log.Warn("manual run failed", "error", err)
			result.failed(item.ID, nil, err)
			s.release(wctx, log, item, restore, err.Error())
			return
		}
		result.Sessions = append(result.Sessions, RunSession{ItemID: item.ID, SessionURL: session.URL, AutoOpen: item.AutoOpen})
		s.finish(wctx, log, item, session.URL)
		return
	}

	if len(item.Remaining) == 0 {
		err := fmt.Errorf("%w: no subtasks remaining", db.ErrInvalidItem)
		result.failed(item.ID, nil, err)
		s.release(wctx, log, item, restore, err.Error())
		return
	}
	if selected == nil {
		selected = make([]int, len(item.Remaining))
		for i := range selected {
			selected[i] = i
		}
	}

	done := make(map[int]bool, len(selected))
	kept := item.Remaining
	var lastErr string
	for _, i := range selected {
		session, err := s.start(ctx, apiKey, item, item.Remaining[i].FullContent)
		if err != nil {
			log.Warn("manual run of subtask failed", "subtask", i, "error", err)
			result.failed(item.ID, &i, err)
			lastErr = err.Error()
			break
		}
		result.Sessions = append(result.Sessions, RunSession{ItemID: item.ID, Subtask: &i, SessionURL: session.URL, AutoOpen: item.AutoOpen})

		done[i] = true
		kept = make([]db.Subtask, 0, len(item.Remaining))
		for j, st := range item.Remaining {
			if !done[j] {
				kept = append(kept, st)
			}
		}
		if len(kept) == 0 {
			s.finish(wctx, log, item, session.URL)
			return
		}
		progress := s.now()
		if err := s.store.UpdateItem(wctx, userID, item.ID, db.Patch{
			db.FieldRemaining:     kept,
			db.FieldTotalCount:    len(kept),
			db.FieldLastAttemptAt: progress,
			db.FieldUpdatedAt:     progress,
		}); err != nil {
			log.Error("failed to record subtask progress", "subtask", i, "error", err)
		}
		s.events.Publish(stream.Event{
			Kind:       stream.EventItemActivated,
			UserID:     userID,
			ItemID:     item.ID,
			SessionURL: session.URL,
			AutoOpen:   item.AutoOpen,
			Timestamp:  progress,
		})
	}

	patch := db.Patch{
		db.FieldStatus:     restore,
		db.FieldError:      db.Delete,
		db.FieldRemaining:  kept,
		db.FieldTotalCount: len(kept),
		db.FieldUpdatedAt:  s.now(),
	}
	if lastErr != "" {
		patch[db.FieldLastError] = lastErr
	}
	if err := s.store.UpdateItem(wctx, userID, item.ID, patch); err != nil {
		log.Error("failed to release queue item after manual run", "error", err)
		return
	}
	s.publish(stream.EventItemChanged, userID, item.ID, restore)
}

func (s *Service) start(ctx context.Context, apiKey string, item *db.QueueItem, prompt string) (*jules.Session, error) {
	if err := db.ValidateSourceID(item.SourceID); err != nil {
		return nil, err
	}
	branch := item.Branch
	if branch == "" {
		branch = s.defaults.Branch
	}
	callCtx, cancel := context.WithTimeout(ctx, s.runner.timeout)
	defer cancel()
	return s.runner.sessions.CreateSession(callCtx, apiKey,
		jules.NewSessionRequest(jules.ExtractTitle(prompt), prompt, item.SourceID, branch))
}

// finish deletes an item whose last unit of work just started
func (s *Service) finish(ctx context.Context, log *slog.Logger, item *db.QueueItem, sessionURL string) {
	if err := s.store.DeleteItem(ctx, item.UserID, item.ID); err != nil {
		log.Error("session started but item could not be deleted", "session_url", sessionURL, "error", err)
		return
	}
	s.events.Publish(stream.Event{
		Kind:       stream.EventItemActivated,
		UserID:     item.UserID,
		ItemID:     item.ID,
		SessionURL: sessionURL,
		AutoOpen:   item.AutoOpen,
		Timestamp:  s.now(),
	})
	s.publish(stream.EventItemDeleted, item.UserID, item.ID, "")
}

// release hands an item back after a failed manual run
func (s *Service) release(ctx context.Context, log *slog.Logger, item *db.QueueItem, status db.ItemStatus, msg string) {
	err := s.store.UpdateItem(ctx, item.UserID, item.ID, db.Patch{
		db.FieldStatus:    status,
		db.FieldError:     db.Delete,
		db.FieldLastError: msg,
		db.FieldUpdatedAt: s.now(),
	})
	if err != nil {
		log.Error("failed to release queue item after manual run", "error", err)
		return
	}
	s.publish(stream.EventItemChanged, item.UserID, item.ID, status)
}
