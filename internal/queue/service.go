// Package queue implements the user-facing queue mutations. Every write
// goes through the store's idle-only update so an item the scheduler is
// activating is never touched.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
	"github.com/ole-vi/prompt-sharing-sub002/internal/stream"
)

// SubtaskSeparator joins subtasks when a batch is converted back to one prompt
const SubtaskSeparator = "\n\n---\n\n"

var (
	ErrWrongType        = errors.New("queue item has the wrong type for this operation")
	ErrScheduleInPast   = errors.New("scheduled time must be in the future")
	ErrInvalidTimeZone  = errors.New("invalid time zone")
	ErrInvalidSchedule  = errors.New("invalid date or time")
	ErrNoItemsSelected  = errors.New("no queue items selected")
	ErrConflictingEdits = errors.New("cannot set both prompt and subtasks")
)

// Store is the item and profile storage the service mutates
type Store interface {
	AddItem(ctx context.Context, userID string, item db.NewItem) (string, error)
	GetItem(ctx context.Context, userID, id string) (*db.QueueItem, error)
	ListItems(ctx context.Context, userID string) ([]*db.QueueItem, error)
	UpdateIdleItem(ctx context.Context, userID, id string, patch db.Patch) error
	UpdateIdleItemIfUnchanged(ctx context.Context, userID, id string, seen *time.Time, patch db.Patch) error
	DeleteIdleItem(ctx context.Context, userID, id string) error
	DeleteIdleItemIfUnchanged(ctx context.Context, userID, id string, seen *time.Time) error
	UpdateItem(ctx context.Context, userID, id string, patch db.Patch) error
	DeleteItem(ctx context.Context, userID, id string) error
	GetUserTimeZone(ctx context.Context, userID string) (string, error)
	SaveUserTimeZone(ctx context.Context, userID, timeZone string) error
}

// Defaults fill in fields a caller leaves empty
type Defaults struct {
	SourceID string
	Branch   string
	TimeZone string
}

// Service applies queue mutations on behalf of one user at a time
type Service struct {
	store    Store
	defaults Defaults
	logger   *slog.Logger
	events   *stream.Manager
	runner   *runner
	now      func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source used for past-time checks
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEvents publishes every successful mutation to m
func WithEvents(m *stream.Manager) Option {
	return func(s *Service) { s.events = m }
}

// NewService creates a queue service
func NewService(store Store, defaults Defaults, opts ...Option) *Service {
	if defaults.Branch == "" {
		defaults.Branch = db.DefaultBranch
	}
	if defaults.TimeZone == "" {
		defaults.TimeZone = "UTC"
	}
	s := &Service{
		store:    store,
		defaults: defaults,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddRequest describes a new queue item
type AddRequest struct {
	Type           db.ItemType  `json:"type"`
	Prompt         string       `json:"prompt,omitempty"`
	Subtasks       []db.Subtask `json:"subtasks,omitempty"`
	SourceID       string       `json:"sourceId,omitempty"`
	Branch         string       `json:"branch,omitempty"`
	RetryOnFailure bool         `json:"retryOnFailure"`
	AutoOpen       *bool        `json:"autoOpen,omitempty"`
}

// Add creates a pending item, inferring the type when it is not given
func (s *Service) Add(ctx context.Context, userID string, req AddRequest) (*db.QueueItem, error) {
	itemType := req.Type
	if itemType == "" {
		itemType = db.ItemTypeSingle
		if len(req.Subtasks) > 0 {
			itemType = db.ItemTypeSubtasks
		}
	}
	sourceID := req.SourceID
	if sourceID == "" {
		sourceID = s.defaults.SourceID
	}
	branch := req.Branch
	if branch == "" {
		branch = s.defaults.Branch
	}

	id, err := s.store.AddItem(ctx, userID, db.NewItem{
		Type:           itemType,
		Prompt:         req.Prompt,
		Subtasks:       req.Subtasks,
		SourceID:       sourceID,
		Branch:         branch,
		RetryOnFailure: req.RetryOnFailure,
		AutoOpen:       req.AutoOpen,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("queue item added", "user_id", userID, "item_id", id, "type", itemType)
	return s.reload(ctx, userID, id)
}

// EditRequest changes an idle item. Nil fields are left alone; setting
// Prompt makes the item single, setting Subtasks makes it a batch.
type EditRequest struct {
	Prompt     *string      `json:"prompt,omitempty"`
	Subtasks   []db.Subtask `json:"subtasks,omitempty"`
	SourceID   *string      `json:"sourceId,omitempty"`
	Branch     *string      `json:"branch,omitempty"`
	Unschedule bool         `json:"unschedule,omitempty"`
}

// Edit applies req to the item
func (s *Service) Edit(ctx context.Context, userID, id string, req EditRequest) (*db.QueueItem, error) {
	if req.Prompt != nil && req.Subtasks != nil {
		return nil, ErrConflictingEdits
	}

	patch := db.Patch{db.FieldUpdatedAt: s.now()}
	switch {
	case req.Prompt != nil:
		if strings.TrimSpace(*req.Prompt) == "" {
			return nil, fmt.Errorf("%w: prompt cannot be empty", db.ErrInvalidItem)
		}
		patch[db.FieldType] = db.ItemTypeSingle
		patch[db.FieldPrompt] = *req.Prompt
		patch[db.FieldRemaining] = db.Delete
		patch[db.FieldTotalCount] = db.Delete
	case req.Subtasks != nil:
		if err := db.ValidateSubtasks(req.Subtasks); err != nil {
			return nil, err
		}
		patch[db.FieldType] = db.ItemTypeSubtasks
		patch[db.FieldRemaining] = req.Subtasks
		patch[db.FieldTotalCount] = len(req.Subtasks)
		patch[db.FieldPrompt] = db.Delete
	}
	if req.SourceID != nil {
		if err := db.ValidateSourceID(*req.SourceID); err != nil {
			return nil, err
		}
		patch[db.FieldSourceID] = *req.SourceID
	}
	if req.Branch != nil {
		branch := strings.TrimSpace(*req.Branch)
		if branch == "" {
			branch = s.defaults.Branch
		}
		patch[db.FieldBranch] = branch
	}
	if req.Unschedule {
		addUnschedule(patch)
	}

	if err := s.store.UpdateIdleItem(ctx, userID, id, patch); err != nil {
		return nil, err
	}
	return s.reload(ctx, userID, id)
}

// ConvertToSubtasks turns a single prompt into a one-entry batch
func (s *Service) ConvertToSubtasks(ctx context.Context, userID, id string) (*db.QueueItem, error) {
	item, err := s.getIdle(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if item.Type != db.ItemTypeSingle || item.Prompt == nil {
		return nil, fmt.Errorf("%w: expected single", ErrWrongType)
	}

	err = s.store.UpdateIdleItemIfUnchanged(ctx, userID, id, item.UpdatedAt, db.Patch{
		db.FieldType:       db.ItemTypeSubtasks,
		db.FieldRemaining:  []db.Subtask{{FullContent: *item.Prompt}},
		db.FieldTotalCount: 1,
		db.FieldPrompt:     db.Delete,
		db.FieldUpdatedAt:  s.now(),
	})
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, userID, id)
}

// ConvertToSingle joins a batch back into one prompt
func (s *Service) ConvertToSingle(ctx context.Context, userID, id string) (*db.QueueItem, error) {
	item, err := s.getIdle(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if item.Type != db.ItemTypeSubtasks {
		return nil, fmt.Errorf("%w: expected subtasks", ErrWrongType)
	}
	if len(item.Remaining) == 0 {
		return nil, fmt.Errorf("%w: no subtasks to join", db.ErrInvalidItem)
	}

	parts := make([]string, len(item.Remaining))
	for i, st := range item.Remaining {
		parts[i] = st.FullContent
	}

	err = s.store.UpdateIdleItemIfUnchanged(ctx, userID, id, item.UpdatedAt, db.Patch{
		db.FieldType:       db.ItemTypeSingle,
		db.FieldPrompt:     strings.Join(parts, SubtaskSeparator),
		db.FieldRemaining:  db.Delete,
		db.FieldTotalCount: db.Delete,
		db.FieldUpdatedAt:  s.now(),
	})
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, userID, id)
}

// DeleteSubtasks removes the subtasks at indices; out of range indices are
// ignored. When nothing remains the item is deleted and nil is returned.
func (s *Service) DeleteSubtasks(ctx context.Context, userID, id string, indices []int) (*db.QueueItem, error) {
	item, err := s.getIdle(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if item.Type != db.ItemTypeSubtasks {
		return nil, fmt.Errorf("%w: expected subtasks", ErrWrongType)
	}

	drop := make(map[int]bool, len(indices))
	for _, i := range indices {
		drop[i] = true
	}
	kept := make([]db.Subtask, 0, len(item.Remaining))
	for i, st := range item.Remaining {
		if !drop[i] {
			kept = append(kept, st)
		}
	}

	if len(kept) == 0 {
		if err := s.store.DeleteIdleItemIfUnchanged(ctx, userID, id, item.UpdatedAt); err != nil {
			return nil, err
		}
		s.logger.Info("queue item deleted, no subtasks left", "user_id", userID, "item_id", id)
		s.publish(stream.EventItemDeleted, userID, id, "")
		return nil, nil
	}

	err = s.store.UpdateIdleItemIfUnchanged(ctx, userID, id, item.UpdatedAt, db.Patch{
		db.FieldRemaining:  kept,
		db.FieldTotalCount: len(kept),
		db.FieldUpdatedAt:  s.now(),
	})
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, userID, id)
}

// Delete removes idle items
func (s *Service) Delete(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return ErrNoItemsSelected
	}
	var errs []error
	for _, id := range ids {
		if err := s.store.DeleteIdleItem(ctx, userID, id); err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", id, err))
			continue
		}
		s.publish(stream.EventItemDeleted, userID, id, "")
	}
	return errors.Join(errs...)
}

// List returns the user's queue, newest first
func (s *Service) List(ctx context.Context, userID string) ([]*db.QueueItem, error) {
	return s.store.ListItems(ctx, userID)
}

// Get returns one item
func (s *Service) Get(ctx context.Context, userID, id string) (*db.QueueItem, error) {
	return s.store.GetItem(ctx, userID, id)
}

// getIdle reads an item for a read-modify-write. The write that follows must
// be guarded with the UpdatedAt seen here.
func (s *Service) getIdle(ctx context.Context, userID, id string) (*db.QueueItem, error) {
	item, err := s.store.GetItem(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if item.Status == db.ItemStatusInProgress {
		return nil, db.ErrItemBusy
	}
	return item, nil
}

// sortedIDs returns ids in a stable order so batch updates are deterministic
func sortedIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

// reload fetches the item after a write and announces the change
func (s *Service) reload(ctx context.Context, userID, id string) (*db.QueueItem, error) {
	item, err := s.store.GetItem(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	s.publish(stream.EventItemChanged, userID, id, item.Status)
	return item, nil
}

func (s *Service) publish(kind stream.EventKind, userID, id string, status db.ItemStatus) {
	s.events.Publish(stream.Event{
		Kind:      kind,
		UserID:    userID,
		ItemID:    id,
		Status:    string(status),
		Timestamp: s.now(),
	})
}
