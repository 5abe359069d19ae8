package db

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ItemType discriminates the queue item union
type ItemType string

const (
	ItemTypeSingle   ItemType = "single"
	ItemTypeSubtasks ItemType = "subtasks"
)

// ItemStatus represents the lifecycle state of a queue item.
// Successful completion deletes the item, so there is no "done" status.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusScheduled  ItemStatus = "scheduled"
	ItemStatusInProgress ItemStatus = "in-progress"
	ItemStatusError      ItemStatus = "error"
)

// MaxRetries caps RetryCount for items that opt into automatic retry
const MaxRetries = 3

// DefaultBranch is used when an item does not name a starting branch
const DefaultBranch = "master"

// Subtask is one entry of a subtasks batch
type Subtask struct {
	FullContent string `json:"fullContent"`
}

// QueueItem represents one queued unit of work owned by a single user
type QueueItem struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	Type              ItemType   `json:"type"`
	Status            ItemStatus `json:"status"`
	Prompt            *string    `json:"prompt,omitempty"`
	Remaining         []Subtask  `json:"remaining,omitempty"`
	TotalCount        *int       `json:"totalCount,omitempty"`
	SourceID          string     `json:"sourceId"`
	Branch            string     `json:"branch"`
	ScheduledAt       *time.Time `json:"scheduledAt,omitempty"`
	ScheduledTimeZone *string    `json:"scheduledTimeZone,omitempty"`
	RetryOnFailure    bool       `json:"retryOnFailure"`
	RetryCount        int        `json:"retryCount"`
	LastError         string     `json:"lastError,omitempty"`
	Error             string     `json:"error,omitempty"`
	LastAttemptAt     *time.Time `json:"lastAttemptAt,omitempty"`
	ActivatedAt       *time.Time `json:"activatedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         *time.Time `json:"updatedAt,omitempty"`
	AutoOpen          bool       `json:"autoOpen"`
}

// NewItem carries the caller-supplied fields for AddItem
type NewItem struct {
	Type           ItemType
	Prompt         string
	Subtasks       []Subtask
	SourceID       string
	Branch         string
	RetryOnFailure bool
	AutoOpen       *bool
}

// IsDue reports whether the scheduler should pick the item up at now
func (i *QueueItem) IsDue(now time.Time) bool {
	return i.Status == ItemStatusScheduled && i.ScheduledAt != nil && !i.ScheduledAt.After(now)
}

// CredentialRecord holds a user's encrypted Jules API key
type CredentialRecord struct {
	UserID   string    `json:"userId"`
	Key      string    `json:"key"`
	StoredAt time.Time `json:"storedAt"`
}

// UserProfile holds per-user preferences
type UserProfile struct {
	UserID            string    `json:"userId"`
	PreferredTimeZone string    `json:"preferredTimeZone"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

var (
	ErrNotFound        = errors.New("not found")
	ErrItemBusy        = errors.New("queue item is being activated")
	ErrItemChanged     = errors.New("queue item changed since it was read")
	ErrInvalidSourceID = errors.New("invalid sourceId format")
	ErrInvalidItem     = errors.New("invalid queue item")
)

var sourceIDPattern = regexp.MustCompile(`^sources/github/[^/\s]+/[^/\s]+$`)

// ValidateSourceID checks the sources/github/<owner>/<repo> form
func ValidateSourceID(sourceID string) error {
	if !sourceIDPattern.MatchString(sourceID) {
		return fmt.Errorf("%w: %q", ErrInvalidSourceID, sourceID)
	}
	return nil
}

// Validate enforces the single/subtasks exclusivity for a new item
func (n *NewItem) Validate() error {
	switch n.Type {
	case ItemTypeSingle:
		if n.Prompt == "" {
			return fmt.Errorf("%w: single item requires a prompt", ErrInvalidItem)
		}
		if len(n.Subtasks) > 0 {
			return fmt.Errorf("%w: single item cannot carry subtasks", ErrInvalidItem)
		}
	case ItemTypeSubtasks:
		if err := ValidateSubtasks(n.Subtasks); err != nil {
			return err
		}
		if n.Prompt != "" {
			return fmt.Errorf("%w: subtasks item cannot carry a prompt", ErrInvalidItem)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidItem, n.Type)
	}
	return ValidateSourceID(n.SourceID)
}

// ValidateSubtasks rejects an empty batch and subtasks with no content
func ValidateSubtasks(subtasks []Subtask) error {
	if len(subtasks) == 0 {
		return fmt.Errorf("%w: subtasks item requires at least one subtask", ErrInvalidItem)
	}
	for i, st := range subtasks {
		if strings.TrimSpace(st.FullContent) == "" {
			return fmt.Errorf("%w: subtask %d is empty", ErrInvalidItem, i+1)
		}
	}
	return nil
}
