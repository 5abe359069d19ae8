package api

import (
	"time"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
	"github.com/ole-vi/prompt-sharing-sub002/internal/queue"
)

// QueueListResponse represents a user's queue
type QueueListResponse struct {
	Items []*db.QueueItem `json:"items"`
	Total int             `json:"total"`
}

// IDsRequest selects queue items for a batch operation
type IDsRequest struct {
	IDs []string `json:"ids"`
}

// ConvertRequest names the type to convert an item to
type ConvertRequest struct {
	To db.ItemType `json:"to"`
}

// SubtaskIndicesRequest selects subtasks by position
type SubtaskIndicesRequest struct {
	Indices []int `json:"indices"`
}

// AnalyzeRequest carries a prompt to propose a split for
type AnalyzeRequest struct {
	Prompt string `json:"prompt"`
}

// SplitResponse is the batch an item was split into
type SplitResponse struct {
	Item     *db.QueueItem  `json:"item"`
	Analysis queue.Analysis `json:"analysis"`
}

// ScheduleResponse reports the resolved activation instant
type ScheduleResponse struct {
	ScheduledAt time.Time `json:"scheduledAt"`
	TimeZone    string    `json:"timeZone"`
	Count       int       `json:"count"`
}

// KeyRequest carries a plaintext Jules API key to store
type KeyRequest struct {
	Key string `json:"key"`
}

// KeyStatusResponse reports whether a key is stored, never the key itself
type KeyStatusResponse struct {
	Configured bool       `json:"configured"`
	StoredAt   *time.Time `json:"storedAt,omitempty"`
}

// ValidateKeyResponse reports the result of probing Jules with the stored key
type ValidateKeyResponse struct {
	OK         bool `json:"ok"`
	StatusCode int  `json:"statusCode"`
}

// SessionRequest starts a Jules session immediately
type SessionRequest struct {
	PromptText string `json:"promptText"`
	SourceID   string `json:"sourceId,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Title      string `json:"title,omitempty"`
}

// SessionResponse carries the new session's URL
type SessionResponse struct {
	SessionURL string `json:"sessionUrl"`
}

// TimeZoneRequest updates the preferred time zone
type TimeZoneRequest struct {
	TimeZone string `json:"timeZone"`
}

// TimeZoneResponse reports the preferred time zone
type TimeZoneResponse struct {
	TimeZone string `json:"timeZone"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
