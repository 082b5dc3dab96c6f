package models

import (
	"time"

	"gorm.io/datatypes"
)

// Deferred call lifecycle states.
const (
	DeferredStatusPending    = "pending"
	DeferredStatusProcessing = "processing"
	DeferredStatusCompleted  = "completed"
	DeferredStatusFailed     = "failed"
)

// DeferredCall persists a call accepted for later execution.
type DeferredCall struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key, exposed as the queue id.

	UpstreamID string `gorm:"type:varchar(36);not null;index"` // Target upstream public ID.
	UserID     uint64 `gorm:"not null;index"`                  // Caller user ID.

	RequestMethod  string         `gorm:"type:varchar(16);not null"` // HTTP method.
	RequestPath    string         `gorm:"type:text;not null"`        // Path relative to the base URL.
	RequestQuery   string         `gorm:"type:text"`                 // Raw query string.
	RequestHeaders datatypes.JSON `gorm:"type:jsonb"`                // Sanitized caller headers.
	RequestBody    []byte         `gorm:"type:bytea"`                // Raw body bytes.

	TargetBaseURL          string  `gorm:"type:text;not null"`         // Base URL captured at enqueue.
	TargetCredential       *string `gorm:"type:text"`                  // Encrypted credential captured at enqueue.
	TargetCredentialHeader string  `gorm:"type:varchar(100);not null"` // Credential header captured at enqueue.

	Priority int    `gorm:"not null;default:5"`                                // Lower runs first.
	Status   string `gorm:"type:varchar(20);not null;index;default:'pending'"` // Lifecycle state.

	Attempts       int    `gorm:"not null;default:0"` // Execution attempts made.
	LastError      string `gorm:"type:text"`          // Last execution error, if any.
	ResponseStatus *int   // Upstream status of the completed attempt.

	CreatedAt   time.Time  `gorm:"not null"`       // Enqueue timestamp.
	ScheduledAt time.Time  `gorm:"not null;index"` // Earliest execution time.
	ProcessedAt *time.Time // Set when a worker claims the call.
	FinishedAt  *time.Time `gorm:"index"` // Set on completed or failed.
}

// Terminal reports whether the call reached completed or failed.
func (c *DeferredCall) Terminal() bool {
	return c.Status == DeferredStatusCompleted || c.Status == DeferredStatusFailed
}
