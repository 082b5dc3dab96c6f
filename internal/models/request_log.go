package models

import "time"

// RequestLog is one append-only ledger entry for a relayed call.
type RequestLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UpstreamID string `gorm:"type:varchar(36);not null;index:idx_request_logs_window,priority:1"` // Target upstream public ID.
	UserID     uint64 `gorm:"not null;index:idx_request_logs_window,priority:2"`                  // Caller user ID.

	RequestPath   string `gorm:"type:text;not null"`        // Path relative to the upstream base URL.
	RequestMethod string `gorm:"type:varchar(16);not null"` // HTTP method.

	ResponseStatus   *int  `gorm:"index"`              // Status returned to the caller.
	ProcessingTimeMs int64 `gorm:"not null;default:0"` // Wall time spent handling the call.

	Queued      bool  `gorm:"not null;default:false"` // Whether the call was deferred.
	QueueTimeMs int64 `gorm:"not null;default:0"`     // Estimated queue wait for deferred calls.

	RequestedAt time.Time `gorm:"not null;index:idx_request_logs_window,priority:3"` // Admission timestamp.
}
