package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Rate limiting strategy identifiers.
const (
	StrategyFixedWindow   = "fixedWindow"
	StrategySlidingWindow = "slidingWindow"
	StrategyTokenBucket   = "tokenBucket"
)

const (
	// DefaultQueuePriority applies when a policy enables queueing without a priority.
	DefaultQueuePriority = 5
	// MaxQueuePriority bounds priorities so schedule ranks stay exact.
	MaxQueuePriority = 1000
)

// ClampQueuePriority maps p into [1, MaxQueuePriority]; non-positive values become the default.
func ClampQueuePriority(p int) int {
	switch {
	case p <= 0:
		return DefaultQueuePriority
	case p > MaxQueuePriority:
		return MaxQueuePriority
	}
	return p
}

// RateLimitPolicy is one version of the admission policy attached to an upstream.
// Updates deactivate the current row and insert the next version.
type RateLimitPolicy struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UpstreamID string `gorm:"type:varchar(36);not null;index:idx_rate_limit_policies_active,priority:1"` // Owning upstream public ID.
	Version    int    `gorm:"not null;default:1"`                                                        // Monotonic version per upstream.
	Active     bool   `gorm:"not null;default:true;index:idx_rate_limit_policies_active,priority:2"`     // Only one active row per upstream.

	Strategy      string         `gorm:"type:varchar(32);not null"` // One of the Strategy* constants.
	RequestLimit  int64          `gorm:"not null"`                  // Requests admitted per window.
	WindowSeconds int64          `gorm:"not null"`                  // Window length in seconds.
	Params        datatypes.JSON `gorm:"type:jsonb"`                // Extra parameters, see PolicyParams.
	OwnerExempt   bool           `gorm:"not null;default:false"`    // Skips limiting for the upstream owner.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// PolicyParams is the decoded form of RateLimitPolicy.Params.
type PolicyParams struct {
	EnableQueue     *bool `json:"enableQueue,omitempty"`
	QueueingEnabled *bool `json:"queueingEnabled,omitempty"`
	QueuePriority   int   `json:"queuePriority,omitempty"`
}

// DecodeParams parses the JSON parameters. Malformed params decode as empty.
func (p *RateLimitPolicy) DecodeParams() PolicyParams {
	var out PolicyParams
	if p == nil || len(p.Params) == 0 {
		return out
	}
	_ = json.Unmarshal(p.Params, &out)
	return out
}

// QueueSettings reports whether over-quota calls are deferred and at which priority.
func (p *RateLimitPolicy) QueueSettings() (bool, int) {
	params := p.DecodeParams()
	enabled := false
	switch {
	case params.EnableQueue != nil:
		enabled = *params.EnableQueue
	case params.QueueingEnabled != nil:
		enabled = *params.QueueingEnabled
	}
	return enabled, ClampQueuePriority(params.QueuePriority)
}

// Window returns the policy window as a duration.
func (p *RateLimitPolicy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}
