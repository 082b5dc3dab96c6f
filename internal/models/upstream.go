package models

import "time"

// DefaultCredentialHeader is the header used to attach the upstream credential when none is configured.
const DefaultCredentialHeader = "Authorization"

// Upstream is a third-party HTTP API registered behind the relay.
type Upstream struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UpstreamID string `gorm:"type:varchar(36);not null;uniqueIndex"` // Public identifier used in relay paths.

	UserID uint64 `gorm:"not null;index"`    // Owning user ID.
	User   *User  `gorm:"foreignKey:UserID"` // Associated owner record.

	Name        string `gorm:"type:text;not null"` // Display name.
	Description string `gorm:"type:text"`          // Free-form description.
	BaseURL     string `gorm:"type:text;not null"` // Base URL calls are joined onto.

	Credential       *string `gorm:"type:text"`                  // Encrypted credential record; nil when the upstream is public.
	CredentialHeader string  `gorm:"type:varchar(100);not null"` // Header name carrying the credential.

	Policies []RateLimitPolicy `gorm:"foreignKey:UpstreamID;references:UpstreamID"` // Policy versions.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// HasCredential reports whether an encrypted credential is stored.
func (u *Upstream) HasCredential() bool {
	return u != nil && u.Credential != nil && *u.Credential != ""
}
