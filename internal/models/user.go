package models

import "time"

// User is an account that owns upstreams and calls through the relay.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Email    string `gorm:"type:text;not null;uniqueIndex"` // Unique login email.
	Password string `gorm:"type:text;not null"`             // Hashed password.
	Name     string `gorm:"type:text"`                      // Display name.

	Disabled bool `gorm:"not null;default:false"` // Blocks sign-in and relay access when true.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
