package db

import (
	"fmt"

	"github.com/router-for-me/RelayGate/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates every table owned by the relay.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.User{},
		&models.APIKey{},
		&models.Upstream{},
		&models.RateLimitPolicy{},
		&models.RequestLog{},
		&models.DeferredCall{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
