package access

import (
	"context"
	"fmt"
	"time"

	"github.com/router-for-me/RelayGate/internal/models"
	"github.com/router-for-me/RelayGate/internal/security"
	"gorm.io/gorm"
)

// IssueAPIKey creates a new active key for userID and deactivates the user's previous keys.
func IssueAPIKey(ctx context.Context, db *gorm.DB, userID uint64, name string) (*models.APIKey, error) {
	value, errGenerate := security.GenerateAPIKey()
	if errGenerate != nil {
		return nil, errGenerate
	}
	if name == "" {
		name = "default"
	}
	key := &models.APIKey{
		UserID: userID,
		Name:   name,
		APIKey: value,
		Active: true,
	}
	now := time.Now().UTC()
	errTx := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errDeactivate := tx.Model(&models.APIKey{}).
			Where("user_id = ? AND active = ?", userID, true).
			Updates(map[string]any{"active": false, "revoked_at": now}).Error; errDeactivate != nil {
			return errDeactivate
		}
		return tx.Create(key).Error
	})
	if errTx != nil {
		return nil, fmt.Errorf("access: issue api key: %w", errTx)
	}
	return key, nil
}
