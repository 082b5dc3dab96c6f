package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/RelayGate/internal/models"
	"github.com/router-for-me/RelayGate/internal/security"
	"github.com/router-for-me/RelayGate/internal/util"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProfileHandler serves the caller's own account.
type ProfileHandler struct {
	db *gorm.DB
}

// NewProfileHandler constructs a ProfileHandler.
func NewProfileHandler(db *gorm.DB) *ProfileHandler {
	return &ProfileHandler{db: db}
}

type profileView struct {
	ID        uint64    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	APIKey    string    `json:"apiKey"`
	Upstreams int64     `json:"upstreams"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Get returns the profile with a masked preview of the active API key.
func (h *ProfileHandler) Get(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	user, ok := h.loadUser(c, userID)
	if !ok {
		return
	}

	view := profileView{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
	tx := h.db.WithContext(c.Request.Context())
	if errCount := tx.Model(&models.Upstream{}).Where("user_id = ?", userID).Count(&view.Upstreams).Error; errCount != nil {
		log.WithError(errCount).WithField("user_id", userID).Error("front: count upstreams failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile unavailable"})
		return
	}

	var key models.APIKey
	errKey := tx.Where("user_id = ? AND active = ?", userID, true).Order("id DESC").Take(&key).Error
	if errKey != nil && !errors.Is(errKey, gorm.ErrRecordNotFound) {
		log.WithError(errKey).WithField("user_id", userID).Error("front: load api key failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile unavailable"})
		return
	}
	if errKey == nil {
		view.APIKey = util.HideSecret(key.APIKey)
	}
	c.JSON(http.StatusOK, view)
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// ChangePassword replaces the password after verifying the current one.
func (h *ProfileHandler) ChangePassword(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var body changePasswordRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	current, next := strings.TrimSpace(body.OldPassword), strings.TrimSpace(body.NewPassword)
	if current == "" || next == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "oldPassword and newPassword are required"})
		return
	}

	user, ok := h.loadUser(c, userID)
	if !ok {
		return
	}
	if !security.CheckPassword(user.Password, current) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "old password incorrect"})
		return
	}
	hash, errHash := security.HashPassword(next)
	if errHash != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}
	errUpdate := h.db.WithContext(c.Request.Context()).
		Model(&models.User{}).
		Where("id = ?", user.ID).
		Updates(map[string]any{"password": hash, "updated_at": time.Now().UTC()}).Error
	if errUpdate != nil {
		log.WithError(errUpdate).WithField("user_id", userID).Error("front: update password failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "change password failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password updated"})
}

// loadUser writes a 404 or 500 and reports false when the user cannot be read.
func (h *ProfileHandler) loadUser(c *gin.Context, userID uint64) (models.User, bool) {
	var user models.User
	err := h.db.WithContext(c.Request.Context()).Take(&user, userID).Error
	if err == nil {
		return user, true
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	} else {
		log.WithError(err).WithField("user_id", userID).Error("front: load user failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile unavailable"})
	}
	return models.User{}, false
}
