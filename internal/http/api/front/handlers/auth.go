package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/RelayGate/internal/access"
	"github.com/router-for-me/RelayGate/internal/config"
	"github.com/router-for-me/RelayGate/internal/models"
	"github.com/router-for-me/RelayGate/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AuthHandler handles account endpoints.
type AuthHandler struct {
	db     *gorm.DB
	jwtCfg config.JWTConfig
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(db *gorm.DB, jwtCfg config.JWTConfig) *AuthHandler {
	return &AuthHandler{db: db, jwtCfg: jwtCfg}
}

// registerRequest defines the request body for user registration.
type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// Register creates a new user account and signs it in.
func (h *AuthHandler) Register(c *gin.Context) {
	var body registerRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	email := strings.ToLower(strings.TrimSpace(body.Email))
	password := strings.TrimSpace(body.Password)
	if email == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	var exists int64
	if errCheck := h.db.WithContext(c.Request.Context()).Model(&models.User{}).Where("email = ?", email).Count(&exists).Error; errCheck != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if exists > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "user with this email already exists"})
		return
	}

	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}
	user := models.User{
		Email:    email,
		Password: hash,
		Name:     strings.TrimSpace(body.Name),
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&user).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed"})
		return
	}
	h.respondWithUserToken(c, http.StatusCreated, user)
}

// loginRequest defines the request body for login.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates a user and issues a JWT.
func (h *AuthHandler) Login(c *gin.Context) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	email := strings.ToLower(strings.TrimSpace(body.Email))
	password := strings.TrimSpace(body.Password)
	if email == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	var user models.User
	if errFind := h.db.WithContext(c.Request.Context()).Where("email = ?", email).First(&user).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if user.Disabled {
		c.JSON(http.StatusForbidden, gin.H{"error": "user disabled"})
		return
	}
	if !security.CheckPassword(user.Password, password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	h.respondWithUserToken(c, http.StatusOK, user)
}

// GenerateAPIKey issues a new relay API key and deactivates the previous ones.
func (h *AuthHandler) GenerateAPIKey(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	key, errIssue := access.IssueAPIKey(c.Request.Context(), h.db, userID, "default")
	if errIssue != nil {
		log.WithError(errIssue).WithField("user_id", userID).Error("front: issue api key failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate api key failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "New API key generated",
		"apiKey":  key.APIKey,
	})
}

// respondWithUserToken writes the user summary together with a fresh session token.
func (h *AuthHandler) respondWithUserToken(c *gin.Context, status int, user models.User) {
	token, errToken := security.GenerateToken(h.jwtCfg.Secret, user.ID, user.Email, user.Name, h.jwtCfg.Expiry)
	if errToken != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	c.JSON(status, gin.H{
		"user": gin.H{
			"id":    user.ID,
			"email": user.Email,
			"name":  user.Name,
		},
		"token": token,
	})
}
