package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/RelayGate/internal/registry"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// UpstreamStore is the registry surface the apps endpoints need.
type UpstreamStore interface {
	Create(ctx context.Context, ownerID uint64, in registry.CreateInput) (*registry.Entry, error)
	List(ctx context.Context, ownerID uint64, search string) ([]*registry.Entry, error)
	Get(ctx context.Context, ownerID uint64, upstreamID string) (*registry.Entry, error)
	Update(ctx context.Context, ownerID uint64, upstreamID string, in registry.UpdateInput) (*registry.Entry, error)
	Delete(ctx context.Context, ownerID uint64, upstreamID string) error
}

// AppHandler manages the caller's registered upstreams.
type AppHandler struct {
	store UpstreamStore
}

// NewAppHandler constructs an AppHandler.
func NewAppHandler(store UpstreamStore) *AppHandler {
	return &AppHandler{store: store}
}

type rateLimitConfigRequest struct {
	StrategyName      string          `json:"strategyName"`
	RequestCount      int64           `json:"requestCount"`
	TimeWindowSeconds int64           `json:"timeWindowSeconds"`
	AdditionalParams  json.RawMessage `json:"additionalParams"`
	OwnerExempt       bool            `json:"ownerExempt"`
}

func (r *rateLimitConfigRequest) policy() registry.PolicyInput {
	in := registry.PolicyInput{
		Strategy:      r.StrategyName,
		RequestLimit:  r.RequestCount,
		WindowSeconds: r.TimeWindowSeconds,
		OwnerExempt:   r.OwnerExempt,
	}
	if params := bytes.TrimSpace(r.AdditionalParams); len(params) > 0 && !bytes.Equal(params, []byte("null")) {
		in.Params = datatypes.JSON(params)
	}
	return in
}

type createAppRequest struct {
	Name             string                  `json:"name"`
	BaseURL          string                  `json:"baseUrl"`
	Description      string                  `json:"description"`
	APIKey           string                  `json:"apiKey"`
	APIKeyHeaderName string                  `json:"apiKeyHeaderName"`
	RateLimitConfig  *rateLimitConfigRequest `json:"rateLimitConfig"`
}

type updateAppRequest struct {
	Name             *string                 `json:"name"`
	BaseURL          *string                 `json:"baseUrl"`
	Description      *string                 `json:"description"`
	APIKey           *string                 `json:"apiKey"`
	APIKeyHeaderName *string                 `json:"apiKeyHeaderName"`
	RateLimitConfig  *rateLimitConfigRequest `json:"rateLimitConfig"`
}

type listAppsQuery struct {
	Search string `form:"search"`
}

// Create registers an upstream with its first policy version.
func (h *AppHandler) Create(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var body createAppRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.RateLimitConfig == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rateLimitConfig is required"})
		return
	}

	entry, errCreate := h.store.Create(c.Request.Context(), userID, registry.CreateInput{
		Name:             body.Name,
		BaseURL:          body.BaseURL,
		Description:      body.Description,
		Credential:       body.APIKey,
		CredentialHeader: body.APIKeyHeaderName,
		Policy:           body.RateLimitConfig.policy(),
	})
	if errCreate != nil {
		h.writeError(c, errCreate, "create app failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "Application registered successfully",
		"app":     serializeApp(entry),
	})
}

// List returns the caller's upstreams, newest first.
func (h *AppHandler) List(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var q listAppsQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	entries, errList := h.store.List(c.Request.Context(), userID, q.Search)
	if errList != nil {
		h.writeError(c, errList, "list apps failed")
		return
	}
	out := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		out = append(out, serializeApp(entry))
	}
	c.JSON(http.StatusOK, gin.H{"apps": out})
}

// Get returns one upstream owned by the caller.
func (h *AppHandler) Get(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	entry, errGet := h.store.Get(c.Request.Context(), userID, c.Param("upstreamId"))
	if errGet != nil {
		h.writeError(c, errGet, "get app failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"app": serializeApp(entry)})
}

// Update changes upstream fields; a rateLimitConfig creates a new policy version.
func (h *AppHandler) Update(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var body updateAppRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	in := registry.UpdateInput{
		Name:             body.Name,
		BaseURL:          body.BaseURL,
		Description:      body.Description,
		Credential:       body.APIKey,
		CredentialHeader: body.APIKeyHeaderName,
	}
	if body.RateLimitConfig != nil {
		policy := body.RateLimitConfig.policy()
		in.Policy = &policy
	}
	entry, errUpdate := h.store.Update(c.Request.Context(), userID, c.Param("upstreamId"), in)
	if errUpdate != nil {
		h.writeError(c, errUpdate, "update app failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Application updated successfully",
		"app":     serializeApp(entry),
	})
}

// Delete removes an upstream and its policies.
func (h *AppHandler) Delete(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	upstreamID := c.Param("upstreamId")
	if errDelete := h.store.Delete(c.Request.Context(), userID, upstreamID); errDelete != nil {
		h.writeError(c, errDelete, "delete app failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Application deleted successfully",
		"appId":   upstreamID,
	})
}

func (h *AppHandler) writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, registry.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "application not found"})
	default:
		log.WithError(err).Error("front apps: " + fallback)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

// serializeApp converts an entry to the response shape. The credential is reported only as present or not.
func serializeApp(entry *registry.Entry) gin.H {
	u := entry.Upstream
	app := gin.H{
		"appId":            u.UpstreamID,
		"name":             u.Name,
		"baseUrl":          u.BaseURL,
		"description":      u.Description,
		"hasApiKey":        u.HasCredential(),
		"apiKeyHeaderName": u.CredentialHeader,
		"createdAt":        u.CreatedAt,
		"updatedAt":        u.UpdatedAt,
		"rateLimitConfig":  nil,
	}
	if p := entry.Policy; p != nil {
		app["rateLimitConfig"] = gin.H{
			"version":           p.Version,
			"strategyName":      p.Strategy,
			"requestCount":      p.RequestLimit,
			"timeWindowSeconds": p.WindowSeconds,
			"additionalParams":  p.Params,
			"ownerExempt":       p.OwnerExempt,
		}
	}
	return app
}
