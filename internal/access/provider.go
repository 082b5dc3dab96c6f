// Package access resolves the caller identity for relay and queue requests.
package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/router-for-me/RelayGate/internal/models"
	"github.com/router-for-me/RelayGate/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	// ErrNoCredentials means the request carried neither an API key nor a bearer token.
	ErrNoCredentials = errors.New("missing credentials")
	// ErrInvalidCredential means a presented credential was unknown, inactive, expired or malformed.
	ErrInvalidCredential = errors.New("invalid credentials")
)

// Method names how an identity was established.
type Method string

const (
	MethodAPIKey Method = "api_key"
	MethodJWT    Method = "jwt"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID   uint64
	Method   Method
	APIKeyID uint64
}

// Authenticator resolves an Identity from an inbound request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// Options configures Provider.
type Options struct {
	JWTSecret    string
	APIKeyHeader string
	AuthHeader   string
}

// Provider checks the API key header first, then a bearer JWT in the auth header.
// A present but invalid API key does not fall through to the JWT.
type Provider struct {
	db           *gorm.DB
	jwtSecret    string
	apiKeyHeader string
	authHeader   string
	now          func() time.Time
}

// NewProvider constructs a Provider backed by the users and api_keys tables.
func NewProvider(db *gorm.DB, opts Options) *Provider {
	p := &Provider{
		db:           db,
		jwtSecret:    opts.JWTSecret,
		apiKeyHeader: strings.TrimSpace(opts.APIKeyHeader),
		authHeader:   strings.TrimSpace(opts.AuthHeader),
		now:          time.Now,
	}
	if p.apiKeyHeader == "" {
		p.apiKeyHeader = "X-API-Key"
	}
	if p.authHeader == "" {
		p.authHeader = "Authorization"
	}
	return p
}

// Authenticate implements Authenticator.
func (p *Provider) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if r == nil {
		return Identity{}, ErrNoCredentials
	}
	if key := strings.TrimSpace(r.Header.Get(p.apiKeyHeader)); key != "" {
		return p.authenticateAPIKey(ctx, key)
	}
	if token, ok := bearerToken(r.Header.Get(p.authHeader)); ok {
		return p.authenticateToken(ctx, token)
	}
	return Identity{}, ErrNoCredentials
}

func (p *Provider) authenticateAPIKey(ctx context.Context, key string) (Identity, error) {
	now := p.now().UTC()
	var apiKey models.APIKey
	errFind := p.db.WithContext(ctx).
		Preload("User").
		Where("api_key = ? AND active = ? AND revoked_at IS NULL", key, true).
		Where("(expires_at IS NULL OR expires_at > ?)", now).
		First(&apiKey).Error
	switch {
	case errFind == nil:
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		return Identity{}, ErrInvalidCredential
	default:
		return Identity{}, fmt.Errorf("access: api key lookup: %w", errFind)
	}
	if apiKey.User == nil || apiKey.User.Disabled {
		return Identity{}, ErrInvalidCredential
	}

	if errTouch := p.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", apiKey.ID).
		Update("last_used_at", &now).Error; errTouch != nil {
		log.WithError(errTouch).Warn("access: update api key last_used_at failed")
	}
	return Identity{UserID: apiKey.UserID, Method: MethodAPIKey, APIKeyID: apiKey.ID}, nil
}

func (p *Provider) authenticateToken(ctx context.Context, token string) (Identity, error) {
	claims, errParse := security.ParseToken(p.jwtSecret, token)
	if errParse != nil {
		return Identity{}, ErrInvalidCredential
	}
	var user models.User
	errFind := p.db.WithContext(ctx).Select("id", "disabled").First(&user, claims.UserID).Error
	switch {
	case errFind == nil:
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		return Identity{}, ErrInvalidCredential
	default:
		return Identity{}, fmt.Errorf("access: user lookup: %w", errFind)
	}
	if user.Disabled {
		return Identity{}, ErrInvalidCredential
	}
	return Identity{UserID: user.ID, Method: MethodJWT}, nil
}

// bearerToken extracts the token from "Bearer <token>", matching the scheme case-insensitively.
func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
