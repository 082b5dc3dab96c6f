// Package registry stores upstream targets and their versioned rate-limit policies.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/router-for-me/RelayGate/internal/db"
	"github.com/router-for-me/RelayGate/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned for unknown upstream ids, and for upstreams the caller does not own
	// on management operations.
	ErrNotFound = errors.New("upstream not found")
	// ErrNotOwner is returned when a relay caller is not the upstream owner.
	ErrNotOwner = errors.New("caller does not own upstream")
	// ErrInvalidInput wraps validation failures.
	ErrInvalidInput = errors.New("invalid upstream input")
)

// Encrypter seals credentials before they are stored.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Entry is an upstream with its active policy. Policy is nil when none is active.
type Entry struct {
	Upstream models.Upstream
	Policy   *models.RateLimitPolicy
}

// Authorize returns ErrNotOwner unless callerID owns the upstream.
func (e *Entry) Authorize(callerID uint64) error {
	if e == nil || e.Upstream.UserID != callerID {
		return ErrNotOwner
	}
	return nil
}

// Registry resolves upstream ids for the relay path.
type Registry interface {
	Lookup(ctx context.Context, upstreamID string) (*Entry, error)
}

// PolicyInput describes the policy to attach on create or update.
type PolicyInput struct {
	Strategy      string
	RequestLimit  int64
	WindowSeconds int64
	Params        datatypes.JSON
	OwnerExempt   bool
}

// CreateInput registers a new upstream. Credential is plaintext and is encrypted before storage.
type CreateInput struct {
	Name             string
	BaseURL          string
	Description      string
	Credential       string
	CredentialHeader string
	Policy           PolicyInput
}

// UpdateInput changes the non-nil fields. A non-nil Policy replaces the active policy with a new version.
type UpdateInput struct {
	Name             *string
	BaseURL          *string
	Description      *string
	Credential       *string
	CredentialHeader *string
	Policy           *PolicyInput
}

// GormRegistry is the database-backed registry.
type GormRegistry struct {
	db    *gorm.DB
	vault Encrypter
}

// NewGormRegistry constructs a GormRegistry.
func NewGormRegistry(conn *gorm.DB, vault Encrypter) *GormRegistry {
	return &GormRegistry{db: conn, vault: vault}
}

// Lookup loads an upstream by public id regardless of owner.
func (r *GormRegistry) Lookup(ctx context.Context, upstreamID string) (*Entry, error) {
	return r.find(ctx, r.db.WithContext(ctx).Where("upstream_id = ?", upstreamID))
}

// Get loads an upstream owned by ownerID.
func (r *GormRegistry) Get(ctx context.Context, ownerID uint64, upstreamID string) (*Entry, error) {
	return r.find(ctx, r.db.WithContext(ctx).Where("upstream_id = ? AND user_id = ?", upstreamID, ownerID))
}

func (r *GormRegistry) find(ctx context.Context, query *gorm.DB) (*Entry, error) {
	var upstream models.Upstream
	if errFind := query.Preload("Policies", "active = ?", true).First(&upstream).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: find upstream: %w", errFind)
	}
	return toEntry(upstream), nil
}

func toEntry(upstream models.Upstream) *Entry {
	entry := &Entry{Upstream: upstream}
	if len(upstream.Policies) > 0 {
		policy := upstream.Policies[0]
		entry.Policy = &policy
	}
	entry.Upstream.Policies = nil
	return entry
}

// List returns the owner's upstreams, newest first. A non-empty search matches name or base URL.
func (r *GormRegistry) List(ctx context.Context, ownerID uint64, search string) ([]*Entry, error) {
	query := r.db.WithContext(ctx).Model(&models.Upstream{}).Where("user_id = ?", ownerID)
	if search = strings.TrimSpace(search); search != "" {
		nameClause, nameArg := db.CaseInsensitiveLike(r.db, "name", search)
		urlClause, urlArg := db.CaseInsensitiveLike(r.db, "base_url", search)
		query = query.Where(nameClause+" OR "+urlClause, nameArg, urlArg)
	}
	var rows []models.Upstream
	if errFind := query.Preload("Policies", "active = ?", true).Order("created_at DESC, id DESC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("registry: list upstreams: %w", errFind)
	}
	out := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, toEntry(row))
	}
	return out, nil
}

// Create stores the upstream with a new public id and policy version 1.
func (r *GormRegistry) Create(ctx context.Context, ownerID uint64, in CreateInput) (*Entry, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	baseURL, errURL := normalizeBaseURL(in.BaseURL)
	if errURL != nil {
		return nil, errURL
	}
	if errPolicy := validatePolicy(in.Policy); errPolicy != nil {
		return nil, errPolicy
	}

	upstream := models.Upstream{
		UpstreamID:       uuid.NewString(),
		UserID:           ownerID,
		Name:             name,
		Description:      strings.TrimSpace(in.Description),
		BaseURL:          baseURL,
		CredentialHeader: credentialHeader(in.CredentialHeader),
	}
	if in.Credential != "" {
		sealed, errSeal := r.seal(in.Credential)
		if errSeal != nil {
			return nil, errSeal
		}
		upstream.Credential = &sealed
	}
	policy := newPolicy(upstream.UpstreamID, 1, in.Policy)

	errTx := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errCreate := tx.Create(&upstream).Error; errCreate != nil {
			return errCreate
		}
		return tx.Create(&policy).Error
	})
	if errTx != nil {
		return nil, fmt.Errorf("registry: create upstream: %w", errTx)
	}
	return &Entry{Upstream: upstream, Policy: &policy}, nil
}

// Update applies in to an upstream owned by ownerID. A policy change deactivates the
// current version and inserts the next one in the same transaction.
func (r *GormRegistry) Update(ctx context.Context, ownerID uint64, upstreamID string, in UpdateInput) (*Entry, error) {
	updates := map[string]any{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		updates["name"] = name
	}
	if in.BaseURL != nil {
		baseURL, errURL := normalizeBaseURL(*in.BaseURL)
		if errURL != nil {
			return nil, errURL
		}
		updates["base_url"] = baseURL
	}
	if in.Description != nil {
		updates["description"] = strings.TrimSpace(*in.Description)
	}
	if in.CredentialHeader != nil {
		updates["credential_header"] = credentialHeader(*in.CredentialHeader)
	}
	if in.Credential != nil {
		if *in.Credential == "" {
			updates["credential"] = nil
		} else {
			sealed, errSeal := r.seal(*in.Credential)
			if errSeal != nil {
				return nil, errSeal
			}
			updates["credential"] = sealed
		}
	}
	if in.Policy != nil {
		if errPolicy := validatePolicy(*in.Policy); errPolicy != nil {
			return nil, errPolicy
		}
	}

	errTx := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var upstream models.Upstream
		if errFind := tx.Where("upstream_id = ? AND user_id = ?", upstreamID, ownerID).First(&upstream).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return errFind
		}
		if len(updates) > 0 {
			if errUpdate := tx.Model(&upstream).Updates(updates).Error; errUpdate != nil {
				return errUpdate
			}
		}
		if in.Policy == nil {
			return nil
		}

		var maxVersion int
		if errMax := tx.Model(&models.RateLimitPolicy{}).
			Where("upstream_id = ?", upstreamID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; errMax != nil {
			return errMax
		}
		if errDeactivate := tx.Model(&models.RateLimitPolicy{}).
			Where("upstream_id = ? AND active = ?", upstreamID, true).
			Update("active", false).Error; errDeactivate != nil {
			return errDeactivate
		}
		next := newPolicy(upstreamID, maxVersion+1, *in.Policy)
		return tx.Create(&next).Error
	})
	if errTx != nil {
		if errors.Is(errTx, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: update upstream: %w", errTx)
	}
	return r.Get(ctx, ownerID, upstreamID)
}

// Delete removes an upstream owned by ownerID together with all its policy versions.
// Ledger rows and deferred calls are kept.
func (r *GormRegistry) Delete(ctx context.Context, ownerID uint64, upstreamID string) error {
	errTx := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("upstream_id = ? AND user_id = ?", upstreamID, ownerID).Delete(&models.Upstream{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("upstream_id = ?", upstreamID).Delete(&models.RateLimitPolicy{}).Error
	})
	if errTx != nil {
		if errors.Is(errTx, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("registry: delete upstream: %w", errTx)
	}
	return nil
}

func (r *GormRegistry) seal(credential string) (string, error) {
	if r.vault == nil {
		return "", fmt.Errorf("registry: no vault configured")
	}
	sealed, errEncrypt := r.vault.Encrypt(credential)
	if errEncrypt != nil {
		return "", fmt.Errorf("registry: encrypt credential: %w", errEncrypt)
	}
	return sealed, nil
}

func newPolicy(upstreamID string, version int, in PolicyInput) models.RateLimitPolicy {
	return models.RateLimitPolicy{
		UpstreamID:    upstreamID,
		Version:       version,
		Active:        true,
		Strategy:      in.Strategy,
		RequestLimit:  in.RequestLimit,
		WindowSeconds: in.WindowSeconds,
		Params:        in.Params,
		OwnerExempt:   in.OwnerExempt,
	}
}

func credentialHeader(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.DefaultCredentialHeader
	}
	return name
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: baseUrl is required", ErrInvalidInput)
	}
	parsed, errParse := url.Parse(raw)
	if errParse != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("%w: baseUrl must be an absolute http(s) URL", ErrInvalidInput)
	}
	return raw, nil
}

func validatePolicy(in PolicyInput) error {
	switch in.Strategy {
	case models.StrategyFixedWindow, models.StrategySlidingWindow, models.StrategyTokenBucket:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, in.Strategy)
	}
	if in.RequestLimit <= 0 {
		return fmt.Errorf("%w: requestCount must be positive", ErrInvalidInput)
	}
	if in.WindowSeconds <= 0 {
		return fmt.Errorf("%w: timeWindowSeconds must be positive", ErrInvalidInput)
	}
	if len(in.Params) > 0 {
		var probe map[string]any
		if errParams := json.Unmarshal(in.Params, &probe); errParams != nil {
			return fmt.Errorf("%w: additionalParams must be a JSON object", ErrInvalidInput)
		}
	}
	return nil
}
