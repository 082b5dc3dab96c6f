package front

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/router-for-me/RelayGate/internal/access"
	"github.com/router-for-me/RelayGate/internal/config"
	"github.com/router-for-me/RelayGate/internal/db"
	"github.com/router-for-me/RelayGate/internal/registry"
	"github.com/router-for-me/RelayGate/internal/security"
	"gorm.io/gorm"
)

func newFrontTestEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:front_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	vault, err := security.NewVaultFromString(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	engine := gin.New()
	auth := access.NewProvider(conn, access.Options{JWTSecret: "front-secret"})
	RegisterFrontRoutes(engine, conn, config.JWTConfig{Secret: "front-secret", Expiry: time.Hour}, auth, registry.NewGormRegistry(conn, vault))
	return engine
}

func doJSON(t *testing.T, engine *gin.Engine, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s response: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, out
}

func registerUser(t *testing.T, engine *gin.Engine, email string) string {
	t.Helper()
	rec, body := doJSON(t, engine, http.MethodPost, "/api/auth/register", "", gin.H{"email": email, "password": "pw-123456", "name": "Test"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("register: expected token in %v", body)
	}
	return token
}

func TestRegisterLoginAndAPIKey(t *testing.T) {
	engine := newFrontTestEngine(t)
	registerUser(t, engine, "dev@example.com")

	if rec, _ := doJSON(t, engine, http.MethodPost, "/api/auth/register", "", gin.H{"email": "DEV@example.com", "password": "x"}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d", rec.Code)
	}
	if rec, _ := doJSON(t, engine, http.MethodPost, "/api/auth/login", "", gin.H{"email": "dev@example.com", "password": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", rec.Code)
	}
	rec, body := doJSON(t, engine, http.MethodPost, "/api/auth/login", "", gin.H{"email": "dev@example.com", "password": "pw-123456"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rec.Code)
	}
	token, _ := body["token"].(string)

	if rec, _ := doJSON(t, engine, http.MethodPost, "/api/auth/api-key", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec, body = doJSON(t, engine, http.MethodPost, "/api/auth/api-key", token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("api-key: expected 201, got %d", rec.Code)
	}
	key, _ := body["apiKey"].(string)
	if !security.LooksLikeAPIKey(key) {
		t.Fatalf("unexpected api key %q", key)
	}

	rec, body = doJSON(t, engine, http.MethodGet, "/api/profile", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile: expected 200, got %d", rec.Code)
	}
	if preview, _ := body["apiKey"].(string); preview == "" || preview == key {
		t.Fatalf("expected masked api key in profile, got %q", preview)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.Header.Set("X-API-Key", key)
	keyRec := httptest.NewRecorder()
	engine.ServeHTTP(keyRec, req)
	if keyRec.Code != http.StatusOK {
		t.Fatalf("profile via api key: expected 200, got %d", keyRec.Code)
	}

	if rec, _ := doJSON(t, engine, http.MethodGet, "/api/profile", "not-a-jwt", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed token, got %d", rec.Code)
	}
}

func TestAppsLifecycle(t *testing.T) {
	engine := newFrontTestEngine(t)
	token := registerUser(t, engine, "owner@example.com")
	otherToken := registerUser(t, engine, "other@example.com")

	if rec, _ := doJSON(t, engine, http.MethodPost, "/api/apps", token, gin.H{"name": "x", "baseUrl": "https://x.test"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without rateLimitConfig, got %d", rec.Code)
	}
	if rec, _ := doJSON(t, engine, http.MethodPost, "/api/apps", token, gin.H{
		"name": "x", "baseUrl": "https://x.test",
		"rateLimitConfig": gin.H{"strategyName": "unknown", "requestCount": 1, "timeWindowSeconds": 1},
	}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown strategy, got %d", rec.Code)
	}

	rec, body := doJSON(t, engine, http.MethodPost, "/api/apps", token, gin.H{
		"name":    "weather",
		"baseUrl": "https://api.weather.test",
		"apiKey":  "upstream-secret",
		"rateLimitConfig": gin.H{
			"strategyName":      "fixedWindow",
			"requestCount":      10,
			"timeWindowSeconds": 60,
			"additionalParams":  gin.H{"queueingEnabled": true},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "upstream-secret") {
		t.Fatalf("response must not leak the credential: %s", rec.Body.String())
	}
	app, _ := body["app"].(map[string]any)
	appID, _ := app["appId"].(string)
	if appID == "" || app["hasApiKey"] != true || app["apiKeyHeaderName"] != "Authorization" {
		t.Fatalf("unexpected app %v", app)
	}

	rec, body = doJSON(t, engine, http.MethodGet, "/api/apps", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	if apps, _ := body["apps"].([]any); len(apps) != 1 {
		t.Fatalf("expected 1 app, got %v", body["apps"])
	}
	if rec, _ := doJSON(t, engine, http.MethodGet, "/api/apps/"+appID, otherToken, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other user, got %d", rec.Code)
	}

	rec, body = doJSON(t, engine, http.MethodPut, "/api/apps/"+appID, token, gin.H{
		"name":            "weather-v2",
		"rateLimitConfig": gin.H{"strategyName": "slidingWindow", "requestCount": 5, "timeWindowSeconds": 30},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	app, _ = body["app"].(map[string]any)
	policy, _ := app["rateLimitConfig"].(map[string]any)
	if app["name"] != "weather-v2" || policy["strategyName"] != "slidingWindow" || policy["version"] != float64(2) {
		t.Fatalf("unexpected updated app %v", app)
	}

	if rec, _ := doJSON(t, engine, http.MethodDelete, "/api/apps/"+appID, otherToken, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting as other user, got %d", rec.Code)
	}
	if rec, _ := doJSON(t, engine, http.MethodDelete, "/api/apps/"+appID, token, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	if rec, _ := doJSON(t, engine, http.MethodGet, "/api/apps/"+appID, token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestChangePassword(t *testing.T) {
	engine := newFrontTestEngine(t)
	token := registerUser(t, engine, "pw@example.com")

	if rec, _ := doJSON(t, engine, http.MethodPut, "/api/profile/password", token, gin.H{"oldPassword": "pw-123456"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without new password, got %d", rec.Code)
	}
	if rec, _ := doJSON(t, engine, http.MethodPut, "/api/profile/password", token, gin.H{"oldPassword": "nope", "newPassword": "next-pass"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong old password, got %d", rec.Code)
	}
	if rec, _ := doJSON(t, engine, http.MethodPut, "/api/profile/password", token, gin.H{"oldPassword": "pw-123456", "newPassword": "next-pass"}); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for password change, got %d", rec.Code)
	}
	if rec, _ := doJSON(t, engine, http.MethodPost, "/api/auth/login", "", gin.H{"email": "pw@example.com", "password": "pw-123456"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected old password to be rejected, got %d", rec.Code)
	}
	if rec, _ := doJSON(t, engine, http.MethodPost, "/api/auth/login", "", gin.H{"email": "pw@example.com", "password": "next-pass"}); rec.Code != http.StatusOK {
		t.Fatalf("expected login with new password, got %d", rec.Code)
	}
}
