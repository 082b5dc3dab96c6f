package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/RelayGate/internal/access"
)

type stubAuthenticator struct {
	identity access.Identity
	err      error
}

func (s *stubAuthenticator) Authenticate(_ context.Context, _ *http.Request) (access.Identity, error) {
	return s.identity, s.err
}

func runRequestWithMiddleware(t *testing.T, middleware gin.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware)
	router.GET("/*path", func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			c.Status(http.StatusTeapot)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": identity.UserID})
	})

	responseRecorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/apis/x", nil)
	router.ServeHTTP(responseRecorder, req)
	return responseRecorder
}

func TestAccessAuthMiddlewareMapsErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{access.ErrNoCredentials, http.StatusUnauthorized},
		{access.ErrInvalidCredential, http.StatusUnauthorized},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := runRequestWithMiddleware(t, AccessAuthMiddleware(&stubAuthenticator{err: tc.err}))
		if rec.Code != tc.want {
			t.Fatalf("%v: expected status %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestAccessAuthMiddlewareStoresIdentity(t *testing.T) {
	auth := &stubAuthenticator{identity: access.Identity{UserID: 42, Method: access.MethodAPIKey}}
	rec := runRequestWithMiddleware(t, AccessAuthMiddleware(auth))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"user":42}` {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}
