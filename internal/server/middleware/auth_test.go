package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authProbe(t *testing.T, apiKey string, set func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	if set != nil {
		set(req)
	}
	rec := httptest.NewRecorder()
	Auth(apiKey)(next).ServeHTTP(rec, req)
	return rec
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	rec := authProbe(t, "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuthMissingToken(t *testing.T) {
	rec := authProbe(t, "secret", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized")
	assert.Contains(t, rec.Body.String(), "missing authentication token")
}

func TestAuthInvalidToken(t *testing.T) {
	rec := authProbe(t, "secret", func(r *http.Request) {
		r.Header.Set("X-API-Key", "wrong")
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized")
}

func TestAuthAcceptsBearerAndHeader(t *testing.T) {
	rec := authProbe(t, "secret", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer secret")
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = authProbe(t, "secret", func(r *http.Request) {
		r.Header.Set("X-API-Key", "secret")
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
