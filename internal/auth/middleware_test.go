package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(m *Manager, adminSecret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(m))

	r.GET("/public", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"authed": IsAuthenticated(c)})
	})
	r.GET("/private", RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"steam_id": AuthenticatedSteamID(c)})
	})
	r.GET("/users/:steam_id/keys", RequireAuth(), RequireOwnership("steam_id"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/admin/stats", RequireAdmin(adminSecret), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestMiddlewarePublic(t *testing.T) {
	r := setupRouter(NewManager(NewMemoryStore()), "topsecret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/public", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"authed":false`)
}

func TestRequireAuth(t *testing.T) {
	m := NewManager(NewMemoryStore())
	r := setupRouter(m, "topsecret")

	// Without key
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/private", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// With key
	raw, _, err := m.GenerateKey(context.Background(), "76561198000000001", "test")
	require.NoError(t, err)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "76561198000000001")
}

func TestRequireOwnership(t *testing.T) {
	m := NewManager(NewMemoryStore())
	r := setupRouter(m, "topsecret")

	raw, _, err := m.GenerateKey(context.Background(), "76561198000000001", "test")
	require.NoError(t, err)

	// Own resource
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/users/76561198000000001/keys", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Someone else's resource
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/users/76561198000000002/keys", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	r := setupRouter(NewManager(NewMemoryStore()), "topsecret")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set(AdminSecretHeader, "topsecret")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAdminDisabledWhenUnset(t *testing.T) {
	// Empty secret means the admin surface is off, even for empty headers.
	r := setupRouter(NewManager(NewMemoryStore()), "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}
