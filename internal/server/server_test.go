package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ZhaslanToishybayev/steammarket/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config.
func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		SteamAPIBaseURL:         "https://api.steampowered.com",
		SteamRateLimitPerMinute: 20,
		BotPoolSize:             2,
		PlatformFeePercent:      decimal.RequireFromString("5"),
		TradeTimeoutSeconds:     86400,
		AwaitLegTimeoutSeconds:  1800,
		MinListingPrice:         decimal.RequireFromString("0.10"),
		MaxListingPrice:         decimal.RequireFromString("5000.00"),
		AdminSecret:             "test-admin-secret",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { s.cache.Stop() })
	return s
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessBeforeRun(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Run() hasn't been called, so the server must report not ready.
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/users",
		"GET:/v1/listings",
		"GET:/v1/listings/:id",
		"POST:/v1/listings",
		"POST:/v1/trades",
		"GET:/v1/trades/:uuid",
		"POST:/v1/trades/:uuid/pay",
		"POST:/v1/trades/:uuid/cancel",
		"GET:/v1/wallet",
		"POST:/v1/wallet/deposit",
		"POST:/v1/wallet/withdraw",
		"GET:/v1/notifications",
		"GET:/v1/admin/trades",
		"POST:/v1/admin/trades/:uuid/resolve",
		"GET:/v1/admin/bots",
		"POST:/v1/admin/bots/:id/ban",
		"POST:/v1/admin/maintenance",
		"GET:/v1/admin/wallet/audit",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestUserRegistrationReturnsAPIKey(t *testing.T) {
	s := newTestServer(t)

	body := `{"steam_id":"76561198000000001","display_name":"tester"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/users", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	key, _ := resp["api_key"].(string)
	if key == "" {
		t.Fatal("Expected api_key in registration response")
	}

	// The key must authenticate follow-up requests.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with fresh key, got %d: %s", w.Code, w.Body.String())
	}
}

func TestProtectedRoutesRejectWithoutKey(t *testing.T) {
	s := newTestServer(t)

	// GET /v1/trades is the worst case: with an empty participant filter an
	// anonymous caller would list every trade in the system.
	for _, path := range []string{"/v1/wallet", "/v1/trades", "/v1/users/me", "/v1/notifications"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s anonymous: expected 401, got %d", path, w.Code)
		}
	}

	// A garbage key is rejected the same way.
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/trades", nil)
	req.Header.Set("Authorization", "Bearer sk_bogus")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for invalid key, got %d", w.Code)
	}
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/admin/bots", nil)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized && w.Code != http.StatusForbidden {
		t.Errorf("Expected 401/403 without secret, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/admin/bots", nil)
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with secret, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminBanBotValidatesID(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/bots/abc/ban", nil)
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-numeric bot id, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/admin/bots/999/ban",
		strings.NewReader(`{"reason":"vac banned"}`))
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown bot, got %d", w.Code)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
