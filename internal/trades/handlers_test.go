package trades

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZhaslanToishybayev/steammarket/internal/auth"
	"github.com/ZhaslanToishybayev/steammarket/internal/listings"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// tradeRouter mounts the trade handler behind a stand-in for the auth
// middleware: whatever *caller points at becomes the authenticated user.
func tradeRouter(e *env, caller *string) *gin.Engine {
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if *caller != "" {
			c.Set(auth.ContextKeySteamID, *caller)
		}
		c.Next()
	})
	h := NewHandler(e.engine, e.history)
	h.RegisterRoutes(router.Group(""))
	h.RegisterAdminRoutes(router.Group("/admin"))
	return router
}

func TestGetTradeHiddenFromStrangers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)

	caller := buyerID
	router := tradeRouter(e, &caller)

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/trades/"+tr.UUID, nil)
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, get().Code, "buyer reads own trade")

	caller = sellerID
	assert.Equal(t, http.StatusOK, get().Code, "seller reads own trade")

	// Knowing the UUID is not enough for anyone else.
	caller = "76561198000000099"
	w := get()
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, w.Body.String(), buyerTradeURL)

	// The operator surface keeps full visibility.
	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin/trades/"+tr.UUID, nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
