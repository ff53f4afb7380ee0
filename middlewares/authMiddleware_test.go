package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kanban_backend/utils"
	"github.com/stretchr/testify/require"
)

func newAuthRouter(extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestContext(), AuthMiddleware())
	handlers := append(extra, func(c *gin.Context) {
		tenant, _ := utils.GetTenantIdFromContext(c.Request.Context())
		role, _ := utils.GetUserRoleFromContext(c.Request.Context())
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"tenant": tenant, "role": role, "cid": cid})
	})
	r.GET("/x", handlers...)
	return r
}

func signed(t *testing.T, claim utils.JwtCustomClaim) string {
	t.Helper()
	t.Setenv("API_SECRET", "mw-secret")
	token, err := utils.JwtGenerate(claim)
	require.NoError(t, err)
	return token
}

func TestAuthMiddlewareAnonymousPassesThrough(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	newAuthRouter().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"tenant":""`)
	require.NotEmpty(t, w.Header().Get(CorrelationIdHeader))
}

func TestAuthMiddlewareLoadsClaims(t *testing.T) {
	token := signed(t, utils.JwtCustomClaim{TenantId: "t-1", Role: "receiving_manager"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(CorrelationIdHeader, "cid-42")
	newAuthRouter().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"tenant":"t-1","role":"receiving_manager","cid":"cid-42"}`, w.Body.String())
}

func TestAuthMiddlewareRejectsBadToken(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	newAuthRouter().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), `"code":"UNAUTHORIZED"`)
}

func TestRequireAdmin(t *testing.T) {
	r := newAuthRouter(RequireAdmin())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	token := signed(t, utils.JwtCustomClaim{TenantId: "t-1", Role: "salesperson"})
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)

	token = signed(t, utils.JwtCustomClaim{TenantId: "t-1", Role: "tenant_admin"})
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	token = signed(t, utils.JwtCustomClaim{IsAdmin: true})
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
