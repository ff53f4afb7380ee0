package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kanban_backend/appctx"
	"github.com/mmdatafocus/kanban_backend/scanerr"
	"github.com/mmdatafocus/kanban_backend/utils"
)

const (
	authErrorUnauthorized = "UNAUTHORIZED"
	authErrorForbidden    = "FORBIDDEN"
)

// AuthMiddleware loads a bearer token's identity into the request context.
// Requests without a token pass through anonymous; a bad token is rejected.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		if auth == "" {
			c.Next()
			return
		}

		const bearer = "Bearer "
		if len(auth) <= len(bearer) || !strings.EqualFold(auth[:len(bearer)], bearer) {
			abortAuth(c, http.StatusUnauthorized, authErrorUnauthorized, "malformed authorization header")
			return
		}
		token := strings.TrimSpace(auth[len(bearer):])

		claim, err := utils.JwtValidate(token)
		if err != nil {
			abortAuth(c, http.StatusUnauthorized, authErrorUnauthorized, "invalid or expired token")
			return
		}

		ctx := appctx.Set(c.Request.Context(), appctx.ContextKeyToken, token)
		ctx = utils.SetClaimInContext(ctx, claim)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireTenant rejects anonymous requests.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context()); tenantId == "" {
			abortAuth(c, http.StatusUnauthorized, authErrorUnauthorized, "authentication required")
			return
		}
		c.Next()
	}
}

// RequireAdmin allows platform admins and tenant admins.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if tenantId, _ := utils.GetTenantIdFromContext(ctx); tenantId == "" {
			if isAdmin, _ := utils.GetIsAdminFromContext(ctx); !isAdmin {
				abortAuth(c, http.StatusUnauthorized, authErrorUnauthorized, "authentication required")
				return
			}
		}
		isAdmin, _ := utils.GetIsAdminFromContext(ctx)
		role, _ := utils.GetUserRoleFromContext(ctx)
		if !isAdmin && role != "tenant_admin" {
			abortAuth(c, http.StatusForbidden, authErrorForbidden, "admin role required")
			return
		}
		c.Next()
	}
}

func abortAuth(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, scanerr.New(code, message))
}
