package utils

import (
	"context"

	"github.com/mmdatafocus/kanban_backend/appctx"
)

func GetTenantIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyTenantId)
}

func GetUserIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyUserId)
}

func GetUserRoleFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyUserRole)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyCorrelationId)
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, appctx.ContextKeyIsAdmin)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyCorrelationId, correlationId)
}

func SetRequestMetaInContext(ctx context.Context, ip, userAgent string) context.Context {
	ctx = appctx.Set(ctx, appctx.ContextKeyIpAddress, ip)
	return appctx.Set(ctx, appctx.ContextKeyUserAgent, userAgent)
}

// SetClaimInContext copies a verified token's identity into ctx.
func SetClaimInContext(ctx context.Context, claim *JwtCustomClaim) context.Context {
	if claim == nil {
		return ctx
	}
	if claim.TenantId != "" {
		ctx = appctx.Set(ctx, appctx.ContextKeyTenantId, claim.TenantId)
	}
	if claim.UserId != "" {
		ctx = appctx.Set(ctx, appctx.ContextKeyUserId, claim.UserId)
	}
	if claim.Role != "" {
		ctx = appctx.Set(ctx, appctx.ContextKeyUserRole, claim.Role)
	}
	return appctx.Set(ctx, appctx.ContextKeyIsAdmin, claim.IsAdmin)
}
