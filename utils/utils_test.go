package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/kanban_backend/appctx"
)

func TestJwtRoundTrip(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	token, err := JwtGenerate(JwtCustomClaim{UserId: "u-1", TenantId: "t-1", Role: "inventory_manager"})
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}
	claim, err := JwtValidate(token)
	if err != nil {
		t.Fatalf("JwtValidate: %v", err)
	}
	if claim.TenantId != "t-1" || claim.UserId != "u-1" || claim.Role != "inventory_manager" {
		t.Fatalf("unexpected claim: %+v", claim)
	}

	t.Setenv("API_SECRET", "other-secret")
	if _, err := JwtValidate(token); err == nil {
		t.Fatalf("expected signature failure with a different secret")
	}
}

func TestJwtExpired(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	token, err := JwtGenerate(JwtCustomClaim{
		TenantId:       "t-1",
		StandardClaims: jwt.StandardClaims{ExpiresAt: time.Now().Add(-time.Minute).Unix()},
	})
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}
	if _, err := JwtValidate(token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestSetClaimInContext(t *testing.T) {
	ctx := SetClaimInContext(context.Background(), &JwtCustomClaim{TenantId: "t-9", UserId: "u-9", Role: "tenant_admin", IsAdmin: true})
	if v, _ := appctx.GetString(ctx, appctx.ContextKeyTenantId); v != "t-9" {
		t.Fatalf("tenant = %q", v)
	}
	if v, _ := GetUserRoleFromContext(ctx); v != "tenant_admin" {
		t.Fatalf("role = %q", v)
	}
	if v, _ := GetIsAdminFromContext(ctx); !v {
		t.Fatalf("expected admin")
	}
}

func TestValidationMessage(t *testing.T) {
	type body struct {
		IdempotencyKey string `validate:"required"`
		Method         string `validate:"oneof=qr_scan manual system"`
	}
	err := validator.New().Struct(body{Method: "fax"})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	got := ValidationMessage(err)
	want := "idempotencyKey failed required; method failed oneof"
	if got != want {
		t.Fatalf("ValidationMessage = %q, want %q", got, want)
	}

	if got := ValidationMessage(errors.New("unexpected EOF")); got != "invalid request body: unexpected EOF" {
		t.Fatalf("plain error message = %q", got)
	}
}

func TestReportObjectName(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	got := ReportObjectName("audit-integrity", ".xlsx", at)
	want := "reports/audit-integrity/2026/03/audit-integrity-20260304T050607Z.xlsx"
	if got != want {
		t.Fatalf("ReportObjectName = %q, want %q", got, want)
	}
}
