package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ScanDedupTTL is how long an idempotency key is remembered by the dedup store.
// It has to outlive the longest time a device may sit offline and replay a scan.
//
// Set via env:
// - SCAN_DEDUP_TTL_HOURS=72
func ScanDedupTTL() time.Duration {
	return time.Duration(intFromEnv("SCAN_DEDUP_TTL_HOURS", 72)) * time.Hour
}

// ScanPendingWait bounds how long a duplicate request waits for the winning request's result.
//
// Set via env:
// - SCAN_PENDING_WAIT_MS=3000
func ScanPendingWait() time.Duration {
	return time.Duration(intFromEnv("SCAN_PENDING_WAIT_MS", 3000)) * time.Millisecond
}

// CardLockEnabled toggles the best-effort redis lock taken per card during a transition.
//
// Set via env:
// - CARD_REDIS_LOCK=false
func CardLockEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("CARD_REDIS_LOCK")))
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// AppURL is the public base URL printed into card QR codes ({APP_URL}/scan/{cardId}).
func AppURL() string {
	v := strings.TrimRight(strings.TrimSpace(os.Getenv("APP_URL")), "/")
	if v == "" {
		return "http://localhost:8080"
	}
	return v
}

func IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}
