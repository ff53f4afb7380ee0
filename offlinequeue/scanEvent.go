package offlinequeue

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

type Geolocation struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// ScanEvent is one captured scan waiting to reach the server. Its idempotency
// key is fixed at capture time and reused on every attempt.
type ScanEvent struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	CardId         string          `gorm:"size:36;not null;index" json:"cardId"`
	IdempotencyKey string          `gorm:"size:64;not null;uniqueIndex" json:"idempotencyKey"`
	ScannedAt      time.Time       `gorm:"not null;index" json:"scannedAt"`
	Latitude       *float64        `json:"latitude,omitempty"`
	Longitude      *float64        `json:"longitude,omitempty"`
	Accuracy       *float64        `json:"accuracy,omitempty"`
	Status         Status          `gorm:"size:10;not null;index" json:"status"`
	RetryCount     int             `gorm:"not null;default:0" json:"retryCount"`
	LastAttemptAt  *time.Time      `json:"lastAttemptAt,omitempty"`
	LastError      *string         `gorm:"type:text" json:"lastError,omitempty"`
	LastErrorCode  *string         `gorm:"size:50" json:"lastErrorCode,omitempty"`
	SyncResult     json.RawMessage `gorm:"type:text" json:"syncResult,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"createdAt"`
}

func (ScanEvent) TableName() string { return "scan_events" }

func (e ScanEvent) Geolocation() *Geolocation {
	if e.Latitude == nil || e.Longitude == nil {
		return nil
	}
	return &Geolocation{Latitude: *e.Latitude, Longitude: *e.Longitude, Accuracy: e.Accuracy}
}

// SyncResult is the server's success payload for a replayed scan.
type SyncResult struct {
	CardId          string `json:"cardId"`
	Stage           string `json:"stage"`
	CompletedCycles int    `json:"completedCycles"`
	AuditEntryId    string `json:"auditEntryId"`
}
