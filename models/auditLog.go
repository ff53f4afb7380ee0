package models

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/kanban_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	AuditHashGenesis = "GENESIS"
	// AuditHashPending marks legacy rows written before chaining existed.
	AuditHashPending = "PENDING"

	AuditTimestampLayout = "2006-01-02T15:04:05.000Z"
)

var ErrAuditSequenceConflict = errors.New("audit sequence conflict")

// AuditLog is append-only. Rows are never updated or deleted.
type AuditLog struct {
	ID             uuid.UUID       `gorm:"type:char(36);primary_key" json:"id"`
	TenantId       string          `gorm:"size:64;not null;uniqueIndex:idx_audit_tenant_seq,priority:1" json:"tenant_id"`
	SequenceNumber int64           `gorm:"not null;uniqueIndex:idx_audit_tenant_seq,priority:2" json:"sequence_number"`
	Action         string          `gorm:"size:100;not null;index" json:"action"`
	EntityType     string          `gorm:"size:100;not null" json:"entity_type"`
	EntityId       *string         `gorm:"size:64;index" json:"entity_id"`
	PreviousState  json.RawMessage `gorm:"type:text" json:"previous_state"`
	NewState       json.RawMessage `gorm:"type:text" json:"new_state"`
	Metadata       json.RawMessage `gorm:"type:text" json:"metadata"`
	Timestamp      time.Time       `gorm:"precision:3;not null" json:"timestamp"`
	UserId         *string         `gorm:"size:64;index" json:"user_id"`
	IpAddress      string          `gorm:"size:64" json:"ip_address"`
	UserAgent      string          `gorm:"size:255" json:"user_agent"`
	HashChain      string          `gorm:"size:64;not null" json:"hash_chain"`
	PreviousHash   *string         `gorm:"size:64" json:"previous_hash"`
}

func (AuditLog) TableName() string { return "audit_log" }

// AuditSequence holds the per-tenant chain head. Locking this row serializes
// audit appends within a tenant without touching other tenants.
type AuditSequence struct {
	TenantId     string    `gorm:"size:64;primary_key" json:"tenant_id"`
	LastSequence int64     `gorm:"not null;default:0" json:"last_sequence"`
	LastHash     string    `gorm:"size:64;not null" json:"last_hash"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AuditSequence) TableName() string { return "audit_sequences" }

type NewAuditEntry struct {
	TenantId      string
	Action        string
	EntityType    string
	EntityId      *string
	PreviousState any
	NewState      any
	Metadata      any
	UserId        *string
	IpAddress     string
	UserAgent     string
	// Zero means now.
	Timestamp time.Time
}

type AuditEntryRef struct {
	ID             uuid.UUID `json:"id"`
	HashChain      string    `json:"hash_chain"`
	SequenceNumber int64     `json:"sequence_number"`
}

type AuditHashInput struct {
	TenantId       string
	SequenceNumber int64
	Action         string
	EntityType     string
	EntityId       string
	Timestamp      time.Time
	PreviousHash   string
}

// ComputeAuditHash returns the hex SHA-256 of
// tenantId|sequenceNumber|action|entityType|entityId|timestamp|previousHash.
func ComputeAuditHash(in AuditHashInput) string {
	prev := in.PreviousHash
	if prev == "" {
		prev = AuditHashGenesis
	}
	payload := strings.Join([]string{
		in.TenantId,
		strconv.FormatInt(in.SequenceNumber, 10),
		in.Action,
		in.EntityType,
		in.EntityId,
		FormatAuditTimestamp(in.Timestamp),
		prev,
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func FormatAuditTimestamp(t time.Time) string {
	return t.UTC().Format(AuditTimestampLayout)
}

// HashInput rebuilds the hash input of a stored row against the given predecessor hash.
func (a AuditLog) HashInput(previousHash string) AuditHashInput {
	entityId := ""
	if a.EntityId != nil {
		entityId = *a.EntityId
	}
	return AuditHashInput{
		TenantId:       a.TenantId,
		SequenceNumber: a.SequenceNumber,
		Action:         a.Action,
		EntityType:     a.EntityType,
		EntityId:       entityId,
		Timestamp:      a.Timestamp,
		PreviousHash:   previousHash,
	}
}

// StoredPreviousHash returns previous_hash with NULL read as GENESIS.
func (a AuditLog) StoredPreviousHash() string {
	if a.PreviousHash == nil || *a.PreviousHash == "" {
		return AuditHashGenesis
	}
	return *a.PreviousHash
}

func (a AuditLog) IsPending() bool { return a.HashChain == AuditHashPending }

// WriteAuditEntry appends one chained entry inside tx. The caller owns the
// transaction: if it rolls back, the entry and the sequence advance vanish with it.
func WriteAuditEntry(tx *gorm.DB, in NewAuditEntry) (*AuditEntryRef, error) {
	if tx == nil {
		return nil, errors.New("audit entry requires a transaction")
	}
	if in.TenantId == "" || in.Action == "" || in.EntityType == "" {
		return nil, errors.New("audit entry requires tenant id, action and entity type")
	}

	head, err := lockAuditSequence(tx, in.TenantId)
	if err != nil {
		return nil, err
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC().Truncate(time.Millisecond)

	prevHash := head.LastHash
	if prevHash == "" {
		prevHash = AuditHashGenesis
	}

	entry := AuditLog{
		ID:             uuid.New(),
		TenantId:       in.TenantId,
		SequenceNumber: head.LastSequence + 1,
		Action:         in.Action,
		EntityType:     in.EntityType,
		EntityId:       in.EntityId,
		Timestamp:      ts,
		UserId:         in.UserId,
		IpAddress:      in.IpAddress,
		UserAgent:      in.UserAgent,
	}
	if prevHash != AuditHashGenesis {
		p := prevHash
		entry.PreviousHash = &p
	}
	if entry.PreviousState, err = marshalAuditState(in.PreviousState); err != nil {
		return nil, err
	}
	if entry.NewState, err = marshalAuditState(in.NewState); err != nil {
		return nil, err
	}
	if entry.Metadata, err = marshalAuditState(in.Metadata); err != nil {
		return nil, err
	}
	entry.HashChain = ComputeAuditHash(entry.HashInput(prevHash))

	if err := tx.Create(&entry).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, fmt.Errorf("%w: tenant %s sequence %d", ErrAuditSequenceConflict, in.TenantId, entry.SequenceNumber)
		}
		return nil, err
	}
	if err := tx.Model(&AuditSequence{}).
		Where("tenant_id = ?", in.TenantId).
		Updates(map[string]interface{}{
			"last_sequence": entry.SequenceNumber,
			"last_hash":     entry.HashChain,
		}).Error; err != nil {
		return nil, err
	}

	return &AuditEntryRef{ID: entry.ID, HashChain: entry.HashChain, SequenceNumber: entry.SequenceNumber}, nil
}

func lockAuditSequence(tx *gorm.DB, tenantId string) (*AuditSequence, error) {
	var head AuditSequence
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ?", tenantId).
		Take(&head).Error
	if err == nil {
		return &head, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// First chained write for this tenant: seed from whatever legacy rows exist.
	seed, err := legacyAuditHead(tx, tenantId)
	if err != nil {
		return nil, err
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
		return nil, err
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ?", tenantId).
		Take(&head).Error; err != nil {
		return nil, err
	}
	return &head, nil
}

func legacyAuditHead(tx *gorm.DB, tenantId string) (*AuditSequence, error) {
	seed := &AuditSequence{TenantId: tenantId, LastHash: AuditHashGenesis}

	var maxSeq sql.NullInt64
	if err := tx.Model(&AuditLog{}).
		Where("tenant_id = ?", tenantId).
		Select("MAX(sequence_number)").
		Row().Scan(&maxSeq); err != nil {
		return nil, err
	}
	if !maxSeq.Valid {
		return seed, nil
	}
	seed.LastSequence = maxSeq.Int64

	var last AuditLog
	err := tx.Where("tenant_id = ? AND hash_chain <> ?", tenantId, AuditHashPending).
		Order("sequence_number DESC").
		Take(&last).Error
	if err == nil {
		seed.LastHash = last.HashChain
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return seed, nil
}

func marshalAuditState(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal audit state: %w", err)
	}
	return b, nil
}

// AuditActorFromContext fills the actor fields from the request context.
// System actors have no user id.
func AuditActorFromContext(ctx context.Context, in *NewAuditEntry) {
	if ctx == nil || in == nil {
		return
	}
	if userId, ok := appctx.GetString(ctx, appctx.ContextKeyUserId); ok && userId != "" {
		in.UserId = &userId
	}
	if ip, ok := appctx.GetString(ctx, appctx.ContextKeyIpAddress); ok {
		in.IpAddress = ip
	}
	if ua, ok := appctx.GetString(ctx, appctx.ContextKeyUserAgent); ok {
		in.UserAgent = ua
	}
}
