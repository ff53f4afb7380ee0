package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/kanban_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CardEventRecord is the transactional outbox row for a committed stage change.
// The dispatcher publishes it after commit.
type CardEventRecord struct {
	ID               int             `gorm:"primary_key;index:idx_card_outbox_dispatch,priority:3" json:"id"`
	TenantId         string          `gorm:"size:64;not null;index" json:"tenant_id"`
	CardId           uuid.UUID       `gorm:"type:char(36);not null;index" json:"card_id"`
	LoopId           uuid.UUID       `gorm:"type:char(36);not null" json:"loop_id"`
	EventType        string          `gorm:"size:50;not null" json:"event_type"`
	FromStage        CardStage       `gorm:"size:20;not null" json:"from_stage"`
	ToStage          CardStage       `gorm:"size:20;not null" json:"to_stage"`
	OccurredAt       time.Time       `gorm:"precision:3;not null" json:"occurred_at"`
	Payload          json.RawMessage `gorm:"type:text" json:"payload"`
	IdempotencyKey   string          `gorm:"size:255" json:"idempotency_key"`
	CorrelationId    string          `gorm:"size:64;index" json:"correlation_id"`
	PublishStatus    string          `gorm:"size:20;index;not null;default:'PENDING';index:idx_card_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time      `gorm:"index" json:"published_at"`
	PubSubMessageId  *string         `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int             `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time      `gorm:"index;index:idx_card_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time      `gorm:"index" json:"locked_at"`
	LockedBy         *string         `gorm:"size:100" json:"locked_by"`
	LastPublishError *string         `gorm:"type:text" json:"last_publish_error"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CardEventRecord) TableName() string { return "card_event_outbox" }

// CardEventPayload is what order generation needs to act on a trigger without reading our tables.
type CardEventPayload struct {
	CardNumber      int             `json:"card_number"`
	LoopType        LoopType        `json:"loop_type"`
	OrderQuantity   decimal.Decimal `json:"order_quantity"`
	CompletedCycles int             `json:"completed_cycles"`
	LinkedOrderId   *string         `json:"linked_order_id,omitempty"`
	LinkedOrderType *OrderType      `json:"linked_order_type,omitempty"`
	Method          ScanMethod      `json:"method"`
	AuditEntryId    uuid.UUID       `json:"audit_entry_id"`
}

// PublishCardEvent writes the outbox row inside the caller's transaction. It does not publish.
func PublishCardEvent(tx *gorm.DB, card KanbanCard, loop KanbanLoop, from CardStage, payload CardEventPayload, idempotencyKey, correlationId string) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	rec := CardEventRecord{
		TenantId:       card.TenantId,
		CardId:         card.ID,
		LoopId:         loop.ID,
		EventType:      CardEventStageChanged,
		FromStage:      from,
		ToStage:        card.CurrentStage,
		OccurredAt:     card.CurrentStageEnteredAt,
		Payload:        b,
		IdempotencyKey: idempotencyKey,
		CorrelationId:  correlationId,
		PublishStatus:  OutboxPublishStatusPending,
	}
	return tx.Create(&rec).Error
}

func ConvertToCardEventMessage(rec CardEventRecord) config.CardEventMessage {
	return config.CardEventMessage{
		ID:             rec.ID,
		TenantId:       rec.TenantId,
		CardId:         rec.CardId.String(),
		LoopId:         rec.LoopId.String(),
		EventType:      rec.EventType,
		FromStage:      string(rec.FromStage),
		ToStage:        string(rec.ToStage),
		OccurredAt:     rec.OccurredAt,
		Payload:        rec.Payload,
		CorrelationId:  rec.CorrelationId,
		IdempotencyKey: rec.IdempotencyKey,
	}
}

type CardEventOutboxStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
	Dead       int64 `json:"dead"`
	Sent       int64 `json:"sent"`
}

func GetCardEventOutboxStats(ctx context.Context, db *gorm.DB) (*CardEventOutboxStats, error) {
	type row struct {
		PublishStatus string
		Total         int64
	}
	var rows []row
	if err := db.WithContext(ctx).Model(&CardEventRecord{}).
		Select("publish_status, COUNT(*) AS total").
		Group("publish_status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	stats := &CardEventOutboxStats{}
	for _, r := range rows {
		switch r.PublishStatus {
		case OutboxPublishStatusPending:
			stats.Pending = r.Total
		case OutboxPublishStatusProcessing:
			stats.Processing = r.Total
		case OutboxPublishStatusFailed:
			stats.Failed = r.Total
		case OutboxPublishStatusDead:
			stats.Dead = r.Total
		case OutboxPublishStatusSent:
			stats.Sent = r.Total
		}
	}
	return stats, nil
}

// ReplayDeadCardEvents moves DEAD and FAILED rows back to PENDING with a fresh attempt budget.
// An empty tenantId replays every tenant.
func ReplayDeadCardEvents(ctx context.Context, db *gorm.DB, tenantId string) (int64, error) {
	q := db.WithContext(ctx).Model(&CardEventRecord{}).
		Where("publish_status IN ?", []string{OutboxPublishStatusDead, OutboxPublishStatusFailed})
	if tenantId != "" {
		q = q.Where("tenant_id = ?", tenantId)
	}
	res := q.Updates(map[string]interface{}{
		"publish_status":     OutboxPublishStatusPending,
		"publish_attempts":   0,
		"next_attempt_at":    nil,
		"locked_at":          nil,
		"locked_by":          nil,
		"last_publish_error": nil,
	})
	return res.RowsAffected, res.Error
}
