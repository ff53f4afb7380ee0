package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	AuditActionCardStageChanged = "card.stage_changed"
	AuditActionCardCreated      = "card.created"
	AuditActionCardDeactivated  = "card.deactivated"
	AuditActionLoopResized      = "loop.resized"

	AuditEntityKanbanCard = "kanban_card"
	AuditEntityKanbanLoop = "kanban_loop"
)

var ErrInvalidCardId = errors.New("card id must be an RFC 4122 version 4 UUID")

// KanbanCard's id is also the literal QR payload, so it never changes for a printed card.
type KanbanCard struct {
	ID                    uuid.UUID  `gorm:"type:char(36);primary_key" json:"id"`
	TenantId              string     `gorm:"size:64;not null;index" json:"tenant_id"`
	LoopId                uuid.UUID  `gorm:"type:char(36);not null;uniqueIndex:idx_card_loop_number,priority:1" json:"loop_id"`
	CardNumber            int        `gorm:"not null;uniqueIndex:idx_card_loop_number,priority:2" json:"card_number"`
	CurrentStage          CardStage  `gorm:"size:20;not null;index" json:"current_stage"`
	CurrentStageEnteredAt time.Time  `gorm:"precision:3;not null" json:"current_stage_entered_at"`
	CompletedCycles       int        `gorm:"not null;default:0" json:"completed_cycles"`
	LinkedOrderId         *string    `gorm:"size:64" json:"linked_order_id"`
	LinkedOrderType       *OrderType `gorm:"size:20" json:"linked_order_type"`
	IsActive              *bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c KanbanCard) Active() bool {
	return c.IsActive == nil || *c.IsActive
}

// CardState is the mutable slice of a card that stage changes touch.
type CardState struct {
	Stage           CardStage `json:"stage"`
	StageEnteredAt  time.Time `json:"stageEnteredAt"`
	LinkedOrderId   *string   `json:"linkedOrderId"`
	CompletedCycles int       `json:"completedCycles"`
}

func (c KanbanCard) State() CardState {
	return CardState{
		Stage:           c.CurrentStage,
		StageEnteredAt:  c.CurrentStageEnteredAt,
		LinkedOrderId:   c.LinkedOrderId,
		CompletedCycles: c.CompletedCycles,
	}
}

// DiffCardState returns only the fields that differ, keyed by their JSON names.
func DiffCardState(before, after CardState) (prev map[string]any, next map[string]any) {
	prev = map[string]any{}
	next = map[string]any{}
	if before.Stage != after.Stage {
		prev["stage"], next["stage"] = before.Stage, after.Stage
	}
	if !before.StageEnteredAt.Equal(after.StageEnteredAt) {
		prev["stageEnteredAt"] = FormatAuditTimestamp(before.StageEnteredAt)
		next["stageEnteredAt"] = FormatAuditTimestamp(after.StageEnteredAt)
	}
	if !sameStringPtr(before.LinkedOrderId, after.LinkedOrderId) {
		prev["linkedOrderId"], next["linkedOrderId"] = before.LinkedOrderId, after.LinkedOrderId
	}
	if before.CompletedCycles != after.CompletedCycles {
		prev["completedCycles"], next["completedCycles"] = before.CompletedCycles, after.CompletedCycles
	}
	return prev, next
}

func sameStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ParseCardId accepts a bare UUID or a scan URL ending in one.
func ParseCardId(s string) (uuid.UUID, error) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidCardId, err)
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return uuid.Nil, ErrInvalidCardId
	}
	return id, nil
}

// CardScanURL is what gets printed into the card's QR code.
func CardScanURL(appURL string, cardId uuid.UUID) string {
	return strings.TrimRight(appURL, "/") + "/scan/" + cardId.String()
}

func GetKanbanCard(ctx context.Context, db *gorm.DB, id uuid.UUID) (*KanbanCard, error) {
	var card KanbanCard
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&card).Error; err != nil {
		return nil, err
	}
	return &card, nil
}

func ListLoopCards(ctx context.Context, db *gorm.DB, loopId uuid.UUID) ([]KanbanCard, error) {
	var cards []KanbanCard
	err := db.WithContext(ctx).
		Where("loop_id = ?", loopId).
		Order("card_number ASC").
		Find(&cards).Error
	return cards, err
}
