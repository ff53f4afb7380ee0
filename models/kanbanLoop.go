package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/kanban_backend/appctx"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type KanbanLoop struct {
	ID            uuid.UUID       `gorm:"type:char(36);primary_key" json:"id"`
	TenantId      string          `gorm:"size:64;not null;index" json:"tenant_id"`
	Name          string          `gorm:"size:100;not null" json:"name"`
	LoopType      LoopType        `gorm:"size:20;not null" json:"loop_type"`
	NumberOfCards int             `gorm:"not null;default:0" json:"number_of_cards"`
	OrderQuantity decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"order_quantity"`
	IsActive      *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewKanbanLoop struct {
	Name          string          `json:"name" binding:"required"`
	LoopType      LoopType        `json:"loop_type" binding:"required"`
	NumberOfCards int             `json:"number_of_cards" binding:"min=0"`
	OrderQuantity decimal.Decimal `json:"order_quantity"`
}

type ResizeLoopResult struct {
	Loop        *KanbanLoop  `json:"loop"`
	Created     []KanbanCard `json:"created"`
	Deactivated []KanbanCard `json:"deactivated"`
}

// CreateKanbanLoop creates a loop for the context tenant and provisions its cards.
func CreateKanbanLoop(ctx context.Context, db *gorm.DB, input *NewKanbanLoop) (*ResizeLoopResult, error) {
	tenantId, ok := appctx.GetString(ctx, appctx.ContextKeyTenantId)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if input == nil || input.Name == "" || !input.LoopType.IsValid() {
		return nil, errors.New("loop name and a valid loop type are required")
	}
	if input.NumberOfCards < 0 {
		return nil, errors.New("number of cards must not be negative")
	}

	loop := KanbanLoop{
		ID:            uuid.New(),
		TenantId:      tenantId,
		Name:          input.Name,
		LoopType:      input.LoopType,
		OrderQuantity: input.OrderQuantity,
	}
	var result *ResizeLoopResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&loop).Error; err != nil {
			return err
		}
		var err error
		result, err = resizeLoopCards(tx, &loop, input.NumberOfCards)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResizeLoopCards grows or shrinks a loop's active card set. New cards get fresh
// v4 ids numbered after every card the loop ever had; shrinking deactivates the
// highest-numbered active cards. Cards are never deleted.
func ResizeLoopCards(ctx context.Context, db *gorm.DB, loopId uuid.UUID, numberOfCards int) (*ResizeLoopResult, error) {
	if numberOfCards < 0 {
		return nil, errors.New("number of cards must not be negative")
	}
	var result *ResizeLoopResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var loop KanbanLoop
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", loopId).
			Take(&loop).Error; err != nil {
			return err
		}
		var err error
		result, err = resizeLoopCards(tx, &loop, numberOfCards)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func resizeLoopCards(tx *gorm.DB, loop *KanbanLoop, numberOfCards int) (*ResizeLoopResult, error) {
	ctx := tx.Statement.Context
	var cards []KanbanCard
	if err := tx.Where("loop_id = ?", loop.ID).Order("card_number ASC").Find(&cards).Error; err != nil {
		return nil, err
	}
	var active []KanbanCard
	maxNumber := 0
	for _, c := range cards {
		if c.Active() {
			active = append(active, c)
		}
		if c.CardNumber > maxNumber {
			maxNumber = c.CardNumber
		}
	}

	result := &ResizeLoopResult{Loop: loop}
	now := time.Now().UTC().Truncate(time.Millisecond)

	for i := len(active); i < numberOfCards; i++ {
		maxNumber++
		card := KanbanCard{
			ID:                    uuid.New(),
			TenantId:              loop.TenantId,
			LoopId:                loop.ID,
			CardNumber:            maxNumber,
			CurrentStage:          CardStageCreated,
			CurrentStageEnteredAt: now,
		}
		if err := tx.Create(&card).Error; err != nil {
			return nil, err
		}
		if err := writeCardProvisionAudit(ctx, tx, card, AuditActionCardCreated, now); err != nil {
			return nil, err
		}
		result.Created = append(result.Created, card)
	}

	for i := len(active) - 1; i >= numberOfCards; i-- {
		card := active[i]
		if err := tx.Model(&KanbanCard{}).Where("id = ?", card.ID).Update("is_active", false).Error; err != nil {
			return nil, err
		}
		inactive := false
		card.IsActive = &inactive
		if err := writeCardProvisionAudit(ctx, tx, card, AuditActionCardDeactivated, now); err != nil {
			return nil, err
		}
		result.Deactivated = append(result.Deactivated, card)
	}

	if loop.NumberOfCards != numberOfCards {
		before := loop.NumberOfCards
		if err := tx.Model(&KanbanLoop{}).Where("id = ?", loop.ID).Update("number_of_cards", numberOfCards).Error; err != nil {
			return nil, err
		}
		loop.NumberOfCards = numberOfCards
		loopId := loop.ID.String()
		entry := NewAuditEntry{
			TenantId:      loop.TenantId,
			Action:        AuditActionLoopResized,
			EntityType:    AuditEntityKanbanLoop,
			EntityId:      &loopId,
			PreviousState: map[string]any{"numberOfCards": before},
			NewState:      map[string]any{"numberOfCards": numberOfCards},
			Timestamp:     now,
		}
		AuditActorFromContext(ctx, &entry)
		if _, err := WriteAuditEntry(tx, entry); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func writeCardProvisionAudit(ctx context.Context, tx *gorm.DB, card KanbanCard, action string, now time.Time) error {
	cardId := card.ID.String()
	entry := NewAuditEntry{
		TenantId:   card.TenantId,
		Action:     action,
		EntityType: AuditEntityKanbanCard,
		EntityId:   &cardId,
		Metadata:   map[string]any{"loopId": card.LoopId.String(), "cardNumber": card.CardNumber},
		Timestamp:  now,
	}
	if action == AuditActionCardDeactivated {
		entry.PreviousState = map[string]any{"isActive": true}
		entry.NewState = map[string]any{"isActive": false}
	} else {
		entry.NewState = map[string]any{"stage": card.CurrentStage, "isActive": true}
	}
	AuditActorFromContext(ctx, &entry)
	_, err := WriteAuditEntry(tx, entry)
	return err
}
