package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/kanban_backend/appctx"
	"github.com/mmdatafocus/kanban_backend/config"
	"github.com/mmdatafocus/kanban_backend/models"
	"github.com/mmdatafocus/kanban_backend/scanerr"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("github.com/mmdatafocus/kanban_backend/workflow")

type LinkedOrder struct {
	Id   string           `json:"id" binding:"required"`
	Type models.OrderType `json:"type" binding:"required"`
}

type Geolocation struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// TransitionRequest is one logical scan. Caller tenant, user, ip and user agent
// travel in the context.
type TransitionRequest struct {
	CardId         uuid.UUID
	ToStage        models.CardStage
	Method         models.ScanMethod
	ActorRole      models.UserRole
	IdempotencyKey string
	LinkedOrder    *LinkedOrder
	Geolocation    *Geolocation
}

type TransitionResult struct {
	CardId          uuid.UUID        `json:"cardId"`
	PreviousStage   models.CardStage `json:"previousStage"`
	Stage           models.CardStage `json:"stage"`
	StageEnteredAt  time.Time        `json:"stageEnteredAt"`
	CompletedCycles int              `json:"completedCycles"`
	LinkedOrderId   *string          `json:"linkedOrderId,omitempty"`
	AuditEntryId    uuid.UUID        `json:"auditEntryId"`
	SequenceNumber  int64            `json:"sequenceNumber"`
}

// CardLifecycle is the only writer of a card's stage.
type CardLifecycle struct {
	DB     *gorm.DB
	Dedup  ScanDedupStore
	Locker *redislock.Client
	Logger *logrus.Logger

	// DedupTTL keeps a finished outcome. ProcessingTTL bounds the in-flight
	// marker so a claim orphaned by a crash frees the key for the next retry.
	DedupTTL      time.Duration
	ProcessingTTL time.Duration
	PendingWait   time.Duration
	PollInterval  time.Duration
	LockTTL       time.Duration
	Now           func() time.Time
}

func NewCardLifecycle(db *gorm.DB, dedup ScanDedupStore, logger *logrus.Logger) *CardLifecycle {
	return &CardLifecycle{
		DB:           db,
		Dedup:        dedup,
		Logger:       logger,
		DedupTTL:     config.ScanDedupTTL(),
		PendingWait:  config.ScanPendingWait(),
		PollInterval: 100 * time.Millisecond,
		LockTTL:      10 * time.Second,
		Now:          time.Now,
	}
}

// TransitionCard validates and applies one stage change at most once per
// (card, idempotency key). Duplicates get the original outcome back.
func (c *CardLifecycle) TransitionCard(ctx context.Context, req TransitionRequest) (result *TransitionResult, err error) {
	ctx, span := tracer.Start(ctx, "CardLifecycle.TransitionCard",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("card.id", req.CardId.String()),
			attribute.String("card.to_stage", string(req.ToStage)),
			attribute.String("scan.method", string(req.Method)),
		),
	)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if verr := validateTransitionRequest(req); verr != nil {
		return nil, verr
	}
	if c.Dedup == nil {
		return nil, scanerr.New(scanerr.CodeDedupUnavailable, "scan deduplication is not configured")
	}

	key := ScanDedupKey(req.CardId.String(), req.IdempotencyKey)
	claim, err := c.Dedup.Claim(ctx, key, c.processingTTL())
	if err != nil {
		config.LogError(c.Logger, "cardLifecycle.go", "TransitionCard", "claim idempotency key", key, err)
		return nil, scanerr.New(scanerr.CodeDedupUnavailable, "scan deduplication is unavailable, retry later")
	}
	if !claim.Won {
		span.SetAttributes(attribute.Bool("scan.duplicate", true))
		return c.awaitOutcome(ctx, key, claim, req)
	}
	return c.runClaimed(ctx, key, req)
}

func (c *CardLifecycle) runClaimed(ctx context.Context, key string, req TransitionRequest) (*TransitionResult, error) {
	unlock := c.lockCard(ctx, req.CardId)
	defer unlock()

	result, err := c.applyTransition(ctx, req)
	if err != nil {
		var se *scanerr.Error
		if errors.As(err, &se) {
			if se.Code == scanerr.CodeCardAlreadyTriggered {
				c.storeOutcome(ctx, key, ScanOutcome{Error: se})
			} else {
				c.releaseClaim(ctx, key)
			}
			return nil, se
		}
		c.releaseClaim(ctx, key)
		config.LogError(c.Logger, "cardLifecycle.go", "TransitionCard", "apply transition", map[string]interface{}{
			"card_id": req.CardId.String(),
			"to":      req.ToStage,
		}, err)
		return nil, scanerr.New(scanerr.CodeInternalError, "transition could not be recorded, retry later")
	}

	c.storeOutcome(ctx, key, ScanOutcome{Result: result})
	return result, nil
}

// awaitOutcome handles a duplicate. While the winner is still running it polls
// until PendingWait elapses. A released key is claimed and executed here.
func (c *CardLifecycle) awaitOutcome(ctx context.Context, key string, claim DedupClaim, req TransitionRequest) (*TransitionResult, error) {
	deadline := c.now().Add(c.PendingWait)
	for {
		if claim.Cached != nil {
			return claim.Cached.Unwrap()
		}
		if claim.Won {
			return c.runClaimed(ctx, key, req)
		}
		if !c.now().Before(deadline) {
			return nil, scanerr.New(scanerr.CodeScanInProgress, "an identical scan is still being processed, retry shortly")
		}
		select {
		case <-ctx.Done():
			return nil, scanerr.New(scanerr.CodeScanInProgress, "an identical scan is still being processed, retry shortly")
		case <-time.After(c.PollInterval):
		}
		var err error
		claim, err = c.Dedup.Claim(ctx, key, c.processingTTL())
		if err != nil {
			config.LogError(c.Logger, "cardLifecycle.go", "awaitOutcome", "poll idempotency key", key, err)
			return nil, scanerr.New(scanerr.CodeDedupUnavailable, "scan deduplication is unavailable, retry later")
		}
	}
}

func (c *CardLifecycle) applyTransition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	callerTenant, _ := appctx.GetString(ctx, appctx.ContextKeyTenantId)
	correlationId, _ := appctx.GetString(ctx, appctx.ContextKeyCorrelationId)
	// Tenant is checked explicitly below so a foreign card reports TENANT_MISMATCH, not NOT_FOUND.
	dbCtx := appctx.Set(ctx, appctx.ContextKeySkipTenantScope, true)

	var result *TransitionResult
	err := c.DB.WithContext(dbCtx).Transaction(func(tx *gorm.DB) error {
		var card models.KanbanCard
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", req.CardId).
			Take(&card).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return scanerr.Newf(scanerr.CodeCardNotFound, "card %s not found", req.CardId)
		}
		if err != nil {
			return err
		}
		if !card.Active() {
			return scanerr.Newf(scanerr.CodeCardInactive, "card %s is inactive", req.CardId)
		}
		if callerTenant != "" && card.TenantId != callerTenant {
			return scanerr.New(scanerr.CodeTenantMismatch, "card belongs to another tenant")
		}

		var loop models.KanbanLoop
		if err := tx.Where("id = ?", card.LoopId).Take(&loop).Error; err != nil {
			return err
		}
		if err := ValidateCardTransition(card, loop.LoopType, req); err != nil {
			return err
		}

		before := card.State()
		now := c.now().UTC().Truncate(time.Millisecond)
		card.CurrentStage = req.ToStage
		card.CurrentStageEnteredAt = now
		if req.ToStage == models.CardStageOrdered {
			id, typ := req.LinkedOrder.Id, req.LinkedOrder.Type
			card.LinkedOrderId = &id
			card.LinkedOrderType = &typ
		}
		if before.Stage == models.CardStageRestocked && req.ToStage == models.CardStageCreated {
			card.CompletedCycles++
			card.LinkedOrderId = nil
			card.LinkedOrderType = nil
		}
		if err := tx.Model(&models.KanbanCard{}).Where("id = ?", card.ID).Updates(map[string]interface{}{
			"current_stage":            card.CurrentStage,
			"current_stage_entered_at": card.CurrentStageEnteredAt,
			"linked_order_id":          card.LinkedOrderId,
			"linked_order_type":        card.LinkedOrderType,
			"completed_cycles":         card.CompletedCycles,
		}).Error; err != nil {
			return err
		}

		prev, next := models.DiffCardState(before, card.State())
		cardId := card.ID.String()
		metadata := map[string]interface{}{
			"method":         req.Method,
			"actorRole":      req.ActorRole,
			"idempotencyKey": req.IdempotencyKey,
			"fromStage":      before.Stage,
			"toStage":        card.CurrentStage,
			"loopId":         loop.ID.String(),
		}
		if req.Geolocation != nil {
			metadata["geolocation"] = req.Geolocation
		}
		if req.LinkedOrder != nil && req.ToStage == models.CardStageOrdered {
			metadata["linkedOrderType"] = req.LinkedOrder.Type
		}
		entry := models.NewAuditEntry{
			TenantId:      card.TenantId,
			Action:        models.AuditActionCardStageChanged,
			EntityType:    models.AuditEntityKanbanCard,
			EntityId:      &cardId,
			PreviousState: prev,
			NewState:      next,
			Metadata:      metadata,
			Timestamp:     now,
		}
		models.AuditActorFromContext(ctx, &entry)
		ref, err := models.WriteAuditEntry(tx, entry)
		if err != nil {
			return err
		}

		if err := models.PublishCardEvent(tx, card, loop, before.Stage, models.CardEventPayload{
			CardNumber:      card.CardNumber,
			LoopType:        loop.LoopType,
			OrderQuantity:   loop.OrderQuantity,
			CompletedCycles: card.CompletedCycles,
			LinkedOrderId:   card.LinkedOrderId,
			LinkedOrderType: card.LinkedOrderType,
			Method:          req.Method,
			AuditEntryId:    ref.ID,
		}, req.IdempotencyKey, correlationId); err != nil {
			return err
		}

		result = &TransitionResult{
			CardId:          card.ID,
			PreviousStage:   before.Stage,
			Stage:           card.CurrentStage,
			StageEnteredAt:  card.CurrentStageEnteredAt,
			CompletedCycles: card.CompletedCycles,
			LinkedOrderId:   card.LinkedOrderId,
			AuditEntryId:    ref.ID,
			SequenceNumber:  ref.SequenceNumber,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ValidateCardTransition applies the rule table to a loaded card. Checks run in a
// fixed order so clients always see the same code for the same request.
func ValidateCardTransition(card models.KanbanCard, loopType models.LoopType, req TransitionRequest) error {
	from, to := card.CurrentStage, req.ToStage
	if !models.IsValidTransition(from, to) {
		if to == models.CardStageTriggered && from != models.CardStageCreated {
			return scanerr.Newf(scanerr.CodeCardAlreadyTriggered, "card is already %s", from)
		}
		return scanerr.Newf(scanerr.CodeInvalidTransition, "cannot move card from %s to %s", from, to)
	}
	if !models.IsRoleAllowed(from, to, req.ActorRole) {
		return scanerr.Newf(scanerr.CodeRoleNotAllowed, "role %s cannot move card from %s to %s", req.ActorRole, from, to)
	}
	if !models.IsLoopTypeAllowed(from, to, loopType) {
		return scanerr.Newf(scanerr.CodeLoopTypeIncompatible, "%s loops cannot move from %s to %s", loopType, from, to)
	}
	if !models.IsMethodAllowed(from, to, req.Method) {
		return scanerr.Newf(scanerr.CodeMethodNotAllowed, "method %s not allowed from %s to %s", req.Method, from, to)
	}
	rule, _ := models.RuleFor(from, to)
	if rule.RequiresLinkedOrder {
		if req.LinkedOrder == nil || req.LinkedOrder.Id == "" {
			return scanerr.Newf(scanerr.CodeLinkedOrderRequired, "moving to %s requires a linked order", to)
		}
		if !rule.AcceptsOrderType(req.LinkedOrder.Type) {
			return scanerr.Newf(scanerr.CodeInvalidOrderType, "order type %s cannot be linked here", req.LinkedOrder.Type)
		}
	}
	return nil
}

func validateTransitionRequest(req TransitionRequest) error {
	switch {
	case req.CardId == uuid.Nil:
		return scanerr.New(scanerr.CodeValidationError, "card id is required")
	case req.IdempotencyKey == "":
		return scanerr.New(scanerr.CodeValidationError, "idempotency key is required")
	case len(req.IdempotencyKey) > 255:
		return scanerr.New(scanerr.CodeValidationError, "idempotency key is too long")
	case req.ToStage == "":
		return scanerr.New(scanerr.CodeValidationError, "target stage is required")
	case req.Method == "":
		return scanerr.New(scanerr.CodeValidationError, "scan method is required")
	case req.ActorRole == "":
		return scanerr.New(scanerr.CodeValidationError, "actor role is required")
	}
	return nil
}

// lockCard takes a short per-card Redis lock so concurrent scans queue in Redis
// rather than on the row lock. The row lock stays authoritative.
func (c *CardLifecycle) lockCard(ctx context.Context, cardId uuid.UUID) func() {
	if c.Locker == nil {
		return func() {}
	}
	obtainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	lock, err := c.Locker.Obtain(obtainCtx, "lock:card:"+cardId.String(), c.LockTTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if err != nil {
		if c.Logger != nil {
			c.Logger.WithFields(logrus.Fields{
				"field":   "CardLifecycle",
				"card_id": cardId.String(),
			}).Warn("could not obtain card lock; proceeding on row lock: " + err.Error())
		}
		return func() {}
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && c.Logger != nil {
			c.Logger.WithFields(logrus.Fields{
				"field":   "CardLifecycle",
				"card_id": cardId.String(),
			}).Warn("failed to release card lock: " + err.Error())
		}
	}
}

// processingTTL defaults to three times the longest a winner can legitimately
// hold the key, never less than 30s and never more than DedupTTL.
func (c *CardLifecycle) processingTTL() time.Duration {
	if c.ProcessingTTL > 0 {
		return c.ProcessingTTL
	}
	ttl := 3 * (c.PendingWait + c.LockTTL)
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}
	if c.DedupTTL > 0 && ttl > c.DedupTTL {
		ttl = c.DedupTTL
	}
	return ttl
}

func (c *CardLifecycle) storeOutcome(ctx context.Context, key string, outcome ScanOutcome) {
	// The transaction already committed; a client disconnect must not lose the outcome.
	if err := c.Dedup.Store(context.WithoutCancel(ctx), key, outcome, c.DedupTTL); err != nil {
		config.LogError(c.Logger, "cardLifecycle.go", "storeOutcome", "store scan outcome", key, err)
	}
}

func (c *CardLifecycle) releaseClaim(ctx context.Context, key string) {
	if err := c.Dedup.Release(context.WithoutCancel(ctx), key); err != nil {
		config.LogError(c.Logger, "cardLifecycle.go", "releaseClaim", "release idempotency key", key, err)
	}
}

func (c *CardLifecycle) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
