package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/kanban_backend/config"
	"github.com/mmdatafocus/kanban_backend/models"
	"github.com/mmdatafocus/kanban_backend/scanerr"
	"github.com/mmdatafocus/kanban_backend/utils"
	"github.com/mmdatafocus/kanban_backend/workflow"
	"gorm.io/gorm"
)

type scanRequest struct {
	IdempotencyKey string                `json:"idempotencyKey" binding:"omitempty,max=255"`
	Method         models.ScanMethod     `json:"method" binding:"required"`
	ActorRole      models.UserRole       `json:"actorRole"`
	ToStage        models.CardStage      `json:"toStage"`
	LinkedOrder    *workflow.LinkedOrder `json:"linkedOrder"`
	Geolocation    *workflow.Geolocation `json:"geolocation"`
}

func writeScanError(c *gin.Context, err error) {
	if se, ok := scanerr.As(err); ok {
		c.JSON(se.HTTPStatus(), se)
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, scanerr.New(scanerr.CodeInternalError, "internal error"))
}

func validationError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, scanerr.New(scanerr.CodeValidationError, message))
}

// scanCardHandler is the QR target: POST /scan/:cardId.
func scanCardHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		app := appFrom(c)
		cardId, err := models.ParseCardId(c.Param("cardId"))
		if err != nil {
			validationError(c, err.Error())
			return
		}

		var body scanRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			validationError(c, utils.ValidationMessage(err))
			return
		}
		if body.IdempotencyKey == "" {
			body.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		}
		if body.ToStage == "" {
			body.ToStage = models.CardStageTriggered
		}
		// A token's role outranks what the device claims.
		if role, _ := utils.GetUserRoleFromContext(c.Request.Context()); role != "" {
			body.ActorRole = models.UserRole(role)
		}

		result, err := app.Lifecycle.TransitionCard(c.Request.Context(), workflow.TransitionRequest{
			CardId:         cardId,
			ToStage:        body.ToStage,
			Method:         body.Method,
			ActorRole:      body.ActorRole,
			IdempotencyKey: body.IdempotencyKey,
			LinkedOrder:    body.LinkedOrder,
			Geolocation:    body.Geolocation,
		})
		if err != nil {
			writeScanError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type cardView struct {
	models.KanbanCard
	ScanURL           string             `json:"scan_url"`
	AllowedNextStages []models.CardStage `json:"allowed_next_stages"`
}

func newCardView(appURL string, card models.KanbanCard) cardView {
	return cardView{
		KanbanCard:        card,
		ScanURL:           models.CardScanURL(appURL, card.ID),
		AllowedNextStages: models.AllowedNextStages(card.CurrentStage),
	}
}

func getCardHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		app := appFrom(c)
		cardId, err := models.ParseCardId(c.Param("cardId"))
		if err != nil {
			validationError(c, err.Error())
			return
		}
		card, err := models.GetKanbanCard(c.Request.Context(), app.DB, cardId)
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !ownsTenant(c, card.TenantId)) {
			c.JSON(http.StatusNotFound, scanerr.Newf(scanerr.CodeCardNotFound, "card %s not found", cardId))
			return
		}
		if err != nil {
			writeScanError(c, err)
			return
		}
		c.JSON(http.StatusOK, newCardView(app.AppURL, *card))
	}
}

func createLoopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		app := appFrom(c)
		var input models.NewKanbanLoop
		if err := c.ShouldBindJSON(&input); err != nil {
			validationError(c, utils.ValidationMessage(err))
			return
		}
		if !input.LoopType.IsValid() {
			validationError(c, fmt.Sprintf("unknown loop type %q", input.LoopType))
			return
		}
		res, err := models.CreateKanbanLoop(c.Request.Context(), app.DB, &input)
		if err != nil {
			writeScanError(c, err)
			return
		}
		c.JSON(http.StatusCreated, loopResponse(app.AppURL, res))
	}
}

type resizeLoopRequest struct {
	NumberOfCards *int `json:"number_of_cards" binding:"required,min=0,max=1000"`
}

func resizeLoopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		app := appFrom(c)
		loopId, ok := tenantLoopId(c, app.DB)
		if !ok {
			return
		}
		var body resizeLoopRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			validationError(c, utils.ValidationMessage(err))
			return
		}
		res, err := models.ResizeLoopCards(c.Request.Context(), app.DB, loopId, *body.NumberOfCards)
		if err != nil {
			writeScanError(c, err)
			return
		}
		c.JSON(http.StatusOK, loopResponse(app.AppURL, res))
	}
}

func listLoopCardsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		app := appFrom(c)
		loopId, ok := tenantLoopId(c, app.DB)
		if !ok {
			return
		}
		cards, err := models.ListLoopCards(c.Request.Context(), app.DB, loopId)
		if err != nil {
			writeScanError(c, err)
			return
		}
		views := make([]cardView, 0, len(cards))
		for _, card := range cards {
			views = append(views, newCardView(app.AppURL, card))
		}
		c.JSON(http.StatusOK, views)
	}
}

func loopResponse(appURL string, res *models.ResizeLoopResult) gin.H {
	created := make([]cardView, 0, len(res.Created))
	for _, card := range res.Created {
		created = append(created, newCardView(appURL, card))
	}
	return gin.H{"loop": res.Loop, "created": created, "deactivated": res.Deactivated}
}

// tenantLoopId resolves :loopId and checks it belongs to the caller's tenant.
func tenantLoopId(c *gin.Context, db *gorm.DB) (uuid.UUID, bool) {
	loopId, err := uuid.Parse(c.Param("loopId"))
	if err != nil {
		validationError(c, "loop id must be a UUID")
		return uuid.Nil, false
	}
	tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
	var count int64
	if err := db.WithContext(c.Request.Context()).Model(&models.KanbanLoop{}).
		Where("id = ? AND tenant_id = ?", loopId, tenantId).
		Count(&count).Error; err != nil {
		writeScanError(c, err)
		return uuid.Nil, false
	}
	if count == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "loop not found"})
		return uuid.Nil, false
	}
	return loopId, true
}

func ownsTenant(c *gin.Context, tenantId string) bool {
	if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); isAdmin {
		return true
	}
	caller, _ := utils.GetTenantIdFromContext(c.Request.Context())
	return caller != "" && caller == tenantId
}

// auditTenant picks the tenant an admin request targets. Tenant admins are
// pinned to their own tenant; platform admins name one with ?tenant_id=.
func auditTenant(c *gin.Context) (string, bool) {
	ctx := c.Request.Context()
	caller, _ := utils.GetTenantIdFromContext(ctx)
	requested := strings.TrimSpace(c.Query("tenant_id"))
	isAdmin, _ := utils.GetIsAdminFromContext(ctx)
	switch {
	case requested == "" && caller != "":
		return caller, true
	case requested != "" && (isAdmin || requested == caller):
		return requested, true
	case requested != "":
		c.JSON(http.StatusForbidden, scanerr.New(scanerr.CodeTenantMismatch, "cannot read another tenant's audit log"))
		return "", false
	default:
		validationError(c, "tenant_id is required")
		return "", false
	}
}

func auditIntegrityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		app := appFrom(c)
		tenantId, ok := auditTenant(c)
		if !ok {
			return
		}
		report, err := workflow.CheckAuditIntegrity(c.Request.Context(), app.DB, tenantId)
		if err != nil {
			config.LogError(app.Logger, "scanHandlers.go", "auditIntegrityHandler", "check audit integrity", tenantId, err)
			writeScanError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func auditIntegrityExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		app := appFrom(c)
		tenantId, ok := auditTenant(c)
		if !ok {
			return
		}
		report, err := workflow.CheckAuditIntegrity(c.Request.Context(), app.DB, tenantId)
		if err != nil {
			config.LogError(app.Logger, "scanHandlers.go", "auditIntegrityExportHandler", "check audit integrity", tenantId, err)
			writeScanError(c, err)
			return
		}
		filename := utils.ReportObjectName("audit-integrity", "xlsx", time.Now())
		filename = filename[strings.LastIndex(filename, "/")+1:]
		c.Header("Content-Type", utils.XlsxContentType)
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
		c.Status(http.StatusOK)
		if err := workflow.WriteAuditIntegrityWorkbook(c.Writer, report); err != nil {
			_ = c.Error(err)
		}
	}
}

type outboxReplayRequest struct {
	TenantId string `json:"tenant_id"`
}

// outboxReplayHandler moves DEAD/FAILED card events back to PENDING.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		app := appFrom(c)
		var req outboxReplayRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				validationError(c, utils.ValidationMessage(err))
				return
			}
		}
		ctx := c.Request.Context()
		caller, _ := utils.GetTenantIdFromContext(ctx)
		isAdmin, _ := utils.GetIsAdminFromContext(ctx)
		if !isAdmin {
			if req.TenantId != "" && req.TenantId != caller {
				c.JSON(http.StatusForbidden, scanerr.New(scanerr.CodeTenantMismatch, "cannot replay another tenant's events"))
				return
			}
			req.TenantId = caller
		}
		n, err := models.ReplayDeadCardEvents(ctx, app.DB, req.TenantId)
		if err != nil {
			config.LogError(app.Logger, "scanHandlers.go", "outboxReplayHandler", "replay card events", req.TenantId, err)
			writeScanError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"tenant_id":      req.TenantId,
			"replayed":       n,
			"publish_status": models.OutboxPublishStatusPending,
		})
	}
}

func outboxStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		app := appFrom(c)
		stats, err := models.GetCardEventOutboxStats(c.Request.Context(), app.DB)
		if err != nil {
			writeScanError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}
