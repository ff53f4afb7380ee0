package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/kanban_backend/appctx"
	"github.com/mmdatafocus/kanban_backend/config"
	"github.com/mmdatafocus/kanban_backend/dbtest"
	"github.com/mmdatafocus/kanban_backend/models"
	"github.com/mmdatafocus/kanban_backend/offlinequeue"
	"github.com/mmdatafocus/kanban_backend/scanerr"
	"github.com/mmdatafocus/kanban_backend/utils"
	"github.com/mmdatafocus/kanban_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type memoryDedup struct {
	mu   sync.Mutex
	vals map[string][]byte
}

const memoryProcessing = "processing"

func (m *memoryDedup) Claim(_ context.Context, key string, _ time.Duration) (workflow.DedupClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	if !ok {
		m.vals[key] = []byte(memoryProcessing)
		return workflow.DedupClaim{Won: true}, nil
	}
	if string(v) == memoryProcessing {
		return workflow.DedupClaim{Processing: true}, nil
	}
	var out workflow.ScanOutcome
	if err := json.Unmarshal(v, &out); err != nil {
		return workflow.DedupClaim{}, err
	}
	return workflow.DedupClaim{Cached: &out}, nil
}

func (m *memoryDedup) Store(_ context.Context, key string, outcome workflow.ScanOutcome, _ time.Duration) error {
	b, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = b
	return nil
}

func (m *memoryDedup) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, key)
	return nil
}

type handlerFixture struct {
	db     *gorm.DB
	app    *scanApp
	router *gin.Engine
	loop   models.KanbanLoop
	cards  []models.KanbanCard
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("API_SECRET", "handler-secret")

	db := dbtest.Open(t)
	require.NoError(t, db.Use(config.NewTenantGuardPlugin()))

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	lc := workflow.NewCardLifecycle(db, &memoryDedup{vals: map[string][]byte{}}, logger)
	lc.PendingWait = 200 * time.Millisecond
	lc.PollInterval = 10 * time.Millisecond

	app := &scanApp{DB: db, Lifecycle: lc, Logger: logger, AppURL: "https://kanban.example.com"}

	ctx := appctx.Set(context.Background(), appctx.ContextKeyTenantId, "tenant-1")
	res, err := models.CreateKanbanLoop(ctx, db, &models.NewKanbanLoop{
		Name:          "M8 washers",
		LoopType:      models.LoopTypeProcurement,
		NumberOfCards: 2,
		OrderQuantity: decimal.NewFromInt(250),
	})
	require.NoError(t, err)

	return &handlerFixture{
		db:     db,
		app:    app,
		router: newRouter(func() *scanApp { return app }, logger),
		loop:   *res.Loop,
		cards:  res.Created,
	}
}

func token(t *testing.T, claim utils.JwtCustomClaim) string {
	t.Helper()
	tok, err := utils.JwtGenerate(claim)
	require.NoError(t, err)
	return tok
}

func (f *handlerFixture) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) scanerr.Error {
	t.Helper()
	var se scanerr.Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &se))
	return se
}

func TestScanTriggersCardAndReplaysDuplicate(t *testing.T) {
	f := newHandlerFixture(t)
	path := "/scan/" + f.cards[0].ID.String()
	body := gin.H{"idempotencyKey": "scan-1", "method": "qr_scan", "actorRole": "inventory_manager"}

	first := f.do(t, http.MethodPost, path, "", body)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	var r1 workflow.TransitionResult
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &r1))
	require.Equal(t, models.CardStageTriggered, r1.Stage)
	require.Equal(t, models.CardStageCreated, r1.PreviousStage)

	again := f.do(t, http.MethodPost, path, "", body)
	require.Equal(t, http.StatusOK, again.Code)
	var r2 workflow.TransitionResult
	require.NoError(t, json.Unmarshal(again.Body.Bytes(), &r2))
	require.Equal(t, r1.AuditEntryId, r2.AuditEntryId)

	other := f.do(t, http.MethodPost, path, "", gin.H{"idempotencyKey": "scan-2", "method": "qr_scan", "actorRole": "inventory_manager"})
	require.Equal(t, http.StatusConflict, other.Code)
	require.Equal(t, scanerr.CodeCardAlreadyTriggered, decodeError(t, other).Code)

	var audits int64
	require.NoError(t, f.db.Model(&models.AuditLog{}).Where("action = ?", models.AuditActionCardStageChanged).Count(&audits).Error)
	require.EqualValues(t, 1, audits)
}

func TestScanIdempotencyKeyFromHeader(t *testing.T) {
	f := newHandlerFixture(t)
	raw, _ := json.Marshal(gin.H{"method": "manual", "actorRole": "inventory_manager"})
	req := httptest.NewRequest(http.MethodPost, "/scan/"+f.cards[1].ID.String(), bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "hdr-1")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rec models.CardEventRecord
	require.NoError(t, f.db.Where("card_id = ?", f.cards[1].ID).Take(&rec).Error)
	require.Equal(t, "hdr-1", rec.IdempotencyKey)
}

func TestScanRequestErrors(t *testing.T) {
	f := newHandlerFixture(t)
	body := gin.H{"idempotencyKey": "k", "method": "qr_scan", "actorRole": "inventory_manager"}

	w := f.do(t, http.MethodPost, "/scan/not-a-card", "", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, scanerr.CodeValidationError, decodeError(t, w).Code)

	w = f.do(t, http.MethodPost, "/scan/"+f.cards[0].ID.String(), "", gin.H{"idempotencyKey": "k"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, scanerr.CodeValidationError, decodeError(t, w).Code)

	w = f.do(t, http.MethodPost, "/scan/"+f.cards[0].ID.String(), "", gin.H{"method": "qr_scan", "actorRole": "inventory_manager"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/scan/"+uuid.NewString(), "", body)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, scanerr.CodeCardNotFound, decodeError(t, w).Code)

	w = f.do(t, http.MethodPost, "/scan/"+f.cards[0].ID.String(), "", gin.H{"idempotencyKey": "k2", "method": "qr_scan", "actorRole": "salesperson"})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, scanerr.CodeRoleNotAllowed, decodeError(t, w).Code)
}

func TestScanTenantMismatch(t *testing.T) {
	f := newHandlerFixture(t)
	tok := token(t, utils.JwtCustomClaim{TenantId: "tenant-2", Role: "inventory_manager"})
	w := f.do(t, http.MethodPost, "/scan/"+f.cards[0].ID.String(), tok, gin.H{"idempotencyKey": "k", "method": "qr_scan"})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, scanerr.CodeTenantMismatch, decodeError(t, w).Code)

	// the token's role is used when the body omits it
	tok = token(t, utils.JwtCustomClaim{TenantId: "tenant-1", UserId: "u-1", Role: "inventory_manager"})
	w = f.do(t, http.MethodPost, "/scan/"+f.cards[0].ID.String(), tok, gin.H{"idempotencyKey": "k", "method": "qr_scan"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var entry models.AuditLog
	require.NoError(t, f.db.Where("action = ?", models.AuditActionCardStageChanged).Take(&entry).Error)
	require.NotNil(t, entry.UserId)
	require.Equal(t, "u-1", *entry.UserId)
}

func TestReadinessGate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newRouter(func() *scanApp { return nil }, logrus.New())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/scan/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLoopEndpoints(t *testing.T) {
	f := newHandlerFixture(t)
	tok := token(t, utils.JwtCustomClaim{TenantId: "tenant-1", Role: "inventory_manager"})

	w := f.do(t, http.MethodPost, "/loops", "", gin.H{"name": "x", "loop_type": "transfer"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/loops", tok, gin.H{"name": "Cable ties", "loop_type": "transfer", "number_of_cards": 3, "order_quantity": "12.5"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Loop    models.KanbanLoop `json:"loop"`
		Created []struct {
			ID      uuid.UUID `json:"id"`
			ScanURL string    `json:"scan_url"`
		} `json:"created"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Len(t, created.Created, 3)
	require.Equal(t, "https://kanban.example.com/scan/"+created.Created[0].ID.String(), created.Created[0].ScanURL)
	require.True(t, decimal.RequireFromString("12.5").Equal(created.Loop.OrderQuantity))

	w = f.do(t, http.MethodPost, "/loops", tok, gin.H{"name": "Bad", "loop_type": "kitting"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	path := "/loops/" + created.Loop.ID.String() + "/cards"
	w = f.do(t, http.MethodPut, path, tok, gin.H{"number_of_cards": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resized struct {
		Deactivated []models.KanbanCard `json:"deactivated"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resized))
	require.Len(t, resized.Deactivated, 2)

	w = f.do(t, http.MethodGet, path, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed, 3)
	require.Equal(t, []any{"triggered"}, listed[0]["allowed_next_stages"])

	other := token(t, utils.JwtCustomClaim{TenantId: "tenant-2", Role: "tenant_admin"})
	w = f.do(t, http.MethodGet, path, other, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodGet, "/cards/"+f.cards[0].ID.String(), other, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/cards/"+f.cards[0].ID.String(), tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuditIntegrityEndpoints(t *testing.T) {
	f := newHandlerFixture(t)
	admin := token(t, utils.JwtCustomClaim{TenantId: "tenant-1", Role: "tenant_admin"})
	clerk := token(t, utils.JwtCustomClaim{TenantId: "tenant-1", Role: "salesperson"})

	w := f.do(t, http.MethodGet, "/audit/integrity-check", clerk, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodGet, "/audit/integrity-check", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report workflow.AuditIntegrityReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.True(t, report.Valid)
	// two card.created entries plus loop.resized
	require.Equal(t, 3, report.TotalChecked)

	w = f.do(t, http.MethodGet, "/audit/integrity-check?tenant_id=tenant-2", admin, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	require.NoError(t, f.db.Model(&models.AuditLog{}).
		Where("tenant_id = ? AND sequence_number = ?", "tenant-1", 2).
		Update("action", "card.tampered").Error)
	w = f.do(t, http.MethodGet, "/audit/integrity-check", admin, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.False(t, report.Valid)

	platform := token(t, utils.JwtCustomClaim{IsAdmin: true})
	w = f.do(t, http.MethodGet, "/audit/integrity-check/export?tenant_id=tenant-1", platform, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, utils.XlsxContentType, w.Header().Get("Content-Type"))
	require.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("PK")))
}

func TestOutboxReplayEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	w := f.do(t, http.MethodPost, "/scan/"+f.cards[0].ID.String(), "", gin.H{"idempotencyKey": "k", "method": "qr_scan", "actorRole": "inventory_manager"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, f.db.Model(&models.CardEventRecord{}).Where("1 = 1").
		Updates(map[string]any{"publish_status": models.OutboxPublishStatusDead, "publish_attempts": 20}).Error)

	admin := token(t, utils.JwtCustomClaim{TenantId: "tenant-1", Role: "tenant_admin"})
	w = f.do(t, http.MethodPost, "/internal/ops/outbox/replay", admin, gin.H{"tenant_id": "tenant-2"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/internal/ops/outbox/replay", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.JSONEq(t, `{"tenant_id":"tenant-1","replayed":1,"publish_status":"PENDING"}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/internal/ops/outbox/stats", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats models.CardEventOutboxStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.EqualValues(t, 1, stats.Pending)
}

func TestOfflineQueueReplaysAgainstScanEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	q, err := offlinequeue.Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	defer q.Close()
	q.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	ctx := context.Background()
	first, err := q.Enqueue(ctx, f.cards[0].ID.String(), &offlinequeue.Geolocation{Latitude: 18.79, Longitude: 98.98})
	require.NoError(t, err)
	// same physical card scanned twice while offline: two logical scans
	second, err := q.Enqueue(ctx, f.cards[0].ID.String(), nil)
	require.NoError(t, err)

	sender := offlinequeue.NewHTTPSender(srv.URL, "", 5*time.Second)
	summary, err := q.Replay(ctx, sender.Send)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Synced)
	require.Equal(t, 1, summary.Failed)

	got, err := q.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, offlinequeue.StatusSynced, got.Status)

	got, err = q.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, offlinequeue.StatusFailed, got.Status)
	require.Equal(t, scanerr.CodeCardAlreadyTriggered, *got.LastErrorCode)

	card, err := models.GetKanbanCard(ctx, f.db, f.cards[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.CardStageTriggered, card.CurrentStage)

	// an operator retry resends the original key and stays rejected
	require.NoError(t, q.RetryFailed(ctx, second.ID))
	summary, err = q.Replay(ctx, sender.Send)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
}
