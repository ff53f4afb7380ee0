// Package offlinequeue holds scans captured while a device is offline and
// replays them, one at a time, once the scan endpoint is reachable again.
package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/kanban_backend/scanerr"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const MaxRetriesExceededMessage = "Maximum retry attempts exceeded"

var (
	ErrInvalidCardId = errors.New("card id must be a version 4 UUID")
	ErrNotFailed     = errors.New("only failed scans can be retried")
)

// SendFunc delivers one scan. A *scanerr.Error decides retry eligibility by
// code; any other error is treated as a transient network fault.
type SendFunc func(ctx context.Context, event ScanEvent) (*SyncResult, error)

type ReplaySummary struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Reclaimed int `json:"reclaimed"`
}

type Stats struct {
	Pending int64 `json:"pending"`
	Syncing int64 `json:"syncing"`
	Synced  int64 `json:"synced"`
	Failed  int64 `json:"failed"`
}

type Queue struct {
	db     *gorm.DB
	Logger *logrus.Logger
	// Sleep waits out a backoff delay; it returns early with ctx's error.
	Sleep func(ctx context.Context, d time.Duration) error
	Delay func(retryCount int) time.Duration
	Now   func() time.Time
}

// Open opens (or creates) the queue file at path.
func Open(path string) (*Queue, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open scan queue %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One device, one writer.
	sqlDB.SetMaxOpenConns(1)
	return New(db)
}

func New(db *gorm.DB) (*Queue, error) {
	if err := db.AutoMigrate(&ScanEvent{}); err != nil {
		return nil, err
	}
	return &Queue{
		db:     db,
		Logger: logrus.StandardLogger(),
		Sleep:  sleepCtx,
		Delay:  BackoffDelay,
		Now:    time.Now,
	}, nil
}

func (q *Queue) Close() error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Enqueue stores a new pending scan with a fresh idempotency key.
func (q *Queue) Enqueue(ctx context.Context, cardId string, loc *Geolocation) (*ScanEvent, error) {
	id, err := uuid.Parse(cardId)
	if err != nil || id.Version() != 4 {
		return nil, ErrInvalidCardId
	}
	ev := ScanEvent{
		ID:             uuid.NewString(),
		CardId:         id.String(),
		IdempotencyKey: uuid.NewString(),
		ScannedAt:      q.now(),
		Status:         StatusPending,
	}
	if loc != nil {
		lat, lng := loc.Latitude, loc.Longitude
		ev.Latitude, ev.Longitude, ev.Accuracy = &lat, &lng, loc.Accuracy
	}
	if err := q.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

// Replay walks pending scans oldest first, one in flight at a time.
func (q *Queue) Replay(ctx context.Context, send SendFunc) (*ReplaySummary, error) {
	summary := &ReplaySummary{}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	// A crash mid-send leaves rows in syncing; the stored key makes resending safe.
	res := q.db.WithContext(ctx).Model(&ScanEvent{}).
		Where("status = ?", StatusSyncing).
		Update("status", StatusPending)
	if res.Error != nil {
		return summary, res.Error
	}
	summary.Reclaimed = int(res.RowsAffected)

	pending, err := q.ListByStatus(ctx, StatusPending)
	if err != nil {
		return summary, err
	}

	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if ev.RetryCount >= MaxRetries {
			if err := q.markFailed(ctx, ev.ID, MaxRetriesExceededMessage, nil); err != nil {
				return summary, err
			}
			summary.Failed++
			continue
		}
		if ev.RetryCount > 0 {
			if err := q.Sleep(ctx, q.Delay(ev.RetryCount)); err != nil {
				return summary, err
			}
		}

		attemptAt := q.now()
		if err := q.db.WithContext(ctx).Model(&ScanEvent{}).Where("id = ?", ev.ID).Updates(map[string]interface{}{
			"status":          StatusSyncing,
			"last_attempt_at": &attemptAt,
		}).Error; err != nil {
			return summary, err
		}
		summary.Attempted++

		result, sendErr := send(ctx, ev)
		if sendErr == nil {
			if err := q.markSynced(ctx, ev.ID, result); err != nil {
				return summary, err
			}
			summary.Synced++
			continue
		}

		code := scanerr.CodeOf(sendErr)
		var codePtr *string
		if code != "" {
			codePtr = &code
		}
		if code != "" && !scanerr.IsRetryable(code) {
			if err := q.markFailed(ctx, ev.ID, sendErr.Error(), codePtr); err != nil {
				return summary, err
			}
			summary.Failed++
			q.log(ev, code).Warn("scan rejected by server: " + sendErr.Error())
			continue
		}

		msg := sendErr.Error()
		if err := q.db.WithContext(context.WithoutCancel(ctx)).Model(&ScanEvent{}).Where("id = ?", ev.ID).Updates(map[string]interface{}{
			"status":          StatusPending,
			"retry_count":     gorm.Expr("retry_count + 1"),
			"last_error":      &msg,
			"last_error_code": codePtr,
		}).Error; err != nil {
			return summary, err
		}
		summary.Retried++
		q.log(ev, code).Info("scan replay will be retried: " + msg)
	}
	return summary, nil
}

func (q *Queue) markSynced(ctx context.Context, id string, result *SyncResult) error {
	var raw []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return err
		}
		raw = b
	}
	return q.db.WithContext(context.WithoutCancel(ctx)).Model(&ScanEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":          StatusSynced,
		"sync_result":     raw,
		"last_error":      nil,
		"last_error_code": nil,
	}).Error
}

func (q *Queue) markFailed(ctx context.Context, id, msg string, code *string) error {
	return q.db.WithContext(context.WithoutCancel(ctx)).Model(&ScanEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":          StatusFailed,
		"last_error":      &msg,
		"last_error_code": code,
	}).Error
}

// ClearSyncedItems deletes synced rows. Failed rows stay until an operator acts.
func (q *Queue) ClearSyncedItems(ctx context.Context) (int64, error) {
	res := q.db.WithContext(ctx).Where("status = ?", StatusSynced).Delete(&ScanEvent{})
	return res.RowsAffected, res.Error
}

func (q *Queue) ListByStatus(ctx context.Context, status Status) ([]ScanEvent, error) {
	var events []ScanEvent
	err := q.db.WithContext(ctx).
		Where("status = ?", status).
		Order("scanned_at ASC, created_at ASC").
		Find(&events).Error
	return events, err
}

func (q *Queue) Get(ctx context.Context, id string) (*ScanEvent, error) {
	var ev ScanEvent
	if err := q.db.WithContext(ctx).Where("id = ?", id).Take(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

// RetryFailed is the operator's way back for a failed scan. The idempotency key is kept,
// so a scan the server already applied still cannot apply twice.
func (q *Queue) RetryFailed(ctx context.Context, id string) error {
	res := q.db.WithContext(ctx).Model(&ScanEvent{}).
		Where("id = ? AND status = ?", id, StatusFailed).
		Updates(map[string]interface{}{
			"status":          StatusPending,
			"retry_count":     0,
			"last_error":      nil,
			"last_error_code": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotFailed
	}
	return nil
}

func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	type row struct {
		Status Status
		Total  int64
	}
	var rows []row
	if err := q.db.WithContext(ctx).Model(&ScanEvent{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	s := &Stats{}
	for _, r := range rows {
		switch r.Status {
		case StatusPending:
			s.Pending = r.Total
		case StatusSyncing:
			s.Syncing = r.Total
		case StatusSynced:
			s.Synced = r.Total
		case StatusFailed:
			s.Failed = r.Total
		}
	}
	return s, nil
}

func (q *Queue) log(ev ScanEvent, code string) *logrus.Entry {
	l := q.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithFields(logrus.Fields{
		"field":       "OfflineQueue",
		"scan_id":     ev.ID,
		"card_id":     ev.CardId,
		"retry_count": ev.RetryCount,
		"code":        code,
	})
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
