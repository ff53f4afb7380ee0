package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/kanban_backend/scanerr"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *[]time.Duration) {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "scans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	var slept []time.Duration
	q.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	q.Delay = func(n int) time.Duration { return backoffDelay(n, func() float64 { return 0 }) }

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	tick := 0
	q.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return q, &slept
}

func okSender(calls *[]ScanEvent) SendFunc {
	return func(ctx context.Context, ev ScanEvent) (*SyncResult, error) {
		*calls = append(*calls, ev)
		return &SyncResult{CardId: ev.CardId, Stage: "triggered", AuditEntryId: uuid.NewString()}, nil
	}
}

func TestEnqueueValidatesCardId(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, bad := range []string{"", "not-a-uuid", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"} {
		_, err := q.Enqueue(ctx, bad, nil)
		require.ErrorIs(t, err, ErrInvalidCardId, bad)
	}

	cardId := uuid.NewString()
	acc := 4.5
	ev, err := q.Enqueue(ctx, cardId, &Geolocation{Latitude: 13.75, Longitude: 100.5, Accuracy: &acc})
	require.NoError(t, err)
	require.Equal(t, StatusPending, ev.Status)
	require.Equal(t, 0, ev.RetryCount)
	require.NotEmpty(t, ev.IdempotencyKey)

	stored, err := q.Get(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, cardId, stored.CardId)
	require.NotNil(t, stored.Geolocation())
	require.InDelta(t, 13.75, stored.Geolocation().Latitude, 1e-9)
	require.InDelta(t, 4.5, *stored.Geolocation().Accuracy, 1e-9)
}

func TestEnqueueGivesEachScanItsOwnKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	cardId := uuid.NewString()

	a, err := q.Enqueue(ctx, cardId, nil)
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, cardId, nil)
	require.NoError(t, err)
	require.NotEqual(t, a.IdempotencyKey, b.IdempotencyKey)
}

func TestReplaySendsInScanOrder(t *testing.T) {
	q, slept := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ev, err := q.Enqueue(ctx, uuid.NewString(), nil)
		require.NoError(t, err)
		ids = append(ids, ev.ID)
	}

	var calls []ScanEvent
	summary, err := q.Replay(ctx, okSender(&calls))
	require.NoError(t, err)
	require.Equal(t, 3, summary.Attempted)
	require.Equal(t, 3, summary.Synced)
	require.Empty(t, *slept)

	require.Len(t, calls, 3)
	for i, c := range calls {
		require.Equal(t, ids[i], c.ID)
	}

	synced, err := q.ListByStatus(ctx, StatusSynced)
	require.NoError(t, err)
	require.Len(t, synced, 3)
	var result SyncResult
	require.NoError(t, json.Unmarshal(synced[0].SyncResult, &result))
	require.Equal(t, "triggered", result.Stage)
	require.NotNil(t, synced[0].LastAttemptAt)
}

func TestReplayRetriesNetworkErrorsWithSameKey(t *testing.T) {
	q, slept := newTestQueue(t)
	ctx := context.Background()
	ev, err := q.Enqueue(ctx, uuid.NewString(), nil)
	require.NoError(t, err)

	var keys []string
	failing := func(ctx context.Context, e ScanEvent) (*SyncResult, error) {
		keys = append(keys, e.IdempotencyKey)
		return nil, errors.New("dial tcp: connection refused")
	}

	for i := 0; i < 2; i++ {
		summary, err := q.Replay(ctx, failing)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Retried)
	}

	stored, err := q.Get(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, 2, stored.RetryCount)
	require.NotNil(t, stored.LastError)
	require.Nil(t, stored.LastErrorCode)
	require.Equal(t, []string{ev.IdempotencyKey, ev.IdempotencyKey}, keys)

	// first attempt immediate, second waits BASE*2^1
	require.Equal(t, []time.Duration{2 * time.Second}, *slept)

	var calls []ScanEvent
	summary, err := q.Replay(ctx, okSender(&calls))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Synced)
	require.Equal(t, ev.IdempotencyKey, calls[0].IdempotencyKey)
}

func TestReplayRetryableServerCode(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	ev, err := q.Enqueue(ctx, uuid.NewString(), nil)
	require.NoError(t, err)

	_, err = q.Replay(ctx, func(ctx context.Context, e ScanEvent) (*SyncResult, error) {
		return nil, scanerr.New(scanerr.CodeDedupUnavailable, "redis down")
	})
	require.NoError(t, err)

	stored, err := q.Get(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.LastErrorCode)
	require.Equal(t, scanerr.CodeDedupUnavailable, *stored.LastErrorCode)
}

func TestReplayNonRetryableFailsImmediately(t *testing.T) {
	codes := []string{
		scanerr.CodeCardNotFound,
		scanerr.CodeCardInactive,
		scanerr.CodeCardAlreadyTriggered,
		scanerr.CodeTenantMismatch,
		scanerr.CodeInvalidTransition,
		scanerr.CodeRoleNotAllowed,
		scanerr.CodeLoopTypeIncompatible,
		scanerr.CodeMethodNotAllowed,
		scanerr.CodeLinkedOrderRequired,
		scanerr.CodeInvalidOrderType,
	}
	for _, code := range codes {
		t.Run(code, func(t *testing.T) {
			q, _ := newTestQueue(t)
			ctx := context.Background()
			ev, err := q.Enqueue(ctx, uuid.NewString(), nil)
			require.NoError(t, err)

			calls := 0
			summary, err := q.Replay(ctx, func(ctx context.Context, e ScanEvent) (*SyncResult, error) {
				calls++
				return nil, scanerr.New(code, "rejected")
			})
			require.NoError(t, err)
			require.Equal(t, 1, summary.Failed)

			stored, err := q.Get(ctx, ev.ID)
			require.NoError(t, err)
			require.Equal(t, StatusFailed, stored.Status)
			require.Equal(t, 0, stored.RetryCount)
			require.Equal(t, code, *stored.LastErrorCode)

			// failed items are not replayed again
			_, err = q.Replay(ctx, func(ctx context.Context, e ScanEvent) (*SyncResult, error) {
				calls++
				return nil, nil
			})
			require.NoError(t, err)
			require.Equal(t, 1, calls)
		})
	}
}

func TestReplayGivesUpAfterMaxRetries(t *testing.T) {
	q, slept := newTestQueue(t)
	ctx := context.Background()
	ev, err := q.Enqueue(ctx, uuid.NewString(), nil)
	require.NoError(t, err)

	calls := 0
	failing := func(ctx context.Context, e ScanEvent) (*SyncResult, error) {
		calls++
		return nil, errors.New("timeout")
	}
	for i := 0; i < MaxRetries+1; i++ {
		_, err := q.Replay(ctx, failing)
		require.NoError(t, err)
	}
	require.Equal(t, MaxRetries, calls)

	stored, err := q.Get(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)
	require.Equal(t, MaxRetries, stored.RetryCount)
	require.Equal(t, MaxRetriesExceededMessage, *stored.LastError)

	require.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, *slept)
}

func TestReplayReclaimsStaleSyncing(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	ev, err := q.Enqueue(ctx, uuid.NewString(), nil)
	require.NoError(t, err)
	require.NoError(t, q.db.Model(&ScanEvent{}).Where("id = ?", ev.ID).Update("status", StatusSyncing).Error)

	var calls []ScanEvent
	summary, err := q.Replay(ctx, okSender(&calls))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Reclaimed)
	require.Equal(t, 1, summary.Synced)
	require.Equal(t, ev.IdempotencyKey, calls[0].IdempotencyKey)
}

func TestReplayStopsOnCancelledContext(t *testing.T) {
	q, _ := newTestQueue(t)
	ev, err := q.Enqueue(context.Background(), uuid.NewString(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Replay(ctx, func(ctx context.Context, e ScanEvent) (*SyncResult, error) {
		t.Fatal("send called after cancel")
		return nil, nil
	})
	require.ErrorIs(t, err, context.Canceled)

	stored, err := q.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
}

func TestClearSyncedKeepsFailed(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	good, err := q.Enqueue(ctx, uuid.NewString(), nil)
	require.NoError(t, err)
	bad, err := q.Enqueue(ctx, uuid.NewString(), nil)
	require.NoError(t, err)

	_, err = q.Replay(ctx, func(ctx context.Context, e ScanEvent) (*SyncResult, error) {
		if e.ID == bad.ID {
			return nil, scanerr.New(scanerr.CodeCardNotFound, "no card")
		}
		return &SyncResult{CardId: e.CardId}, nil
	})
	require.NoError(t, err)

	n, err := q.ClearSyncedItems(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = q.Get(ctx, good.ID)
	require.Error(t, err)
	_, err = q.Get(ctx, bad.ID)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Failed: 1}, *stats)
}

func TestRetryFailedKeepsKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	ev, err := q.Enqueue(ctx, uuid.NewString(), nil)
	require.NoError(t, err)

	require.ErrorIs(t, q.RetryFailed(ctx, ev.ID), ErrNotFailed)
	require.Error(t, q.RetryFailed(ctx, uuid.NewString()))

	_, err = q.Replay(ctx, func(ctx context.Context, e ScanEvent) (*SyncResult, error) {
		return nil, scanerr.New(scanerr.CodeTenantMismatch, "wrong tenant")
	})
	require.NoError(t, err)

	require.NoError(t, q.RetryFailed(ctx, ev.ID))
	stored, err := q.Get(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, 0, stored.RetryCount)
	require.Nil(t, stored.LastErrorCode)
	require.Equal(t, ev.IdempotencyKey, stored.IdempotencyKey)
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scans.db")
	q, err := Open(path)
	require.NoError(t, err)
	ev, err := q.Enqueue(context.Background(), uuid.NewString(), nil)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q2, err := Open(path)
	require.NoError(t, err)
	defer q2.Close()
	pending, err := q2.ListByStatus(context.Background(), StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, ev.IdempotencyKey, pending[0].IdempotencyKey)
}
