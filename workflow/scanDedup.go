package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/kanban_backend/scanerr"
	"github.com/redis/go-redis/v9"
)

const (
	scanDedupKeyPrefix        = "ScanIdempotency:"
	scanDedupProcessingMarker = "processing"
)

var ErrDedupUnavailable = errors.New("scan dedup store unavailable")

// ScanOutcome is what gets cached under an idempotency key: exactly one of
// Result or Error is set.
type ScanOutcome struct {
	Result *TransitionResult `json:"result,omitempty"`
	Error  *scanerr.Error    `json:"error,omitempty"`
}

func (o *ScanOutcome) Unwrap() (*TransitionResult, error) {
	if o.Error != nil {
		return nil, o.Error
	}
	return o.Result, nil
}

// DedupClaim reports who owns a key. When Won is false, Cached holds the
// original outcome if it is ready; otherwise Processing is true.
type DedupClaim struct {
	Won        bool
	Cached     *ScanOutcome
	Processing bool
}

// ScanDedupStore remembers idempotency keys. Claim writes the in-flight marker
// with a short ttl; Store replaces it with the outcome under the long one.
type ScanDedupStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (DedupClaim, error)
	Store(ctx context.Context, key string, outcome ScanOutcome, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// ScanDedupKey scopes a client idempotency key to one card.
func ScanDedupKey(cardId, idempotencyKey string) string {
	return scanDedupKeyPrefix + cardId + ":" + idempotencyKey
}

type RedisScanDedup struct {
	Client redis.Cmdable
}

func NewRedisScanDedup(client redis.Cmdable) *RedisScanDedup {
	return &RedisScanDedup{Client: client}
}

func (r *RedisScanDedup) Claim(ctx context.Context, key string, ttl time.Duration) (DedupClaim, error) {
	if r == nil || r.Client == nil {
		return DedupClaim{}, ErrDedupUnavailable
	}
	won, err := r.Client.SetNX(ctx, key, scanDedupProcessingMarker, ttl).Result()
	if err != nil {
		return DedupClaim{}, fmt.Errorf("%w: %v", ErrDedupUnavailable, err)
	}
	if won {
		return DedupClaim{Won: true}, nil
	}

	val, err := r.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Released or expired between SETNX and GET; the caller polls again.
		return DedupClaim{Processing: true}, nil
	}
	if err != nil {
		return DedupClaim{}, fmt.Errorf("%w: %v", ErrDedupUnavailable, err)
	}
	if val == scanDedupProcessingMarker {
		return DedupClaim{Processing: true}, nil
	}
	var outcome ScanOutcome
	if err := json.Unmarshal([]byte(val), &outcome); err != nil {
		return DedupClaim{}, fmt.Errorf("decode cached scan outcome %s: %w", key, err)
	}
	return DedupClaim{Cached: &outcome}, nil
}

func (r *RedisScanDedup) Store(ctx context.Context, key string, outcome ScanOutcome, ttl time.Duration) error {
	if r == nil || r.Client == nil {
		return ErrDedupUnavailable
	}
	b, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	if err := r.Client.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDedupUnavailable, err)
	}
	return nil
}

func (r *RedisScanDedup) Release(ctx context.Context, key string) error {
	if r == nil || r.Client == nil {
		return ErrDedupUnavailable
	}
	if err := r.Client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDedupUnavailable, err)
	}
	return nil
}
