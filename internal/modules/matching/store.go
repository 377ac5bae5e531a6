// README: Assignment stats store backed by a Redis sorted set scored by time.
package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	attemptsKey = "matching:attempts"
	// Attempt records are kept for 7 days.
	keyTTL = 7 * 24 * time.Hour
)

type StatsStore struct {
	redis *redis.Client
	now   func() time.Time
}

func NewStatsStore(redis *redis.Client) *StatsStore {
	return &StatsStore{redis: redis, now: time.Now}
}

// Record appends one attempt and trims records past the retention window.
func (s *StatsStore) Record(ctx context.Context, rec AttemptRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	cutoff := s.now().Add(-keyTTL).UnixMilli()

	pipe := s.redis.Pipeline()
	pipe.ZAdd(ctx, attemptsKey, redis.Z{Score: float64(rec.At.UnixMilli()), Member: body})
	pipe.ZRemRangeByScore(ctx, attemptsKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, attemptsKey, keyTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Range returns records with At in [from, to).
func (s *StatsStore) Range(ctx context.Context, from, to time.Time) ([]AttemptRecord, error) {
	raw, err := s.redis.ZRangeByScore(ctx, attemptsKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: "(" + strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range attempts: %w", err)
	}
	out := make([]AttemptRecord, 0, len(raw))
	for _, m := range raw {
		var rec AttemptRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
