package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "attendance:qr"

// Redis is a Ledger shared by every API instance.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps a connected client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func key(parts ...string) string {
	return keyPrefix + ":" + strings.Join(parts, ":")
}

func (r *Redis) Consume(ctx context.Context, sessionID, studentID, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key("consumed", sessionID, token, studentID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ledger consume: %w", err)
	}
	return !ok, nil
}

func (r *Redis) Observe(ctx context.Context, sessionID, studentID, token string, at time.Time, window time.Duration) (bool, error) {
	k := key("seen", sessionID, token)
	score := float64(at.UnixMilli())
	lo := fmt.Sprintf("%d", at.Add(-window).UnixMilli())
	hi := fmt.Sprintf("%d", at.Add(window).UnixMilli())

	var rng *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", "("+lo)
		rng = p.ZRangeByScore(ctx, k, &redis.ZRangeBy{Min: lo, Max: hi})
		p.ZAdd(ctx, k, redis.Z{Score: score, Member: studentID})
		p.Expire(ctx, k, window+time.Minute)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ledger observe: %w", err)
	}
	for _, member := range rng.Val() {
		if member != studentID {
			return true, nil
		}
	}
	return false, nil
}
