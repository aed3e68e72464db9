package volatility

import (
	"context"

	"github.com/grahams11/finguru/pkg/redis"
)

// RedisStore keeps profiles in Redis so a restart does not refetch a year of bars per symbol
type RedisStore struct {
	cache *redis.Cache
}

// NewRedisStore wraps a cache; a disabled cache makes every call a miss
func NewRedisStore(cache *redis.Cache) *RedisStore {
	return &RedisStore{cache: cache}
}

func (s *RedisStore) Load(ctx context.Context, symbol string) (*Profile, bool, error) {
	var p Profile
	found, err := s.cache.Get(ctx, redis.ProfileKey(symbol), &p)
	if err != nil || !found {
		return nil, false, err
	}
	return &p, true, nil
}

func (s *RedisStore) Save(ctx context.Context, p *Profile) error {
	return s.cache.Set(ctx, redis.ProfileKey(p.Symbol), p, redis.TTLProfile)
}
