package forwarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/DragonSecurity/ocppnet/pkg/proto"
)

// RedisStore keeps the routing table in one Redis hash so that several
// nodes behind a load balancer share learned routes.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "ocppnet"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key() string {
	return fmt.Sprintf("%s:routes", s.keyPrefix)
}

func (s *RedisStore) Get(ctx context.Context, dest proto.NetworkingNodeID) (Route, bool, error) {
	b, err := s.client.HGet(ctx, s.key(), string(dest)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Route{}, false, nil
	}
	if err != nil {
		return Route{}, false, fmt.Errorf("redis route get: %w", err)
	}
	var r Route
	if err := json.Unmarshal(b, &r); err != nil {
		return Route{}, false, fmt.Errorf("redis route decode %s: %w", dest, err)
	}
	return r, true, nil
}

func (s *RedisStore) Put(ctx context.Context, r Route) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key(), string(r.Destination), b).Err(); err != nil {
		return fmt.Errorf("redis route put: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, dest proto.NetworkingNodeID) error {
	if err := s.client.HDel(ctx, s.key(), string(dest)).Err(); err != nil {
		return fmt.Errorf("redis route delete: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Route, error) {
	all, err := s.client.HGetAll(ctx, s.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis route list: %w", err)
	}
	out := make([]Route, 0, len(all))
	for dest, v := range all {
		var r Route
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("redis route decode %s: %w", dest, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// purge removes the whole table.
func (s *RedisStore) purge(ctx context.Context) error {
	return s.client.Del(ctx, s.key()).Err()
}
