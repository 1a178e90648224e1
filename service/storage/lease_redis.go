package storage

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"PPRealtime/tools/errs"

	"github.com/redis/go-redis/v9"
)

// ===== Lua 脚本 =====

// 添加成员并刷新 TTL，返回 {是否新增, 基数}
// KEYS[1] = set key
// ARGV[1] = member
// ARGV[2] = ttlMillis（<=0 不设置）
const luaSetAdd = `
local added = redis.call("SADD", KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return {added, redis.call("SCARD", KEYS[1])}
`

// 移除成员，返回 {是否移除, 剩余基数}
// KEYS[1] = set key
// ARGV[1] = member
const luaSetRemove = `
local removed = redis.call("SREM", KEYS[1], ARGV[1])
return {removed, redis.call("SCARD", KEYS[1])}
`

// 值匹配才续期：1=续期成功；0=不存在或已被改写
// KEYS[1] = key
// ARGV[1] = expected value
// ARGV[2] = ttlMillis
const luaCompareAndExpire = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// 值匹配才删除
// KEYS[1] = key
// ARGV[1] = expected value
const luaCompareAndDelete = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisStore 基于 go-redis 的 Store 实现；单机与集群客户端均可
type RedisStore struct {
	rdb redis.UniversalClient

	luaSetAdd           *redis.Script
	luaSetRemove        *redis.Script
	luaCompareAndExpire *redis.Script
	luaCompareAndDelete *redis.Script
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{
		rdb:                 rdb,
		luaSetAdd:           redis.NewScript(luaSetAdd),
		luaSetRemove:        redis.NewScript(luaSetRemove),
		luaCompareAndExpire: redis.NewScript(luaCompareAndExpire),
		luaCompareAndDelete: redis.NewScript(luaCompareAndDelete),
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return errs.Infra(s.rdb.Ping(ctx).Err(), "redis.Ping")
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errs.Infra(s.rdb.Set(ctx, key, value, ttl).Err(), "redis.Set "+key)
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	return ok, errs.Infra(err, "redis.SetNX "+key)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Infra(err, "redis.Get "+key)
	}
	return v, true, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return errs.Infra(s.rdb.Del(ctx, keys...).Err(), "redis.Del")
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.PExpire(ctx, key, ttl).Result()
	return ok, errs.Infra(err, "redis.PExpire "+key)
}

func (s *RedisStore) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := s.luaCompareAndExpire.Run(ctx, s.rdb, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errs.Infra(err, "redis.CompareAndExpire "+key)
	}
	return n == 1, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := s.luaCompareAndDelete.Run(ctx, s.rdb, []string{key}, value).Int64()
	if err != nil {
		return false, errs.Infra(err, "redis.CompareAndDelete "+key)
	}
	return n == 1, nil
}

func (s *RedisStore) SetAdd(ctx context.Context, key string, ttl time.Duration, member string) (SetChange, error) {
	res, err := s.luaSetAdd.Run(ctx, s.rdb, []string{key}, member, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return SetChange{}, errs.Infra(err, "redis.SetAdd "+key)
	}
	return toSetChange(res), nil
}

func (s *RedisStore) SetRemove(ctx context.Context, key, member string) (SetChange, error) {
	res, err := s.luaSetRemove.Run(ctx, s.rdb, []string{key}, member).Int64Slice()
	if err != nil {
		return SetChange{}, errs.Infra(err, "redis.SetRemove "+key)
	}
	return toSetChange(res), nil
}

func toSetChange(res []int64) SetChange {
	if len(res) != 2 {
		return SetChange{}
	}
	return SetChange{Changed: res[0] == 1, Size: res[1]}
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.rdb.SMembers(ctx, key).Result()
	return v, errs.Infra(err, "redis.SMembers "+key)
}

func (s *RedisStore) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, key, member).Result()
	return ok, errs.Infra(err, "redis.SIsMember "+key)
}

func (s *RedisStore) SetCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.SCard(ctx, key).Result()
	return n, errs.Infra(err, "redis.SCard "+key)
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, ttl time.Duration, member string, score float64) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return errs.Infra(err, "redis.ZAdd "+key)
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.rdb.ZCount(ctx, key, scoreArg(min), scoreArg(max)).Result()
	return n, errs.Infra(err, "redis.ZCount "+key)
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	v, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: scoreArg(min), Max: scoreArg(max)}).Result()
	return v, errs.Infra(err, "redis.ZRangeByScore "+key)
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.rdb.ZRemRangeByScore(ctx, key, scoreArg(min), scoreArg(max)).Result()
	return n, errs.Infra(err, "redis.ZRemRangeByScore "+key)
}

func (s *RedisStore) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, key, member).Result()
	return n > 0, errs.Infra(err, "redis.ZRem "+key)
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return errs.Infra(s.rdb.HSet(ctx, key, field, value).Err(), "redis.HSet "+key)
}

func (s *RedisStore) HDrain(ctx context.Context, key string) (map[string]string, error) {
	pipe := s.rdb.TxPipeline()
	all := pipe.HGetAll(ctx, key)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errs.Infra(err, "redis.HDrain "+key)
	}
	return all.Val(), nil
}

func scoreArg(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
