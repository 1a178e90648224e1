package redis

import (
	"context"
	"time"

	"PPRealtime/global/config"
	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewClient 建连并 ping，失败返回错误（不做单例）
func NewClient(ctx context.Context, c config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.Infra(err, "redis ping "+c.Addr)
	}
	logger.Info("redis connected", zap.String("addr", c.Addr), zap.Int("db", c.DB))
	return rdb, nil
}
