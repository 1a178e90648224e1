package pg

import (
	"context"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type Config struct {
	DSN      string
	MaxConns int32
}

// Open 建连接池并 ping 一次
func Open(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg("bad postgres dsn", "err", err)
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	pc.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errs.Infra(err, "pgx pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errs.Infra(err, "pgx ping")
	}
	logger.Info("postgres connected", zap.String("host", pc.ConnConfig.Host), zap.Int32("max_conns", pc.MaxConns))
	return pool, nil
}
