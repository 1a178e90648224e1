package mgo

import (
	"context"
	"errors"
	"time"

	"PPRealtime/global/config"
	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	defaultMaxPoolSize = 100
	maxRetry           = 3
	retryWait          = 500 * time.Millisecond
)

func clientOptions(c config.MongoConfig) (*options.ClientOptions, error) {
	if c.URI == "" {
		return nil, errs.ErrArgs.WrapMsg("mongo uri is required")
	}
	if c.Database == "" {
		return nil, errs.ErrArgs.WrapMsg("mongo database is required")
	}
	opts := options.Client().ApplyURI(c.URI)
	size := c.MaxPoolSize
	if size <= 0 {
		size = defaultMaxPoolSize
	}
	opts.SetMaxPoolSize(uint64(size))
	opts.SetServerSelectionTimeout(5 * time.Second)
	opts.SetAppName("chat-realtime")
	// 单独给的账号覆盖 URI 里的认证
	if c.Username != "" {
		opts.SetAuth(options.Credential{Username: c.Username, Password: c.Password})
	}
	return opts, nil
}

// shouldRetry 认证失败(18)和未授权(13)重试无意义
func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code != 13 && cmdErr.Code != 18
	}
	return true
}

// Connect 连接并 ping，失败按固定间隔重试几次；返回的 close 负责断开
func Connect(ctx context.Context, c config.MongoConfig) (*mongo.Database, func(), error) {
	opts, err := clientOptions(c)
	if err != nil {
		return nil, nil, err
	}
	var cli *mongo.Client
	for i := 0; i < maxRetry; i++ {
		cli, err = connect(ctx, opts)
		if err == nil || !shouldRetry(ctx, err) {
			break
		}
		logger.Warn("mongo connect retry", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, nil, errs.Infra(ctx.Err(), "mongo connect")
		case <-time.After(retryWait):
		}
	}
	if err != nil {
		return nil, nil, errs.Infra(err, "mongo connect")
	}
	logger.Info("mongo connected", zap.String("database", c.Database))
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cli.Disconnect(ctx); err != nil {
			logger.Warn("mongo disconnect", zap.Error(err))
		}
	}
	return cli.Database(c.Database), closeFn, nil
}

func connect(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}
