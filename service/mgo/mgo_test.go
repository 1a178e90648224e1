package mgo

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"PPRealtime/global/config"
	"PPRealtime/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
)

func TestClientOptions(t *testing.T) {
	if _, err := clientOptions(config.MongoConfig{Database: "chat"}); !errors.Is(err, errs.ErrArgs) {
		t.Fatalf("missing uri err = %v", err)
	}
	if _, err := clientOptions(config.MongoConfig{URI: "mongodb://h:27017"}); !errors.Is(err, errs.ErrArgs) {
		t.Fatalf("missing database err = %v", err)
	}
	opts, err := clientOptions(config.MongoConfig{URI: "mongodb://h:27017", Database: "chat", Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.MaxPoolSize == nil || *opts.MaxPoolSize != defaultMaxPoolSize {
		t.Fatalf("pool size = %v", opts.MaxPoolSize)
	}
	if opts.Auth == nil || opts.Auth.Username != "u" {
		t.Fatalf("auth = %+v", opts.Auth)
	}
}

func TestShouldRetry(t *testing.T) {
	ctx := context.Background()
	if !shouldRetry(ctx, errors.New("connection refused")) {
		t.Fatalf("network errors should retry")
	}
	if shouldRetry(ctx, fmt.Errorf("wrapped: %w", mongo.CommandError{Code: 18})) {
		t.Fatalf("auth failure should not retry")
	}
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if shouldRetry(canceled, errors.New("x")) {
		t.Fatalf("canceled context should not retry")
	}
}
