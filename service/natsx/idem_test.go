package natsx

import (
	"context"
	"testing"
	"time"
)

func TestIdemMiddlewareDropsDuplicates(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newMemIdem(time.Minute, func() time.Time { return now })

	calls := 0
	h := Chain(func(context.Context, Message) error {
		calls++
		return nil
	}, IdemMiddleware(store, 0))

	msg := Message{Subject: "chat.fanout", Data: []byte("x"), Header: map[string]string{MsgIDHeader: "e1"}}
	for i := 0; i < 3; i++ {
		if err := h(context.Background(), msg); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	now = now.Add(2 * time.Minute)
	_ = h(context.Background(), msg)
	if calls != 2 {
		t.Fatalf("expired id must pass again, calls = %d", calls)
	}
}

func TestIdemFallsBackToContent(t *testing.T) {
	store := newMemIdem(time.Minute, time.Now)
	calls := 0
	h := IdemMiddleware(store, 0)(func(context.Context, Message) error {
		calls++
		return nil
	})
	_ = h(context.Background(), Message{Subject: "s", Data: []byte("a")})
	_ = h(context.Background(), Message{Subject: "s", Data: []byte("a ")})
	_ = h(context.Background(), Message{Subject: "s", Data: []byte("b")})
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestChainOrder(t *testing.T) {
	var trace []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, m Message) error {
				trace = append(trace, name)
				return next(ctx, m)
			}
		}
	}
	h := Chain(func(context.Context, Message) error {
		trace = append(trace, "h")
		return nil
	}, mw("a"), mw("b"))
	_ = h(context.Background(), Message{})
	if len(trace) != 3 || trace[0] != "a" || trace[1] != "b" || trace[2] != "h" {
		t.Fatalf("trace = %v", trace)
	}
}
