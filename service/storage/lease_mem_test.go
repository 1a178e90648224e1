package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PPRealtime/tools/errs"
)

func newTestStore() (*MemStore, *ManualClock) {
	clk := NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewMemStore(clk.Now), clk
}

func TestLeaseRenewReleaseExpire(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore()

	l := NewLease(s, UserPresenceKey(1), PresenceOnline, PresenceTTL)
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(4 * time.Minute)
	ok, err := l.Renew(ctx)
	if err != nil || !ok {
		t.Fatalf("renew = %v, %v", ok, err)
	}
	clk.Advance(4 * time.Minute)
	if exp, _ := l.Expired(ctx); exp {
		t.Fatalf("lease expired despite renewal")
	}
	clk.Advance(2 * time.Minute)
	if exp, _ := l.Expired(ctx); !exp {
		t.Fatalf("lease should have expired")
	}
	if ok, _ := l.Renew(ctx); ok {
		t.Fatalf("renew of expired lease must fail")
	}

	// Release 只删自己的值
	_ = l.Acquire(ctx)
	other := NewLease(s, l.Key, "someone-else", time.Minute)
	if err := other.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if exp, _ := l.Expired(ctx); exp {
		t.Fatalf("foreign release removed the lease")
	}
	_ = l.Release(ctx)
	if exp, _ := l.Expired(ctx); !exp {
		t.Fatalf("release did not remove the lease")
	}
}

func TestSetChangeReportsTransitions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	key := UserSessionsKey(9)

	ch, _ := s.SetAdd(ctx, key, SessionTTL, "a")
	if !ch.Changed || ch.Size != 1 {
		t.Fatalf("first add = %+v", ch)
	}
	ch, _ = s.SetAdd(ctx, key, SessionTTL, "a")
	if ch.Changed || ch.Size != 1 {
		t.Fatalf("duplicate add = %+v", ch)
	}
	_, _ = s.SetAdd(ctx, key, SessionTTL, "b")
	ch, _ = s.SetRemove(ctx, key, "a")
	if !ch.Changed || ch.Size != 1 {
		t.Fatalf("remove a = %+v", ch)
	}
	ch, _ = s.SetRemove(ctx, key, "a")
	if ch.Changed {
		t.Fatalf("second remove must not report change: %+v", ch)
	}
	ch, _ = s.SetRemove(ctx, key, "b")
	if !ch.Changed || ch.Size != 0 {
		t.Fatalf("remove b = %+v", ch)
	}
}

func TestConcurrentRemoveSeesZeroOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	key := UserSessionsKey(1)
	const n = 32
	for i := 0; i < n; i++ {
		_, _ = s.SetAdd(ctx, key, SessionTTL, string(rune('a'+i)))
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	zeros := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			ch, err := s.SetRemove(ctx, key, m)
			if err != nil {
				t.Errorf("remove: %v", err)
				return
			}
			if ch.Changed && ch.Size == 0 {
				mu.Lock()
				zeros++
				mu.Unlock()
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	if zeros != 1 {
		t.Fatalf("observed %d last-member transitions, want 1", zeros)
	}
}

func TestSetTTLExpiresWholeSet(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore()
	key := TypingKey(5)
	_, _ = s.SetAdd(ctx, key, TypingTTL, "1")
	clk.Advance(6 * time.Second)
	_, _ = s.SetAdd(ctx, key, TypingTTL, "2")
	clk.Advance(6 * time.Second)
	members, _ := s.SetMembers(ctx, key)
	if len(members) != 2 {
		t.Fatalf("set refreshed by second add should still be alive: %v", members)
	}
	clk.Advance(5 * time.Second)
	members, _ = s.SetMembers(ctx, key)
	if len(members) != 0 {
		t.Fatalf("expected expiry, got %v", members)
	}
}

func TestZRangeAndDrain(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	key := ConversationActivityKey(3)
	_ = s.ZAdd(ctx, key, ConversationActivityTTL, "1", 100)
	_ = s.ZAdd(ctx, key, ConversationActivityTTL, "2", 200)
	_ = s.ZAdd(ctx, key, ConversationActivityTTL, "3", 300)

	got, _ := s.ZRangeByScore(ctx, key, 150, 400)
	if len(got) != 2 || got[0] != "2" || got[1] != "3" {
		t.Fatalf("range = %v", got)
	}
	n, _ := s.ZRemRangeByScore(ctx, key, 0, 150)
	if n != 1 {
		t.Fatalf("removed %d", n)
	}
	if c, _ := s.ZCount(ctx, key, 0, 1000); c != 2 {
		t.Fatalf("count = %d", c)
	}

	_ = s.HSet(ctx, PendingLastMessageKey, "7", "x")
	_ = s.HSet(ctx, PendingLastMessageKey, "8", "y")
	m, _ := s.HDrain(ctx, PendingLastMessageKey)
	if len(m) != 2 {
		t.Fatalf("drain = %v", m)
	}
	m, _ = s.HDrain(ctx, PendingLastMessageKey)
	if len(m) != 0 {
		t.Fatalf("second drain should be empty: %v", m)
	}
}

func TestFailureIsInfrastructure(t *testing.T) {
	s, _ := newTestStore()
	s.Fail(errors.New("connection refused"))
	_, err := s.SetAdd(context.Background(), "k", 0, "m")
	if !errors.Is(err, errs.ErrInfrastructure) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	s.Fail(nil)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping after recovery: %v", err)
	}
}
