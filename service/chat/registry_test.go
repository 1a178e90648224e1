package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"PPRealtime/service/storage"
	"PPRealtime/tools/errs"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore() (*storage.MemStore, *storage.ManualClock) {
	clk := storage.NewManualClock(t0)
	return storage.NewMemStore(clk.Now), clk
}

func mustRegister(t *testing.T, r *Registry, id string, uid int64) *Conn {
	t.Helper()
	c := NewConn(id, uid, 16, t0)
	if err := r.RegisterSession(context.Background(), c); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return c
}

func TestRegisterSessionReuse(t *testing.T) {
	s, _ := newTestStore()
	r := NewRegistry(s)
	ctx := context.Background()

	c := mustRegister(t, r, "c1", 7)
	if err := r.RegisterSession(ctx, c); err != nil {
		t.Fatalf("retry with same connection must succeed: %v", err)
	}
	err := r.RegisterSession(ctx, NewConn("c1", 7, 16, t0))
	if !errors.Is(err, errs.ErrAlreadyRegistered) {
		t.Fatalf("err = %v, want AlreadyRegistered", err)
	}
	if !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("AlreadyRegistered must be an InvalidState")
	}

	// 另一个节点上同 ID 被别的用户持有
	other := NewRegistry(s)
	if err := other.RegisterSession(ctx, NewConn("c1", 8, 16, t0)); !errors.Is(err, errs.ErrAlreadyRegistered) {
		t.Fatalf("cross-node reuse err = %v", err)
	}
	if n := r.LiveSessionCount(ctx, 7); n != 1 {
		t.Fatalf("live = %d", n)
	}
}

func TestRemoveSessionIdempotent(t *testing.T) {
	s, _ := newTestStore()
	r := NewRegistry(s)
	ctx := context.Background()

	c := mustRegister(t, r, "c1", 7)
	rm, ok := r.RemoveSession(ctx, "c1")
	if !ok || !rm.Last || rm.Remaining != 0 || rm.UserID != 7 {
		t.Fatalf("removal = %+v ok=%v", rm, ok)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("removed connection must be closed")
	}
	if _, ok := r.RemoveSession(ctx, "c1"); ok {
		t.Fatalf("second remove must be a no-op")
	}
	if _, ok, _ := s.Get(ctx, storage.SessionUserKey("c1")); ok {
		t.Fatalf("session mapping left behind")
	}
}

func TestOrphansOnlyWhenNoOtherConnectionSubscribed(t *testing.T) {
	s, _ := newTestStore()
	r := NewRegistry(s)
	ctx := context.Background()

	mustRegister(t, r, "a", 1)
	mustRegister(t, r, "b", 1)
	for _, id := range []string{"a", "b"} {
		if _, err := r.AddSubscription(ctx, id, 100); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if _, err := r.AddSubscription(ctx, "a", 200); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	rm, _ := r.RemoveSession(ctx, "a")
	if rm.Last || rm.Remaining != 1 {
		t.Fatalf("removal = %+v", rm)
	}
	if len(rm.Orphans) != 1 || rm.Orphans[0] != 200 {
		t.Fatalf("orphans = %v, want [200]", rm.Orphans)
	}
	if !r.StillSubscribed(ctx, 1, 100) {
		t.Fatalf("b is still subscribed to 100")
	}

	rm, _ = r.RemoveSession(ctx, "b")
	if !rm.Last || len(rm.Orphans) != 1 || rm.Orphans[0] != 100 {
		t.Fatalf("removal = %+v", rm)
	}
	if got := r.ConnectionsSubscribedTo(100); len(got) != 0 {
		t.Fatalf("subscribers left: %v", got)
	}
}

func TestStillSubscribedAcrossNodes(t *testing.T) {
	s, _ := newTestStore()
	nodeA, nodeB := NewRegistry(s), NewRegistry(s)
	ctx := context.Background()

	mustRegister(t, nodeA, "a", 1)
	mustRegister(t, nodeB, "b", 1)
	_, _ = nodeA.AddSubscription(ctx, "a", 100)
	_, _ = nodeB.AddSubscription(ctx, "b", 100)

	if n := nodeA.LiveSessionCount(ctx, 1); n != 2 {
		t.Fatalf("live = %d, want 2", n)
	}
	rm, _ := nodeA.RemoveSession(ctx, "a")
	if rm.Last || len(rm.Orphans) != 0 {
		t.Fatalf("connection on node B still holds the subscription: %+v", rm)
	}

	_, still, err := nodeB.RemoveSubscription(ctx, "b", 100)
	if err != nil || still {
		t.Fatalf("still = %v err = %v", still, err)
	}
	rm, _ = nodeB.RemoveSession(ctx, "b")
	if !rm.Last {
		t.Fatalf("last connection not detected: %+v", rm)
	}
}

func TestCrashedNodeEntriesExpire(t *testing.T) {
	s, clk := newTestStore()
	r := NewRegistry(s)
	ctx := context.Background()

	mustRegister(t, r, "a", 1)
	_, _ = r.AddSubscription(ctx, "a", 100)

	clk.Advance(23 * time.Hour)
	r.Touch(ctx, "a")
	clk.Advance(23 * time.Hour)
	if n := NewRegistry(s).LiveSessionCount(ctx, 1); n != 1 {
		t.Fatalf("touched session expired early, live = %d", n)
	}

	// 进程崩溃：不再续期
	clk.Advance(25 * time.Hour)
	if n := NewRegistry(s).LiveSessionCount(ctx, 1); n != 0 {
		t.Fatalf("stale session survived, live = %d", n)
	}
	if keys := s.Keys(); len(keys) != 0 {
		t.Fatalf("keys left after ttl: %v", keys)
	}
}

func TestRegistryDegradesWhenStoreDown(t *testing.T) {
	s, _ := newTestStore()
	r := NewRegistry(s)
	ctx := context.Background()
	s.Fail(errors.New("connection refused"))

	mustRegister(t, r, "a", 1)
	if _, err := r.AddSubscription(ctx, "a", 100); err != nil {
		t.Fatalf("subscribe must not fail on store outage: %v", err)
	}
	if !r.IsSubscribed("a", 100) || !r.StillSubscribed(ctx, 1, 100) {
		t.Fatalf("local view lost")
	}
	if n := r.LiveSessionCount(ctx, 1); n != 1 {
		t.Fatalf("fallback live = %d", n)
	}
	rm, ok := r.RemoveSession(ctx, "a")
	if !ok || !rm.Last {
		t.Fatalf("local fallback removal = %+v", rm)
	}
}

func TestSubscriptionOnUnknownConnection(t *testing.T) {
	s, _ := newTestStore()
	r := NewRegistry(s)
	if _, err := r.AddSubscription(context.Background(), "nope", 1); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
