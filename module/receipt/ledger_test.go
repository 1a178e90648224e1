package receipt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PPRealtime/module/access"
	"PPRealtime/module/chat/model"
	"PPRealtime/module/chat/store"
	"PPRealtime/module/event"
	"PPRealtime/service/chat"
	"PPRealtime/tools/errs"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []chat.EventType
}

func (r *recorder) BroadcastToConversation(_ context.Context, _ int64, t chat.EventType, _ any) chat.Envelope {
	r.mu.Lock()
	r.events = append(r.events, t)
	r.mu.Unlock()
	return chat.Envelope{Type: t}
}

type fixture struct {
	mem    *store.Mem
	stores store.Stores
	ledger *Ledger
	bus    *event.Bus
	rec    *recorder
	nextID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMem()
	mem.AddConversation(42, model.ConversationGroup, 1, 2, 3)
	mem.AddConversation(43, model.ConversationGroup, 1, 2)
	s := mem.Stores()
	rec := &recorder{}
	l := NewLedger(s, access.NewChecker(s.Directory, func() time.Time { return t0 }), rec)
	bus := event.NewBus()
	l.Subscribe(bus)
	return &fixture{mem: mem, stores: s, ledger: l, bus: bus, rec: rec, nextID: 100}
}

// send 模拟流水线：持久化后发布 MessageCreated
func (f *fixture) send(t *testing.T, conv, author int64, offset time.Duration) *model.Message {
	t.Helper()
	ctx := context.Background()
	m := &model.Message{
		ID: f.nextID, ConversationID: conv, AuthorID: author,
		Type: model.MessageTypeText, Body: "m", SentAt: t0.Add(offset),
	}
	f.nextID++
	if err := f.stores.Messages.Insert(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := f.bus.MessageCreated.Publish(ctx, event.MessageCreated{
		ConversationID: conv, MessageID: m.ID, AuthorID: author, SentAt: m.SentAt,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return m
}

func (f *fixture) unread(t *testing.T, conv, user int64) int64 {
	t.Helper()
	info, err := f.ledger.UnreadCount(context.Background(), conv, user)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	return info.UnreadCount
}

// 存储中的未读数必须等于从消息表计数的结果
func (f *fixture) assertInvariant(t *testing.T, conv int64) {
	t.Helper()
	ctx := context.Background()
	members, _ := f.stores.Directory.ActiveMembers(ctx, conv)
	for _, uid := range members {
		st, _ := f.stores.ReadStates.Get(ctx, conv, uid)
		want, _ := f.stores.Messages.CountAfter(ctx, conv, st.LastReadAt)
		if st.UnreadCount != want {
			t.Fatalf("user %d stored unread %d, derived %d", uid, st.UnreadCount, want)
		}
	}
}

func TestSenderExcludedFromUnread(t *testing.T) {
	f := newFixture(t)
	f.send(t, 42, 1, 0)
	f.send(t, 42, 1, time.Second)

	if n := f.unread(t, 42, 1); n != 0 {
		t.Fatalf("author unread = %d", n)
	}
	if n := f.unread(t, 42, 2); n != 2 {
		t.Fatalf("member unread = %d", n)
	}
	f.assertInvariant(t, 42)
}

func TestMarkReadMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.send(t, 42, 1, 0)
	mid := f.send(t, 42, 1, time.Second)
	f.send(t, 42, 1, 2*time.Second)

	st, err := f.ledger.MarkRead(ctx, 42, 2, mid.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if st.UnreadCount != 1 || !st.LastReadAt.Equal(mid.SentAt) {
		t.Fatalf("state = %+v", st)
	}

	st, err = f.ledger.MarkRead(ctx, 42, 2, old.ID)
	if err != nil {
		t.Fatalf("mark older: %v", err)
	}
	if !st.LastReadAt.Equal(mid.SentAt) || st.UnreadCount != 1 {
		t.Fatalf("pointer regressed: %+v", st)
	}
	reads := 0
	for _, e := range f.rec.events {
		if e == chat.MessageRead {
			reads++
		}
	}
	if reads != 1 {
		t.Fatalf("no-op mark read must not broadcast, got %d receipts", reads)
	}
	f.assertInvariant(t, 42)
}

func TestMarkReadRejectsForeignMessage(t *testing.T) {
	f := newFixture(t)
	other := f.send(t, 43, 1, 0)
	_, err := f.ledger.MarkRead(context.Background(), 42, 2, other.ID)
	if !errors.Is(err, errs.ErrMessageNotInConversation) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.ledger.MarkRead(context.Background(), 43, 3, other.ID); !errors.Is(err, errs.ErrNotMember) {
		t.Fatalf("non-member err = %v", err)
	}
}

func TestMarkAllReadAndBulk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.send(t, 42, 1, 0)
	b := f.send(t, 42, 1, time.Second)
	c := f.send(t, 42, 1, 2*time.Second)

	st, err := f.ledger.MarkReadBulk(ctx, 42, 2, []int64{b.ID, a.ID})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if st.LastReadMessageID != b.ID || st.UnreadCount != 1 {
		t.Fatalf("bulk state = %+v", st)
	}
	if last := f.rec.events[len(f.rec.events)-1]; last != chat.MessagesRead {
		t.Fatalf("last event = %s", last)
	}

	st, err = f.ledger.MarkAllRead(ctx, 42, 3)
	if err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if st.LastReadMessageID != c.ID || st.UnreadCount != 0 {
		t.Fatalf("mark all state = %+v", st)
	}
	if _, err := f.ledger.MarkReadBulk(ctx, 42, 2, nil); !errors.Is(err, errs.ErrArgs) {
		t.Fatalf("empty bulk err = %v", err)
	}
	f.assertInvariant(t, 42)
}

func TestDeleteTriggersRecalculation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, 42, 1, 0)
	m2 := f.send(t, 42, 1, time.Second)
	m3 := f.send(t, 42, 1, 2*time.Second)

	deleted, err := f.stores.Messages.MarkDeleted(ctx, 42, []int64{m2.ID, m3.ID}, t0.Add(time.Minute))
	if err != nil || len(deleted) != 2 {
		t.Fatalf("delete: %v %d", err, len(deleted))
	}
	if err := f.bus.MessagesDeleted.Publish(ctx, event.MessagesDeleted{
		ConversationID: 42, MessageIDs: []int64{m2.ID, m3.ID},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	st, _ := f.stores.ReadStates.Get(ctx, 42, 2)
	if st.UnreadCount != 1 {
		t.Fatalf("unread after delete = %d", st.UnreadCount)
	}
	f.assertInvariant(t, 42)

	// 重复重算结果不变
	if err := f.ledger.RecalculateUnreadCounts(ctx, 42); err != nil {
		t.Fatalf("recalc: %v", err)
	}
	f.assertInvariant(t, 42)
}

func TestReconcileRepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, 42, 1, 0)

	// 外部直接写坏未读数
	_ = f.stores.ReadStates.SetUnread(ctx, 42, 2, 9)
	f.ledger.reconcile(ctx)
	st, _ := f.stores.ReadStates.Get(ctx, 42, 2)
	if st.UnreadCount != 1 {
		t.Fatalf("drift not repaired: %d", st.UnreadCount)
	}
	if len(f.ledger.touched) != 0 {
		t.Fatalf("touched set not drained")
	}
}

func TestReaders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, 42, 1, 0)
	later := f.send(t, 42, 1, time.Second)

	_, _ = f.ledger.MarkRead(ctx, 42, 2, later.ID)
	readers, err := f.ledger.Readers(ctx, m.ID, 1)
	if err != nil {
		t.Fatalf("readers: %v", err)
	}
	if len(readers) != 1 || readers[0].UserID != 2 {
		t.Fatalf("readers = %+v", readers)
	}
}
