package reaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PPRealtime/module/access"
	"PPRealtime/module/chat/model"
	"PPRealtime/module/chat/store"
	"PPRealtime/service/chat"
	"PPRealtime/tools/errs"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) BroadcastToConversation(_ context.Context, _ int64, t chat.EventType, p any) chat.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := p.(Update); ok && t == chat.ReactionUpdated {
		r.updates = append(r.updates, u)
	}
	return chat.Envelope{Type: t}
}

func setup(t *testing.T) (*Ledger, *store.Mem, *recorder) {
	t.Helper()
	mem := store.NewMem()
	mem.AddConversation(42, model.ConversationGroup, 1, 2, 3)
	ctx := context.Background()
	for _, m := range []*model.Message{
		{ID: 100, ConversationID: 42, AuthorID: 1, Type: model.MessageTypeText, Body: "hi", SentAt: t0},
		{ID: 101, ConversationID: 42, AuthorID: 2, Type: model.MessageTypeText, Body: "yo", SentAt: t0.Add(time.Second)},
	} {
		if err := mem.Stores().Messages.Insert(ctx, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	now := func() time.Time { return t0 }
	rec := &recorder{}
	return NewLedger(mem.Stores(), access.NewChecker(mem.Stores().Directory, now), rec, now), mem, rec
}

func TestAddTwiceIsNoop(t *testing.T) {
	l, _, rec := setup(t)
	ctx := context.Background()

	first, err := l.AddOrUpdate(ctx, 100, 2, "👍")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := l.AddOrUpdate(ctx, 100, 2, "👍")
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("duplicate row %d vs %d", first.ID, second.ID)
	}
	if len(rec.updates) != 1 || rec.updates[0].Action != ActionAdded {
		t.Fatalf("broadcasts = %+v", rec.updates)
	}
	rows, _ := l.List(ctx, 100, 2)
	if len(rows) != 1 {
		t.Fatalf("active rows = %d", len(rows))
	}
}

func TestRemoveThenAddReactivates(t *testing.T) {
	l, _, rec := setup(t)
	ctx := context.Background()

	r, _ := l.AddOrUpdate(ctx, 100, 2, "🔥")
	if err := l.Remove(ctx, 100, 2, "🔥"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := l.Remove(ctx, 100, 2, "🔥"); !errors.Is(err, errs.ErrReactionNotFound) {
		t.Fatalf("second remove err = %v", err)
	}
	again, err := l.AddOrUpdate(ctx, 100, 2, "🔥")
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if again.ID != r.ID || again.IsRemoved || again.RemovedAt != nil {
		t.Fatalf("not reactivated in place: %+v", again)
	}
	want := []string{ActionAdded, ActionRemoved, ActionAdded}
	if len(rec.updates) != len(want) {
		t.Fatalf("broadcasts = %+v", rec.updates)
	}
	for i, a := range want {
		if rec.updates[i].Action != a {
			t.Fatalf("broadcast %d = %s, want %s", i, rec.updates[i].Action, a)
		}
	}
}

func TestDistinctEmojisCoexist(t *testing.T) {
	l, _, _ := setup(t)
	ctx := context.Background()
	for _, e := range []string{"👍", "❤️", "😂"} {
		if _, err := l.AddOrUpdate(ctx, 100, 2, e); err != nil {
			t.Fatalf("add %s: %v", e, err)
		}
	}
	s, err := l.Summarize(ctx, 100, 2)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.Total != 3 || len(s.ViewerEmojis) != 3 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestRemoveByIDOwnerOnly(t *testing.T) {
	l, _, _ := setup(t)
	ctx := context.Background()

	r, _ := l.AddOrUpdate(ctx, 100, 2, "👍")
	err := l.RemoveByID(ctx, r.ID, 3)
	if !errors.Is(err, errs.ErrNotOwner) || !errors.Is(err, errs.ErrAccessDenied) {
		t.Fatalf("err = %v", err)
	}
	if err := l.RemoveByID(ctx, r.ID, 2); err != nil {
		t.Fatalf("owner remove: %v", err)
	}
	if err := l.RemoveByID(ctx, r.ID, 2); !errors.Is(err, errs.ErrReactionNotFound) {
		t.Fatalf("remove removed err = %v", err)
	}
}

func TestSummarizeBulk(t *testing.T) {
	l, _, _ := setup(t)
	ctx := context.Background()

	adds := []struct {
		msg, user int64
		emoji     string
	}{
		{100, 1, "👍"}, {100, 2, "👍"}, {100, 3, "👍"},
		{100, 1, "🔥"}, {100, 2, "🔥"},
		{100, 3, "😂"},
		{100, 1, "🎉"},
		{101, 2, "❤️"},
	}
	for _, a := range adds {
		if _, err := l.AddOrUpdate(ctx, a.msg, a.user, a.emoji); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	got, err := l.SummarizeBulk(ctx, []int64{100, 101, 999}, 1)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	s := got[100]
	if s.Counts["👍"] != 3 || s.Counts["🔥"] != 2 || s.Total != 7 {
		t.Fatalf("counts = %+v", s.Counts)
	}
	if len(s.TopEmojis) != 3 || s.TopEmojis[0] != "👍" || s.TopEmojis[1] != "🔥" {
		t.Fatalf("top = %v", s.TopEmojis)
	}
	if len(s.ViewerEmojis) != 3 {
		t.Fatalf("viewer emojis = %v", s.ViewerEmojis)
	}
	if got[101].Total != 1 || len(got[101].ViewerEmojis) != 0 {
		t.Fatalf("message 101 = %+v", got[101])
	}
	if got[999] == nil || got[999].Total != 0 {
		t.Fatalf("missing message must yield an empty summary")
	}
}

func TestReactionGuards(t *testing.T) {
	l, mem, _ := setup(t)
	ctx := context.Background()

	if _, err := l.AddOrUpdate(ctx, 100, 99, "👍"); !errors.Is(err, errs.ErrNotMember) {
		t.Fatalf("non-member err = %v", err)
	}
	if _, err := l.AddOrUpdate(ctx, 100, 2, "  "); !errors.Is(err, errs.ErrArgs) {
		t.Fatalf("blank emoji err = %v", err)
	}
	if _, err := l.AddOrUpdate(ctx, 555, 2, "👍"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing message err = %v", err)
	}
	if _, err := mem.Stores().Messages.MarkDeleted(ctx, 42, []int64{101}, t0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := l.AddOrUpdate(ctx, 101, 2, "👍"); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("deleted message err = %v", err)
	}
}
