package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"PPRealtime/module/chat/model"
	"PPRealtime/tools/errs"

	"github.com/jackc/pgx/v5/pgconn"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestReactionReactivatesInPlace(t *testing.T) {
	ctx := context.Background()
	st := NewMem().Stores()

	r, changed, err := st.Reactions.Upsert(ctx, &model.Reaction{MessageID: 1, UserID: 2, Emoji: "👍", CreatedAt: base})
	if err != nil || !changed {
		t.Fatalf("insert: %v changed=%v", err, changed)
	}
	if _, changed, _ := st.Reactions.Upsert(ctx, &model.Reaction{MessageID: 1, UserID: 2, Emoji: "👍", CreatedAt: base}); changed {
		t.Fatalf("second add must be a no-op")
	}
	if _, err := st.Reactions.SoftRemove(ctx, 1, 2, "👍", base); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := st.Reactions.SoftRemove(ctx, 1, 2, "👍", base); !errors.Is(err, errs.ErrReactionNotFound) {
		t.Fatalf("second remove err = %v", err)
	}
	again, changed, _ := st.Reactions.Upsert(ctx, &model.Reaction{MessageID: 1, UserID: 2, Emoji: "👍", CreatedAt: base.Add(time.Minute)})
	if !changed || again.ID != r.ID || again.RemovedAt != nil {
		t.Fatalf("reactivate = %+v changed=%v, want id %d", again, changed, r.ID)
	}
	active, _ := st.Reactions.ListActive(ctx, []int64{1})
	if len(active) != 1 {
		t.Fatalf("active rows = %d", len(active))
	}
}

func TestReadStateAdvanceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	st := NewMem().Stores()

	s, _ := st.ReadStates.Advance(ctx, 1, 2, base.Add(time.Hour), 10)
	if !s.LastReadAt.Equal(base.Add(time.Hour)) || s.LastReadMessageID != 10 {
		t.Fatalf("state = %+v", s)
	}
	s, _ = st.ReadStates.Advance(ctx, 1, 2, base, 5)
	if !s.LastReadAt.Equal(base.Add(time.Hour)) || s.LastReadMessageID != 10 {
		t.Fatalf("pointer regressed: %+v", s)
	}
}

func TestLatestSkipsDeleted(t *testing.T) {
	ctx := context.Background()
	st := NewMem().Stores()
	for i := int64(1); i <= 3; i++ {
		_ = st.Messages.Insert(ctx, &model.Message{ID: i, ConversationID: 9, SentAt: base.Add(time.Duration(i) * time.Minute)})
	}
	gone, _ := st.Messages.MarkDeleted(ctx, 9, []int64{3, 3, 42}, base)
	if len(gone) != 1 {
		t.Fatalf("deleted = %d", len(gone))
	}
	if again, _ := st.Messages.MarkDeleted(ctx, 9, []int64{3}, base); len(again) != 0 {
		t.Fatalf("repeat delete reported %d", len(again))
	}
	latest, _ := st.Messages.Latest(ctx, 9)
	if latest == nil || latest.ID != 2 {
		t.Fatalf("latest = %+v", latest)
	}
	if n, _ := st.Messages.CountAfter(ctx, 9, base.Add(time.Minute)); n != 1 {
		t.Fatalf("count after = %d", n)
	}
}

func TestRepliesOldestFirst(t *testing.T) {
	ctx := context.Background()
	st := NewMem().Stores()
	_ = st.Messages.Insert(ctx, &model.Message{ID: 1, ConversationID: 9, SentAt: base})
	for i := int64(2); i <= 4; i++ {
		_ = st.Messages.Insert(ctx, &model.Message{ID: i, ConversationID: 9, ParentID: 1, SentAt: base.Add(time.Duration(6-i) * time.Minute)})
	}
	_, _ = st.Messages.MarkDeleted(ctx, 9, []int64{3}, base)
	got, _ := st.Messages.Replies(ctx, 1, 0)
	if len(got) != 2 || got[0].ID != 4 || got[1].ID != 2 {
		t.Fatalf("replies = %+v", got)
	}
	if got, _ := st.Messages.Replies(ctx, 1, 1); len(got) != 1 || got[0].ID != 4 {
		t.Fatalf("limited replies = %+v", got)
	}
}

func TestSummarySetIfNewer(t *testing.T) {
	ctx := context.Background()
	st := NewMem().Stores()

	ok, _ := st.Summaries.SetIfNewer(ctx, &model.ConversationSummary{ConversationID: 1, LastMessageID: 2, LastMessageAt: base.Add(time.Minute)})
	if !ok {
		t.Fatalf("first write rejected")
	}
	ok, _ = st.Summaries.SetIfNewer(ctx, &model.ConversationSummary{ConversationID: 1, LastMessageID: 1, LastMessageAt: base})
	if ok {
		t.Fatalf("older summary overwrote newer one")
	}
	got, _ := st.Summaries.Get(ctx, 1)
	if got.LastMessageID != 2 {
		t.Fatalf("summary = %+v", got)
	}
}

func TestCreateDirectConflict(t *testing.T) {
	ctx := context.Background()
	st := NewMem().Stores()

	c, err := st.Directory.CreateDirect(ctx, 5, 3, base)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Directory.CreateDirect(ctx, 3, 5, base); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	found, _ := st.Directory.FindDirect(ctx, 3, 5)
	if found == nil || found.ID != c.ID {
		t.Fatalf("find = %+v", found)
	}
	members, _ := st.Directory.ActiveMembers(ctx, c.ID)
	if len(members) != 2 || members[0] != 3 {
		t.Fatalf("members = %v", members)
	}
}

func TestUniqueViolationDetection(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !isUniqueViolation(wrapped) {
		t.Fatalf("23505 not detected")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation treated as unique")
	}
}

func TestParticipantMute(t *testing.T) {
	later := base.Add(time.Hour)
	cases := []struct {
		p    model.Participant
		want bool
	}{
		{model.Participant{}, false},
		{model.Participant{IsMuted: true}, true},
		{model.Participant{IsMuted: true, MutedUntil: &later}, true},
		{model.Participant{IsMuted: true, MutedUntil: &base}, false},
	}
	for i, c := range cases {
		if got := c.p.MutedAt(base); got != c.want {
			t.Errorf("case %d: muted = %v", i, got)
		}
	}
}
