package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PPRealtime/module/chat/model"
	"PPRealtime/module/chat/store"
	"PPRealtime/module/event"
	"PPRealtime/service/chat"
	"PPRealtime/tools/errs"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	topics []chat.EventType
	users  map[int64][]chat.EventType
}

func (r *recorder) BroadcastToConversation(_ context.Context, _ int64, t chat.EventType, _ any) chat.Envelope {
	r.mu.Lock()
	r.topics = append(r.topics, t)
	r.mu.Unlock()
	return chat.Envelope{Type: t}
}

func (r *recorder) BroadcastToUser(_ context.Context, uid int64, t chat.EventType, _ any) chat.Envelope {
	r.mu.Lock()
	if r.users == nil {
		r.users = map[int64][]chat.EventType{}
	}
	r.users[uid] = append(r.users[uid], t)
	r.mu.Unlock()
	return chat.Envelope{Type: t}
}

// racingDirectory 模拟另一节点抢先创建：第一次 CreateDirect 前别人已经建好
type racingDirectory struct {
	store.Directory
	raced bool
	finds int
}

func (d *racingDirectory) FindDirect(ctx context.Context, a, b int64) (*model.Conversation, error) {
	d.finds++
	return d.Directory.FindDirect(ctx, a, b)
}

func (d *racingDirectory) CreateDirect(ctx context.Context, a, b int64, at time.Time) (*model.Conversation, error) {
	if !d.raced {
		d.raced = true
		if _, err := d.Directory.CreateDirect(ctx, b, a, at); err != nil {
			return nil, err
		}
	}
	return d.Directory.CreateDirect(ctx, a, b, at)
}

func TestGetOrCreateDirect(t *testing.T) {
	mem := store.NewMem()
	rec := &recorder{}
	s := NewService(mem.Stores().Directory, rec, nil, func() time.Time { return t0 })
	ctx := context.Background()

	c, created, err := s.GetOrCreateDirect(ctx, 1, 2)
	if err != nil || !created || c.Type != model.ConversationDirect {
		t.Fatalf("c=%+v created=%v err=%v", c, created, err)
	}
	again, created, err := s.GetOrCreateDirect(ctx, 2, 1)
	if err != nil || created || again.ID != c.ID {
		t.Fatalf("again=%+v created=%v err=%v", again, created, err)
	}
	for _, uid := range []int64{1, 2} {
		if got := rec.users[uid]; len(got) != 1 || got[0] != chat.NewConversation {
			t.Fatalf("user %d events = %v", uid, got)
		}
	}
	if _, _, err := s.GetOrCreateDirect(ctx, 3, 3); !errors.Is(err, errs.ErrArgs) {
		t.Fatalf("self conversation err = %v", err)
	}
}

func TestGetOrCreateDirectRetriesOnceOnConflict(t *testing.T) {
	mem := store.NewMem()
	dir := &racingDirectory{Directory: mem.Stores().Directory}
	rec := &recorder{}
	s := NewService(dir, rec, nil, nil)

	c, created, err := s.GetOrCreateDirect(context.Background(), 1, 2)
	if err != nil || created || c == nil {
		t.Fatalf("c=%+v created=%v err=%v", c, created, err)
	}
	if dir.finds != 2 {
		t.Fatalf("lookups = %d, want 2", dir.finds)
	}
	if len(rec.users) != 0 {
		t.Fatalf("loser of the race must not announce: %v", rec.users)
	}
}

func TestParticipantChanged(t *testing.T) {
	rec := &recorder{}
	bus := event.NewBus()
	var notes []event.SystemMessageRequested
	bus.SystemMessage.Subscribe(func(_ context.Context, ev event.SystemMessageRequested) error {
		notes = append(notes, ev)
		return nil
	})
	s := NewService(store.NewMem().Stores().Directory, rec, bus, nil)
	ctx := context.Background()

	err := s.ParticipantChanged(ctx, ParticipantChange{ConversationID: 42, UserID: 7, ActorID: 1, Kind: chat.ParticipantJoined})
	if err != nil {
		t.Fatalf("joined: %v", err)
	}
	if len(rec.topics) != 1 || rec.topics[0] != chat.ParticipantJoined {
		t.Fatalf("topic events = %v", rec.topics)
	}
	if got := rec.users[7]; len(got) != 1 || got[0] != chat.NewConversation {
		t.Fatalf("joined user events = %v", got)
	}
	if len(notes) != 1 || notes[0].Body != "user 7 joined" {
		t.Fatalf("system notes = %+v", notes)
	}
	if err := s.ParticipantChanged(ctx, ParticipantChange{ConversationID: 42, Kind: chat.MessageNew}); !errors.Is(err, errs.ErrUnsupported) {
		t.Fatalf("err = %v", err)
	}
}
