package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPRealtime/module/chat/model"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"
)

// Mem 进程内实现，单测与本地开发使用
type Mem struct {
	mu sync.Mutex

	messages      map[int64]*model.Message
	readStates    map[[2]int64]*model.ReadState
	reactions     map[int64]*model.Reaction
	summaries     map[int64]*model.ConversationSummary
	conversations map[int64]*model.Conversation
	participants  map[[2]int64]*model.Participant

	// failMessages 非 nil 时消息写入失败，模拟持久层故障
	failMessages error
}

func NewMem() *Mem {
	return &Mem{
		messages:      make(map[int64]*model.Message),
		readStates:    make(map[[2]int64]*model.ReadState),
		reactions:     make(map[int64]*model.Reaction),
		summaries:     make(map[int64]*model.ConversationSummary),
		conversations: make(map[int64]*model.Conversation),
		participants:  make(map[[2]int64]*model.Participant),
	}
}

// Stores 以同一份内存数据组装全部接口
func (m *Mem) Stores() Stores {
	return Stores{
		Messages:   memMessages{m},
		ReadStates: memReadStates{m},
		Reactions:  memReactions{m},
		Summaries:  memSummaries{m},
		Directory:  memDirectory{m},
	}
}

func (m *Mem) FailMessages(err error) {
	m.mu.Lock()
	m.failMessages = err
	m.mu.Unlock()
}

// AddConversation 测试数据：建会话并加入成员
func (m *Mem) AddConversation(id int64, typ model.ConversationType, members ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[id] = &model.Conversation{ID: id, Type: typ}
	for i, uid := range members {
		role := model.RoleMember
		if i == 0 {
			role = model.RoleOwner
		}
		m.participants[[2]int64{id, uid}] = &model.Participant{
			ConversationID: id, UserID: uid, Role: role, IsActive: true,
		}
	}
}

// SetParticipant 测试数据：覆盖成员状态
func (m *Mem) SetParticipant(p model.Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.participants[[2]int64{p.ConversationID, p.UserID}] = &cp
}

func cloneMsg(x *model.Message) *model.Message {
	cp := *x
	return &cp
}

// ===== messages =====

type memMessages struct{ m *Mem }

func (s memMessages) Insert(_ context.Context, msg *model.Message) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failMessages != nil {
		return errs.Infra(s.m.failMessages, "insert message")
	}
	if _, ok := s.m.messages[msg.ID]; ok {
		return errs.ErrConflict.WrapMsg("duplicate message id", "id", msg.ID)
	}
	s.m.messages[msg.ID] = cloneMsg(msg)
	return nil
}

func (s memMessages) Get(_ context.Context, id int64) (*model.Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	x, ok := s.m.messages[id]
	if !ok {
		return nil, errs.ErrMessageNotFound.WrapMsg("message not found", "id", id)
	}
	return cloneMsg(x), nil
}

func (s memMessages) GetMany(_ context.Context, idList []int64) ([]*model.Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*model.Message, 0, len(idList))
	for _, id := range idList {
		if x, ok := s.m.messages[id]; ok {
			out = append(out, cloneMsg(x))
		}
	}
	return out, nil
}

func (s memMessages) UpdateBody(_ context.Context, id int64, body string, editedAt time.Time) (*model.Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failMessages != nil {
		return nil, errs.Infra(s.m.failMessages, "update message")
	}
	x, ok := s.m.messages[id]
	if !ok || x.Deleted {
		return nil, errs.ErrMessageNotFound.WrapMsg("message not found", "id", id)
	}
	x.Body = body
	x.Edited = true
	at := editedAt
	x.EditedAt = &at
	return cloneMsg(x), nil
}

func (s memMessages) MarkDeleted(_ context.Context, conversationID int64, idList []int64, at time.Time) ([]*model.Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failMessages != nil {
		return nil, errs.Infra(s.m.failMessages, "delete messages")
	}
	var out []*model.Message
	for _, id := range idList {
		x, ok := s.m.messages[id]
		if !ok || x.Deleted || x.ConversationID != conversationID {
			continue
		}
		x.Deleted = true
		t := at
		x.DeletedAt = &t
		out = append(out, cloneMsg(x))
	}
	return out, nil
}

func (s memMessages) Purge(_ context.Context, id int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.messages, id)
	return nil
}

func (s memMessages) Latest(_ context.Context, conversationID int64) (*model.Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var best *model.Message
	for _, x := range s.m.messages {
		if x.ConversationID != conversationID || x.Deleted {
			continue
		}
		if best == nil || newer(x, best) {
			best = x
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneMsg(best), nil
}

// newer 时间相同按 ID 决胜，与 Mongo 的 sent_at,_id 倒序一致
func newer(a, b *model.Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.After(b.SentAt)
	}
	return a.ID > b.ID
}

func (s memMessages) CountAfter(_ context.Context, conversationID int64, after time.Time) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for _, x := range s.m.messages {
		if x.ConversationID == conversationID && !x.Deleted && x.SentAt.After(after) {
			n++
		}
	}
	return n, nil
}

func (s memMessages) List(_ context.Context, conversationID int64, before time.Time, limit int) ([]*model.Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*model.Message
	for _, x := range s.m.messages {
		if x.ConversationID != conversationID || x.Deleted {
			continue
		}
		if !before.IsZero() && !x.SentAt.Before(before) {
			continue
		}
		out = append(out, cloneMsg(x))
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memMessages) Replies(_ context.Context, parentID int64, limit int) ([]*model.Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*model.Message
	for _, x := range s.m.messages {
		if x.ParentID == parentID && !x.Deleted {
			out = append(out, cloneMsg(x))
		}
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[j], out[i]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ===== read states =====

type memReadStates struct{ m *Mem }

func (s memReadStates) Get(_ context.Context, conversationID, userID int64) (*model.ReadState, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if st, ok := s.m.readStates[[2]int64{conversationID, userID}]; ok {
		cp := *st
		return &cp, nil
	}
	return &model.ReadState{ConversationID: conversationID, UserID: userID}, nil
}

func (s memReadStates) Advance(_ context.Context, conversationID, userID int64, at time.Time, messageID int64) (*model.ReadState, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	k := [2]int64{conversationID, userID}
	st, ok := s.m.readStates[k]
	if !ok {
		st = &model.ReadState{ConversationID: conversationID, UserID: userID}
		s.m.readStates[k] = st
	}
	if at.After(st.LastReadAt) {
		st.LastReadAt = at
		st.LastReadMessageID = messageID
		st.UpdatedAt = at
	}
	cp := *st
	return &cp, nil
}

func (s memReadStates) SetUnread(_ context.Context, conversationID, userID, unread int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	k := [2]int64{conversationID, userID}
	st, ok := s.m.readStates[k]
	if !ok {
		st = &model.ReadState{ConversationID: conversationID, UserID: userID}
		s.m.readStates[k] = st
	}
	st.UnreadCount = unread
	return nil
}

func (s memReadStates) ListByConversation(_ context.Context, conversationID int64) ([]*model.ReadState, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*model.ReadState
	for k, st := range s.m.readStates {
		if k[0] == conversationID {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ===== reactions =====

type memReactions struct{ m *Mem }

func (s memReactions) find(messageID, userID int64, emoji string) *model.Reaction {
	for _, r := range s.m.reactions {
		if r.MessageID == messageID && r.UserID == userID && r.Emoji == emoji {
			return r
		}
	}
	return nil
}

func (s memReactions) Upsert(_ context.Context, in *model.Reaction) (*model.Reaction, bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if r := s.find(in.MessageID, in.UserID, in.Emoji); r != nil {
		if !r.IsRemoved {
			cp := *r
			return &cp, false, nil
		}
		r.IsRemoved = false
		r.RemovedAt = nil
		r.CreatedAt = in.CreatedAt
		cp := *r
		return &cp, true, nil
	}
	r := *in
	if r.ID == 0 {
		r.ID = ids.Generate()
	}
	s.m.reactions[r.ID] = &r
	cp := r
	return &cp, true, nil
}

func (s memReactions) SoftRemove(_ context.Context, messageID, userID int64, emoji string, at time.Time) (*model.Reaction, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r := s.find(messageID, userID, emoji)
	if r == nil || r.IsRemoved {
		return nil, errs.ErrReactionNotFound.WrapMsg("reaction not found", "message", messageID, "emoji", emoji)
	}
	r.IsRemoved = true
	t := at
	r.RemovedAt = &t
	cp := *r
	return &cp, nil
}

func (s memReactions) Get(_ context.Context, id int64) (*model.Reaction, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.reactions[id]
	if !ok {
		return nil, errs.ErrReactionNotFound.WrapMsg("reaction not found", "id", id)
	}
	cp := *r
	return &cp, nil
}

func (s memReactions) ListActive(_ context.Context, messageIDs []int64) ([]*model.Reaction, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	want := make(map[int64]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = struct{}{}
	}
	var out []*model.Reaction
	for _, r := range s.m.reactions {
		if _, ok := want[r.MessageID]; ok && !r.IsRemoved {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ===== summaries =====

type memSummaries struct{ m *Mem }

func (s memSummaries) Get(_ context.Context, conversationID int64) (*model.ConversationSummary, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if x, ok := s.m.summaries[conversationID]; ok {
		cp := *x
		return &cp, nil
	}
	return nil, nil
}

func (s memSummaries) GetMany(_ context.Context, conversationIDs []int64) (map[int64]*model.ConversationSummary, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make(map[int64]*model.ConversationSummary, len(conversationIDs))
	for _, id := range conversationIDs {
		if x, ok := s.m.summaries[id]; ok {
			cp := *x
			out[id] = &cp
		}
	}
	return out, nil
}

func (s memSummaries) SetIfNewer(_ context.Context, in *model.ConversationSummary) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if x, ok := s.m.summaries[in.ConversationID]; ok && !x.LastMessageAt.Before(in.LastMessageAt) {
		return false, nil
	}
	cp := *in
	s.m.summaries[in.ConversationID] = &cp
	return true, nil
}

func (s memSummaries) Replace(_ context.Context, in *model.ConversationSummary) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *in
	s.m.summaries[in.ConversationID] = &cp
	return nil
}

// ===== directory =====

type memDirectory struct{ m *Mem }

func (s memDirectory) Conversation(_ context.Context, id int64) (*model.Conversation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c, ok := s.m.conversations[id]
	if !ok {
		return nil, errs.ErrConversationNotFound.WrapMsg("conversation not found", "id", id)
	}
	cp := *c
	return &cp, nil
}

func (s memDirectory) Participant(_ context.Context, conversationID, userID int64) (*model.Participant, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p, ok := s.m.participants[[2]int64{conversationID, userID}]
	if !ok {
		return nil, errs.ErrNotMember.WrapMsg("not a participant", "conversation", conversationID, "user", userID)
	}
	cp := *p
	return &cp, nil
}

func (s memDirectory) ActiveMembers(_ context.Context, conversationID int64) ([]int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []int64
	for k, p := range s.m.participants {
		if k[0] == conversationID && p.IsActive {
			out = append(out, k[1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s memDirectory) FindDirect(_ context.Context, a, b int64) (*model.Conversation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := model.DirectPairKey(a, b)
	for _, c := range s.m.conversations {
		if c.Type == model.ConversationDirect && c.PairKey == key {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s memDirectory) CreateDirect(_ context.Context, a, b int64, at time.Time) (*model.Conversation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := model.DirectPairKey(a, b)
	for _, c := range s.m.conversations {
		if c.Type == model.ConversationDirect && c.PairKey == key {
			return nil, errs.ErrConflict.WrapMsg("direct conversation exists", "pair", key)
		}
	}
	c := &model.Conversation{ID: ids.Generate(), Type: model.ConversationDirect, PairKey: key, CreatedBy: a, CreatedAt: at}
	s.m.conversations[c.ID] = c
	for _, uid := range []int64{a, b} {
		s.m.participants[[2]int64{c.ID, uid}] = &model.Participant{
			ConversationID: c.ID, UserID: uid, Role: model.RoleMember, IsActive: true, JoinedAt: at,
		}
	}
	cp := *c
	return &cp, nil
}
