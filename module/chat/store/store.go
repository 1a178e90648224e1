package store

import (
	"context"
	"time"

	"PPRealtime/module/chat/model"
)

// Messages 消息持久化。软删除的消息除 Get/GetMany 外一律不可见。
type Messages interface {
	Insert(ctx context.Context, m *model.Message) error
	// Get 包含已软删除的消息；不存在返回 ErrMessageNotFound
	Get(ctx context.Context, id int64) (*model.Message, error)
	GetMany(ctx context.Context, ids []int64) ([]*model.Message, error)
	UpdateBody(ctx context.Context, id int64, body string, editedAt time.Time) (*model.Message, error)
	// MarkDeleted 返回本次真正由未删除变为删除的消息
	MarkDeleted(ctx context.Context, conversationID int64, ids []int64, at time.Time) ([]*model.Message, error)
	// Purge 永久删除
	Purge(ctx context.Context, id int64) error
	// Latest 最新一条未删除消息；会话为空返回 nil, nil
	Latest(ctx context.Context, conversationID int64) (*model.Message, error)
	// CountAfter 未删除且 SentAt > after 的条数
	CountAfter(ctx context.Context, conversationID int64, after time.Time) (int64, error)
	// List 按时间倒序分页，before 为零值表示从最新开始
	List(ctx context.Context, conversationID int64, before time.Time, limit int) ([]*model.Message, error)
	// Replies 某条消息的未删除回复，按时间正序
	Replies(ctx context.Context, parentID int64, limit int) ([]*model.Message, error)
}

// ReadStates 已读指针
type ReadStates interface {
	// Get 不存在返回零值指针状态（LastReadAt 为零）
	Get(ctx context.Context, conversationID, userID int64) (*model.ReadState, error)
	// Advance 单调推进：LastReadAt = max(current, at)，返回推进后的状态
	Advance(ctx context.Context, conversationID, userID int64, at time.Time, messageID int64) (*model.ReadState, error)
	SetUnread(ctx context.Context, conversationID, userID, unread int64) error
	ListByConversation(ctx context.Context, conversationID int64) ([]*model.ReadState, error)
}

// Reactions 表情回应
type Reactions interface {
	// Upsert 新增或原地复活；已是活跃状态时 changed=false
	Upsert(ctx context.Context, r *model.Reaction) (out *model.Reaction, changed bool, err error)
	// SoftRemove 无活跃记录返回 ErrReactionNotFound
	SoftRemove(ctx context.Context, messageID, userID int64, emoji string, at time.Time) (*model.Reaction, error)
	Get(ctx context.Context, id int64) (*model.Reaction, error)
	// ListActive 一次往返取出多条消息的全部活跃回应
	ListActive(ctx context.Context, messageIDs []int64) ([]*model.Reaction, error)
}

// Summaries 会话最后一条消息缓存
type Summaries interface {
	// Get 不存在返回 nil, nil
	Get(ctx context.Context, conversationID int64) (*model.ConversationSummary, error)
	GetMany(ctx context.Context, conversationIDs []int64) (map[int64]*model.ConversationSummary, error)
	// SetIfNewer 仅当 s.LastMessageAt 晚于已存值时写入（条件更新）
	SetIfNewer(ctx context.Context, s *model.ConversationSummary) (bool, error)
	// Replace 无条件覆盖，重算时使用；s.Empty() 表示会话已无消息
	Replace(ctx context.Context, s *model.ConversationSummary) error
}

// Directory 会话与成员（关系库）
type Directory interface {
	Conversation(ctx context.Context, id int64) (*model.Conversation, error)
	// Participant 不存在返回 ErrNotMember
	Participant(ctx context.Context, conversationID, userID int64) (*model.Participant, error)
	ActiveMembers(ctx context.Context, conversationID int64) ([]int64, error)
	// FindDirect 不存在返回 nil, nil
	FindDirect(ctx context.Context, a, b int64) (*model.Conversation, error)
	// CreateDirect 唯一键冲突返回 ErrConflict
	CreateDirect(ctx context.Context, a, b int64, at time.Time) (*model.Conversation, error)
}

// Stores 持久层集合
type Stores struct {
	Messages   Messages
	ReadStates ReadStates
	Reactions  Reactions
	Summaries  Summaries
	Directory  Directory
}
