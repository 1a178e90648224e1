package event

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SystemMessageRequested 其它模块请求往会话里写一条系统消息
type SystemMessageRequested struct {
	ConversationID int64
	Body           string
	// Kind 例如 PARTICIPANT_JOINED，随 SYSTEM_MESSAGE 事件下发
	Kind string
}

// MessagesDeleted 一批消息被软删除，未读数需要重算
type MessagesDeleted struct {
	ConversationID int64
	MessageIDs     []int64
}

// MessageCreated 新消息已持久化
type MessageCreated struct {
	ConversationID int64
	MessageID      int64
	AuthorID       int64
	SentAt         time.Time
}

type Handler[T any] func(ctx context.Context, ev T) error

// Topic 单一事件类型的订阅表，同步按注册顺序调用
type Topic[T any] struct {
	mu   sync.RWMutex
	subs []Handler[T]
}

func (t *Topic[T]) Subscribe(h Handler[T]) {
	t.mu.Lock()
	t.subs = append(t.subs, h)
	t.mu.Unlock()
}

// Publish 每个订阅者都会被调用，错误合并返回
func (t *Topic[T]) Publish(ctx context.Context, ev T) error {
	t.mu.RLock()
	subs := append([]Handler[T](nil), t.subs...)
	t.mu.RUnlock()
	var errList []error
	for _, h := range subs {
		if err := h(ctx, ev); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Bus 进程内事件总线；订阅关系在装配时显式注册
type Bus struct {
	SystemMessage   Topic[SystemMessageRequested]
	MessagesDeleted Topic[MessagesDeleted]
	MessageCreated  Topic[MessageCreated]
}

func NewBus() *Bus { return &Bus{} }
