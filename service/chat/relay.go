package chat

import (
	"context"
	"encoding/json"
	"sync"

	"PPRealtime/logger"
	"PPRealtime/service/natsx"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

type RelayKind string

const (
	RelayConversation RelayKind = "conversation"
	RelayUser         RelayKind = "user"
)

// RelayMessage 节点间转发的扇出任务
type RelayMessage struct {
	Origin     string    `json:"origin"`
	Kind       RelayKind `json:"kind"`
	Target     int64     `json:"target"`
	Envelope   Envelope  `json:"envelope"`
	Recipients []int64   `json:"recipients,omitempty"`
}

// Relay 把本节点提交的事件转发给其它节点
type Relay interface {
	Publish(ctx context.Context, msg RelayMessage) error
}

// LoopbackRelay 进程内多节点（测试、单机多实例）
type LoopbackRelay struct {
	mu    sync.RWMutex
	peers []*Broadcaster
}

func NewLoopbackRelay() *LoopbackRelay { return &LoopbackRelay{} }

// Join 把节点加入中继并让它通过本中继向外转发
func (l *LoopbackRelay) Join(b *Broadcaster) {
	l.mu.Lock()
	l.peers = append(l.peers, b)
	l.mu.Unlock()
	b.SetRelay(l)
}

func (l *LoopbackRelay) Publish(_ context.Context, msg RelayMessage) error {
	l.mu.RLock()
	peers := append([]*Broadcaster(nil), l.peers...)
	l.mu.RUnlock()
	for _, p := range peers {
		p.DeliverRemote(msg)
	}
	return nil
}

const RelayBiz = "chat.fanout"

// NatsRelay 通过 NATS core 广播（不带队列组，每个节点都收到）
type NatsRelay struct {
	mgr *natsx.Manager
	b   *Broadcaster
	log *zap.Logger
}

func NewNatsRelay(mgr *natsx.Manager, subject string, b *Broadcaster) (*NatsRelay, error) {
	if err := mgr.RegisterRoute(natsx.Route{Biz: RelayBiz, Subject: subject}); err != nil {
		return nil, errs.Infra(err, "nats register route")
	}
	r := &NatsRelay{mgr: mgr, b: b, log: logger.Named("relay").With(zap.String("node", b.NodeID()))}
	if err := mgr.Subscribe(RelayBiz, r.handle); err != nil {
		return nil, errs.Infra(err, "nats subscribe")
	}
	b.SetRelay(r)
	return r, nil
}

func (r *NatsRelay) Publish(ctx context.Context, msg RelayMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errs.Wrap(err)
	}
	hdr := map[string]string{"X-Origin": msg.Origin}
	if err := r.mgr.PublishOnce(ctx, RelayBiz, data, hdr, msg.Envelope.ID+":"+string(msg.Kind)); err != nil {
		return errs.Infra(err, "nats publish")
	}
	return nil
}

func (r *NatsRelay) handle(_ context.Context, m natsx.Message) error {
	// 自己发出的直接丢弃，省一次解码
	if m.Header["X-Origin"] == r.b.NodeID() {
		return nil
	}
	var msg RelayMessage
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		r.log.Warn("bad relay payload", zap.Error(err))
		return errs.ErrArgs.WrapMsg("bad relay payload", "err", err)
	}
	r.b.DeliverRemote(msg)
	return nil
}
