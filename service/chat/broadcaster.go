package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"PPRealtime/logger"
	"PPRealtime/service/metrics"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

// MembershipLookup 会话成员解析（持久层实现）
type MembershipLookup interface {
	ActiveMembers(ctx context.Context, conversationID int64) ([]int64, error)
}

// EventSink 会话事件的持久化日志（外部收件箱消费）
type EventSink interface {
	Append(ctx context.Context, conversationID int64, env Envelope) error
}

type jobKind uint8

const (
	jobConversation jobKind = iota + 1
	jobUser
	jobBarrier
)

type fanoutJob struct {
	kind   jobKind
	target int64
	env    Envelope
	// recipients 预先解析好的成员（来自其它节点的中继）
	recipients []int64
	resolved   bool
	remote     bool
	ctx        context.Context
	barrier    chan struct{}
}

type BroadcasterOptions struct {
	NodeID     string
	Shards     int
	QueueSize  int
	JobTimeout time.Duration
	Now        func() time.Time
}

// Broadcaster 按会话分片的有序扇出：同一会话的事件总落在同一个 worker 上，
// 因此本进程内按提交顺序投递；不同会话之间互不阻塞。
type Broadcaster struct {
	reg     *Registry
	members MembershipLookup
	relay   Relay
	sink    EventSink
	opts    BroadcasterOptions

	mu     sync.RWMutex
	closed bool
	shards []chan fanoutJob
	wg     sync.WaitGroup
	log    *zap.Logger
}

func NewBroadcaster(reg *Registry, members MembershipLookup, opts BroadcasterOptions) *Broadcaster {
	if opts.Shards <= 0 {
		opts.Shards = 32
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Broadcaster{
		reg:     reg,
		members: members,
		opts:    opts,
		shards:  make([]chan fanoutJob, opts.Shards),
		log:     logger.Named("fanout").With(zap.String("node", opts.NodeID)),
	}
	for i := range b.shards {
		ch := make(chan fanoutJob, opts.QueueSize)
		b.shards[i] = ch
		b.wg.Add(1)
		go b.worker(ch)
	}
	return b
}

func (b *Broadcaster) NodeID() string { return b.opts.NodeID }

// SetRelay 跨节点中继；为空则只做本地投递
func (b *Broadcaster) SetRelay(r Relay) { b.relay = r }

func (b *Broadcaster) SetSink(s EventSink) { b.sink = s }

// BroadcastToConversation 投递给会话订阅者；MESSAGE_NEW 额外投递到成员私有队列
func (b *Broadcaster) BroadcastToConversation(ctx context.Context, conversationID int64, t EventType, payload any) Envelope {
	env := NewEnvelope(t, payload, b.opts.Now())
	b.enqueue(ctx, fanoutJob{kind: jobConversation, target: conversationID, env: env})
	return env
}

// BroadcastToUser 投递给用户全部存活连接，与订阅无关
func (b *Broadcaster) BroadcastToUser(ctx context.Context, userID int64, t EventType, payload any) Envelope {
	env := NewEnvelope(t, payload, b.opts.Now())
	b.enqueue(ctx, fanoutJob{kind: jobUser, target: userID, env: env})
	return env
}

// DeliverRemote 处理其它节点中继来的事件：只做本地投递，不再中继也不写事件日志
func (b *Broadcaster) DeliverRemote(msg RelayMessage) {
	if msg.Origin == b.opts.NodeID {
		return
	}
	j := fanoutJob{target: msg.Target, env: msg.Envelope, remote: true,
		recipients: msg.Recipients, resolved: msg.Recipients != nil}
	switch msg.Kind {
	case RelayConversation:
		j.kind = jobConversation
	case RelayUser:
		j.kind = jobUser
	default:
		b.log.Warn("unknown relay kind", zap.String("kind", string(msg.Kind)))
		return
	}
	b.enqueue(context.Background(), j)
}

// Flush 等待此前提交的任务全部处理完
func (b *Broadcaster) Flush(ctx context.Context) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	waits := make([]chan struct{}, 0, len(b.shards))
	for _, ch := range b.shards {
		done := make(chan struct{})
		select {
		case ch <- fanoutJob{kind: jobBarrier, barrier: done}:
			waits = append(waits, done)
		case <-ctx.Done():
			b.mu.RUnlock()
			return ctx.Err()
		}
	}
	b.mu.RUnlock()
	for _, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close 停止接收新任务，处理完已入队任务后返回
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.shards {
		close(ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Broadcaster) shardOf(id int64) chan fanoutJob {
	n := int64(len(b.shards))
	idx := id % n
	if idx < 0 {
		idx += n
	}
	return b.shards[idx]
}

// enqueue 队列满时阻塞等待；只有调用方取消或已关闭才丢弃
func (b *Broadcaster) enqueue(ctx context.Context, j fanoutJob) {
	j.ctx = context.WithoutCancel(ctx)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		metrics.FanoutDropped.Inc()
		b.log.Warn("broadcaster closed, job dropped", zap.String("type", string(j.env.Type)), zap.Int64("target", j.target))
		return
	}
	select {
	case b.shardOf(j.target) <- j:
	case <-ctx.Done():
		metrics.FanoutDropped.Inc()
		b.log.Warn("job dropped", zap.String("type", string(j.env.Type)), zap.Int64("target", j.target), zap.Error(ctx.Err()))
	}
}

func (b *Broadcaster) worker(jobs <-chan fanoutJob) {
	defer b.wg.Done()
	for j := range jobs {
		if j.kind == jobBarrier {
			close(j.barrier)
			continue
		}
		b.run(j)
	}
}

func (b *Broadcaster) run(j fanoutJob) {
	defer safe.Recover("fanout")
	ctx, cancel := context.WithTimeout(j.ctx, b.opts.JobTimeout)
	defer cancel()

	switch j.kind {
	case jobConversation:
		b.runConversation(ctx, j)
	case jobUser:
		b.deliverUser(j.target, &j.env, nil)
		if !j.remote {
			b.publish(ctx, RelayMessage{Origin: b.opts.NodeID, Kind: RelayUser, Target: j.target, Envelope: j.env})
		}
	}
}

func (b *Broadcaster) runConversation(ctx context.Context, j fanoutJob) {
	topic := ConversationTopic(j.target)
	frame, err := encodeEvent(topic, &j.env)
	if err != nil {
		b.log.Error("encode event", zap.Int64("conversation_id", j.target), zap.Error(err))
		return
	}

	// 先快照再投递，投递时不持有注册表的锁
	subs := b.reg.subscribers(j.target)
	covered := make(map[string]struct{}, len(subs))
	for _, c := range subs {
		covered[c.ID] = struct{}{}
		b.deliver(c, frame, "topic", j.target)
	}

	recipients := j.recipients
	if j.env.Type.NeedsUserQueue() {
		if !j.resolved && b.members != nil {
			ids, err := b.members.ActiveMembers(ctx, j.target)
			if err != nil {
				// 订阅者已收到主题副本；私有队列副本本次缺失
				b.log.Warn("resolve members", zap.Int64("conversation_id", j.target), zap.Error(err))
			}
			recipients = ids
		}
		for _, uid := range recipients {
			b.deliverUser(uid, &j.env, covered)
		}
	}

	if j.remote {
		return
	}
	b.publish(ctx, RelayMessage{Origin: b.opts.NodeID, Kind: RelayConversation, Target: j.target,
		Envelope: j.env, Recipients: recipients})
	if b.sink != nil {
		if err := b.sink.Append(ctx, j.target, j.env); err != nil {
			metrics.RelayErrors.WithLabelValues("eventlog").Inc()
			b.log.Warn("event log append", zap.Int64("conversation_id", j.target), zap.Error(err))
		}
	}
}

// deliverUser 投递到用户私有队列；skip 中的连接已经拿到主题副本
func (b *Broadcaster) deliverUser(userID int64, env *Envelope, skip map[string]struct{}) {
	conns := b.reg.ConnectionsOf(userID)
	if len(conns) == 0 {
		return
	}
	var frame []byte
	for _, c := range conns {
		if _, ok := skip[c.ID]; ok {
			continue
		}
		if frame == nil {
			var err error
			if frame, err = encodeEvent(UserQueue(userID), env); err != nil {
				b.log.Error("encode event", zap.Int64("user_id", userID), zap.Error(err))
				return
			}
		}
		b.deliver(c, frame, "queue", userID)
	}
}

func (b *Broadcaster) deliver(c *Conn, frame []byte, dest string, target int64) {
	err := c.Deliver(frame)
	if err == nil {
		metrics.FanoutDelivered.WithLabelValues(dest).Inc()
		return
	}
	reason := "closed"
	if errors.Is(err, ErrSlowConsumer) {
		reason = "slow"
		// 发送队列打满的连接直接断开，客户端重连后重新订阅
		c.Close()
	}
	metrics.FanoutFailed.WithLabelValues(reason).Inc()
	b.log.Warn("deliver failed",
		zap.String("conn_id", c.ID), zap.Int64("user_id", c.UserID),
		zap.String("dest", dest), zap.Int64("target", target), zap.Error(err))
}

func (b *Broadcaster) publish(ctx context.Context, msg RelayMessage) {
	if b.relay == nil {
		return
	}
	if err := b.relay.Publish(ctx, msg); err != nil {
		metrics.RelayErrors.WithLabelValues("relay").Inc()
		b.log.Warn("relay publish", zap.String("kind", string(msg.Kind)), zap.Int64("target", msg.Target), zap.Error(err))
	}
}
