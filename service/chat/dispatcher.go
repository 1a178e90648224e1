package chat

import (
	"context"
	"encoding/json"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

// ActionFunc 需要回执的阻塞动作（send/edit/delete/react/readReceipt...）
type ActionFunc func(ctx context.Context, c *Conn, f *InFrame) (any, error)

// SignalFunc 即发即弃的信号（typing/presence），失败对客户端不可见
type SignalFunc func(ctx context.Context, c *Conn, f *InFrame)

type Dispatcher struct {
	actions map[string]ActionFunc
	signals map[string]SignalFunc
	log     *zap.Logger
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		actions: make(map[string]ActionFunc),
		signals: make(map[string]SignalFunc),
		log:     logger.Named("dispatcher"),
	}
}

func (d *Dispatcher) Register(action string, h ActionFunc) { d.actions[action] = h }

func (d *Dispatcher) RegisterSignal(action string, h SignalFunc) { d.signals[action] = h }

// Dispatch 返回需要写回连接的帧；信号类动作返回 nil
func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, f *InFrame) []byte {
	if h, ok := d.signals[f.Action]; ok {
		h(ctx, c, f)
		return nil
	}
	h, ok := d.actions[f.Action]
	if !ok {
		return d.reply(c, f.RequestID, nil, errs.ErrUnsupported.WrapMsg("unknown action", "action", f.Action))
	}
	res, err := h(ctx, c, f)
	if err != nil {
		lvl := d.log.Info
		if errs.Category(err) == errs.InfrastructureCode || errs.Category(err) == errs.ServerInternalError {
			lvl = d.log.Warn
		}
		lvl("action failed", zap.String("action", f.Action), zap.String("conn_id", c.ID),
			zap.Int64("user_id", c.UserID), zap.Error(err))
	}
	return d.reply(c, f.RequestID, res, err)
}

// reply 成功回执写回请求方；失败时同一帧投到用户错误队列
func (d *Dispatcher) reply(c *Conn, requestID string, res any, err error) []byte {
	if err == nil {
		return EncodeReply(requestID, res, nil)
	}
	failed := false
	b, mErr := json.Marshal(OutFrame{
		Destination: UserErrorQueue(c.UserID),
		RequestID:   requestID,
		OK:          &failed,
		Error:       errs.Public(err),
	})
	if mErr != nil {
		return EncodeReply(requestID, nil, mErr)
	}
	return b
}
