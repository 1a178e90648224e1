package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Lifecycle 连接生命周期回调（在线状态由它维护）
type Lifecycle interface {
	OnOpen(ctx context.Context, c *Conn)
	OnActivity(ctx context.Context, c *Conn)
	OnClose(ctx context.Context, c *Conn, r Removal)
}

// Authenticator 握手鉴权，返回用户 ID
type Authenticator func(r *http.Request) (int64, error)

type GatewayOptions struct {
	ConnBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	ActionTimeout  time.Duration
	CheckOrigin    func(r *http.Request) bool
}

func (o *GatewayOptions) defaults() {
	if o.ConnBuffer <= 0 {
		o.ConnBuffer = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 10 * time.Second
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Gateway WS 接入：握手鉴权 -> 注册 -> 读循环分发 / 写泵推送 -> 注销
type Gateway struct {
	reg   *Registry
	disp  *Dispatcher
	hooks Lifecycle
	auth  Authenticator
	opts  GatewayOptions
	up    websocket.Upgrader
	log   *zap.Logger
}

func NewGateway(reg *Registry, disp *Dispatcher, hooks Lifecycle, auth Authenticator, opts GatewayOptions) *Gateway {
	opts.defaults()
	return &Gateway{
		reg:   reg,
		disp:  disp,
		hooks: hooks,
		auth:  auth,
		opts:  opts,
		up: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		log: logger.Named("ws"),
	}
}

// HandleWS GET /ws
func (g *Gateway) HandleWS(c *gin.Context) {
	uid, err := g.auth(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(errs.HTTPStatus(err), errs.Public(err))
		return
	}
	ws, err := g.up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败，Upgrade 已写回响应
		g.log.Info("upgrade failed", zap.Int64("user_id", uid), zap.Error(err))
		return
	}
	g.serve(ws, uid)
}

func (g *Gateway) serve(ws *websocket.Conn, uid int64) {
	conn := NewConn(ids.ConnectionID(), uid, g.opts.ConnBuffer, time.Now())
	log := g.log.With(zap.String("conn_id", conn.ID), zap.Int64("user_id", uid))

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.ActionTimeout)
	err := g.reg.RegisterSession(ctx, conn)
	cancel()
	if err != nil {
		log.Warn("register session", zap.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "register failed"),
			time.Now().Add(g.opts.WriteWait))
		_ = ws.Close()
		return
	}
	g.withTimeout(func(ctx context.Context) { g.hooks.OnOpen(ctx, conn) })
	log.Info("connected")

	writerDone := make(chan struct{})
	go g.writePump(ws, conn, writerDone)

	g.readLoop(ws, conn, log)

	// ---- 退出：先关发送侧让写泵收尾，再注销 ----
	conn.Close()
	<-writerDone
	_ = ws.Close()

	ctx, cancel = context.WithTimeout(context.Background(), g.opts.ActionTimeout)
	defer cancel()
	if r, ok := g.reg.RemoveSession(ctx, conn.ID); ok {
		g.hooks.OnClose(ctx, conn, r)
	}
	log.Info("disconnected")
}

func (g *Gateway) readLoop(ws *websocket.Conn, conn *Conn, log *zap.Logger) {
	ws.SetReadLimit(g.opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
		g.withTimeout(func(ctx context.Context) {
			g.reg.Touch(ctx, conn.ID)
			g.hooks.OnActivity(ctx, conn)
		})
		return nil
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("peer closed", zap.Error(err))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Info("read timeout", zap.Error(err))
			} else {
				log.Info("read error", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		select {
		case <-conn.Done():
			// 慢连接已被扇出侧断开
			return
		default:
		}

		f, err := ParseInFrame(data)
		if err != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			log.Info("bad frame", zap.ByteString("sample", sample), zap.Error(err))
			g.reply(conn, EncodeReply("", nil, err), log)
			continue
		}

		var out []byte
		g.withTimeout(func(ctx context.Context) {
			out = g.disp.Dispatch(ctx, conn, f)
		})
		if out != nil {
			g.reply(conn, out, log)
		}
	}
}

func (g *Gateway) reply(conn *Conn, frame []byte, log *zap.Logger) {
	if err := conn.Deliver(frame); err != nil {
		log.Warn("reply dropped", zap.Error(err))
	}
}

func (g *Gateway) writePump(ws *websocket.Conn, conn *Conn, done chan<- struct{}) {
	ticker := time.NewTicker(g.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		// 写失败时让读循环尽快退出
		_ = ws.Close()
		close(done)
	}()
	for {
		select {
		case frame := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.opts.WriteWait)); err != nil {
				conn.Close()
				return
			}
		case <-conn.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(g.opts.WriteWait))
			return
		}
	}
}

func (g *Gateway) withTimeout(f func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.ActionTimeout)
	defer cancel()
	f(ctx)
}
