package natsx

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Route 路由配置（按 Biz 维度注册）
type Route struct {
	Biz     string
	Subject string
	Queue   string // 队列组；为空则每个订阅者都收到
}

// Config 客户端配置
type Config struct {
	Servers       []string
	Name          string
	User          string
	Pass          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Client 统一客户端
type Client struct {
	cfg Config
	nc  *nats.Conn

	mu     sync.RWMutex
	routes map[string]Route               // biz -> route
	subs   map[string][]*nats.Subscription // biz -> subs
}

// NewClient 连接 NATS
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Pass))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		nc:     nc,
		routes: make(map[string]Route),
		subs:   make(map[string][]*nats.Subscription),
	}, nil
}

// Close 优雅关闭
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for biz, subs := range c.subs {
		for _, s := range subs {
			_ = s.Drain()
		}
		delete(c.subs, biz)
	}
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

// RegisterRoute 注册 Biz 路由；同 Biz 重复注册以最后一次为准
func (c *Client) RegisterRoute(r Route) error {
	if r.Biz == "" || r.Subject == "" {
		return errors.New("invalid route")
	}
	c.mu.Lock()
	c.routes[r.Biz] = r
	c.mu.Unlock()
	return nil
}

func (c *Client) route(biz string) (Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[biz]
	return r, ok
}

func (c *Client) send(subject string, data []byte, hdr map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}
