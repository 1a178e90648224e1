package natsx

import (
	"context"
	"fmt"
	"time"
)

// Producer 生产端，失败按 Backoff 重试 Retries 次
type Producer struct {
	c       *Client
	Retries int
	Backoff time.Duration
}

func NewProducer(c *Client) *Producer {
	return &Producer{c: c, Retries: 2, Backoff: 50 * time.Millisecond}
}

// Publish 按 Biz 路由发送
func (p *Producer) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	r, ok := p.c.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}
	var err error
	for i := 0; i <= p.Retries; i++ {
		if err = p.c.send(r.Subject, data, hdr); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff):
		}
	}
	return err
}
