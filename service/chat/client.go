package chat

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrSlowConsumer = errors.New("connection send queue full")
	ErrConnClosed   = errors.New("connection closed")
)

// Conn 一条物理连接的发送侧。读写泵由网关持有，这里只负责排队。
type Conn struct {
	ID       string
	UserID   int64
	OpenedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(id string, userID int64, buffer int, openedAt time.Time) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	return &Conn{
		ID:       id,
		UserID:   userID,
		OpenedAt: openedAt,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// Deliver 非阻塞入队；慢连接直接失败，不拖累同批其它连接
func (c *Conn) Deliver(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *Conn) Outbound() <-chan []byte { return c.send }

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Drain 测试辅助：取出当前已排队的全部帧
func (c *Conn) Drain() [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-c.send:
			out = append(out, f)
		default:
			return out
		}
	}
}
