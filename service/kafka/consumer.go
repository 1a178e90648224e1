package kafka

import (
	"context"
	"errors"
	"sync"

	"PPRealtime/global/config"
	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
	"go.uber.org/zap"
)

type MessageHandler func(ctx context.Context, key, value []byte) error

// Consumer 消费组 + 按 topic 路由的处理函数
type Consumer struct {
	group sarama.ConsumerGroup

	mu       sync.RWMutex
	handlers map[string]MessageHandler
	log      *zap.Logger
}

func NewConsumer(group sarama.ConsumerGroup) *Consumer {
	return &Consumer{
		group:    group,
		handlers: make(map[string]MessageHandler),
		log:      logger.Named("kafka"),
	}
}

// DialConsumer 按配置加入消费组
func DialConsumer(c config.KafkaConfig) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(c.Brokers, c.GroupID, NewConfig(c))
	if err != nil {
		return nil, errs.Infra(err, "kafka consumer group")
	}
	glog.Infof("[Kafka] consumer group %s joined brokers=%v", c.GroupID, c.Brokers)
	return NewConsumer(group), nil
}

func (c *Consumer) Handle(topic string, h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = h
}

func (c *Consumer) topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		out = append(out, t)
	}
	return out
}

func (c *Consumer) handler(topic string) (MessageHandler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[topic]
	return h, ok
}

// Run 阻塞消费直到 ctx 结束；重平衡后 Consume 返回，循环重新加入
func (c *Consumer) Run(ctx context.Context) error {
	topics := c.topics()
	if len(topics) == 0 {
		return errs.ErrArgs.WrapMsg("no kafka handlers registered")
	}
	go func() {
		for err := range c.group.Errors() {
			c.log.Warn("consumer group error", zap.Error(err))
		}
	}()
	c.log.Info("consumer started", zap.Strings("topics", topics))
	for {
		if err := c.group.Consume(ctx, topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Warn("consume", zap.Error(err))
		}
		if ctx.Err() != nil {
			c.log.Info("consumer stopped")
			return nil
		}
	}
}

func (c *Consumer) Close() error { return c.group.Close() }

func (c *Consumer) Setup(s sarama.ConsumerGroupSession) error {
	c.log.Info("consumer group setup", zap.Int32("generation", s.GenerationID()))
	return nil
}

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	c.log.Info("consumer group cleanup")
	return nil
}

// ConsumeClaim 处理失败只记日志并提交位点，坏消息不阻塞分区
func (c *Consumer) ConsumeClaim(s sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h, ok := c.handler(msg.Topic)
		if !ok {
			c.log.Warn("no handler", zap.String("topic", msg.Topic))
		} else if err := h(s.Context(), msg.Key, msg.Value); err != nil {
			c.log.Warn("handle message", zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		}
		s.MarkMessage(msg, "")
	}
	return nil
}
