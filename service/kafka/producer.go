package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"PPRealtime/global/config"
	"PPRealtime/service/chat"
	"PPRealtime/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
)

// EventLog 会话事件的持久化日志：以会话 ID 为 key，同一会话落同一分区，外部收件箱按序消费
type EventLog struct {
	producer sarama.SyncProducer
	topic    string
}

func NewEventLog(p sarama.SyncProducer, topic string) *EventLog {
	return &EventLog{producer: p, topic: topic}
}

// DialEventLog 按配置连接 broker
func DialEventLog(c config.KafkaConfig) (*EventLog, error) {
	p, err := sarama.NewSyncProducer(c.Brokers, NewConfig(c))
	if err != nil {
		return nil, errs.Infra(err, "kafka producer")
	}
	glog.Infof("[Kafka] event log producer ready brokers=%v topic=%s", c.Brokers, c.EventTopic)
	return NewEventLog(p, c.EventTopic), nil
}

// Append 实现 chat.EventSink
func (l *EventLog) Append(_ context.Context, conversationID int64, env chat.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: l.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(conversationID, 10)),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-id"), Value: []byte(env.ID)},
			{Key: []byte("event-type"), Value: []byte(env.Type)},
		},
	}
	if _, _, err := l.producer.SendMessage(msg); err != nil {
		return errs.Infra(err, "kafka append")
	}
	return nil
}

func (l *EventLog) Close() error {
	return l.producer.Close()
}
