package kafka

import (
	"errors"
	"fmt"

	"PPRealtime/global/config"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
)

// EnsureTopics 不存在就创建；已存在且分区数不足时扩分区（Kafka 只能增不能减）
func EnsureTopics(admin sarama.ClusterAdmin, topics []string, c config.KafkaConfig) error {
	minISR := "1"
	if c.Replication >= 3 {
		minISR = "2"
	}
	for _, t := range topics {
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return fmt.Errorf("describe topic %s: %w", t, err)
		}
		exists := len(descs) == 1 && errors.Is(descs[0].Err, sarama.ErrNoError)

		if !exists {
			td := &sarama.TopicDetail{
				NumPartitions:     c.Partitions,
				ReplicationFactor: c.Replication,
				ConfigEntries: map[string]*string{
					"cleanup.policy":                 strPtr("delete"),
					"min.insync.replicas":            strPtr(minISR),
					"unclean.leader.election.enable": strPtr("false"),
					"compression.type":               strPtr("producer"),
				},
			}
			if err := admin.CreateTopic(t, td, false); err != nil {
				var te *sarama.TopicError
				if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
					glog.Infof("[Topic] exists (race): %s", t)
					continue
				}
				return fmt.Errorf("create topic %s: %w", t, err)
			}
			glog.Infof("[Topic] created: %s (partitions=%d, rf=%d)", t, c.Partitions, c.Replication)
			continue
		}

		cur := int32(len(descs[0].Partitions))
		if c.Partitions > cur {
			if err := admin.CreatePartitions(t, c.Partitions, nil, false); err != nil {
				return fmt.Errorf("expand partitions %s from %d to %d: %w", t, cur, c.Partitions, err)
			}
			glog.Infof("[Topic] partitions expanded: %s (%d -> %d)", t, cur, c.Partitions)
			continue
		}
		glog.Infof("[Topic] exists: %s (partitions=%d)", t, cur)
	}
	return nil
}

// Bootstrap 建 admin 并确保事件日志与生命周期两个 topic 就绪
func Bootstrap(c config.KafkaConfig) error {
	topics := []string{c.EventTopic, c.LifecycleTopic}
	glog.Infof("[Kafka] topics=%v", topics)
	admin, err := sarama.NewClusterAdmin(c.Brokers, NewConfig(c))
	if err != nil {
		glog.Infof("[Kafka][ERR] create admin: %v", err)
		return err
	}
	defer admin.Close()
	if err := EnsureTopics(admin, topics, c); err != nil {
		glog.Infof("[Kafka][ERR] ensure topics: %v", err)
		return err
	}
	return nil
}

func strPtr(s string) *string { return &s }
