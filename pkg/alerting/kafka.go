package alerting

import (
	"context"

	"propguard.com/pkg/kafka"
)

// Sender Kafka 发送接口 (*kafka.Producer 实现)
type Sender interface {
	Send(msg kafka.Message) error
}

// KafkaAlerter 把告警写入告警 topic，由下游告警平台消费
type KafkaAlerter struct {
	sender Sender
	topic  string
}

// NewKafkaAlerter 创建 Kafka 告警通道
func NewKafkaAlerter(sender Sender, topic string) *KafkaAlerter {
	return &KafkaAlerter{sender: sender, topic: topic}
}

// Alert 发送告警 (按账户分区)
func (k *KafkaAlerter) Alert(_ context.Context, a Alert) error {
	return k.sender.Send(kafka.JSON(k.topic, a.AccountID, a))
}
