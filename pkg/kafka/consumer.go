// 文件: pkg/kafka/consumer.go
// Kafka 消费者组
//
// 特点:
// - 消费者组 + 自动重平衡
// - 处理失败只记日志不阻塞分区 (风控侧会在下个轮询周期兜底)
// - Stop 时等待 Consume 循环退出

package kafka

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/IBM/sarama"
)

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// Oldest 新消费者组是否从最早 offset 开始
	Oldest bool
}

// Handler 单条消息处理函数
type Handler func(ctx context.Context, msg *sarama.ConsumerMessage) error

// Consumer 消费者组封装
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer 创建消费者
func NewConsumer(cfg ConsumerConfig, handler Handler) (*Consumer, error) {
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafka consumer: no topics")
	}

	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.Oldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &Consumer{group: group, topics: cfg.Topics, handler: handler}, nil
}

// Start 启动消费循环
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		h := &groupHandler{ctx: ctx, handler: c.handler}
		for {
			// 每次重平衡后 Consume 返回，需要重新加入
			if err := c.group.Consume(ctx, c.topics, h); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				log.Printf("[Kafka] consume error: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-c.group.Errors():
				if !ok {
					return
				}
				log.Printf("[Kafka] consumer group error: %v", err)
			}
		}
	}()

	log.Printf("[Kafka] consumer started: topics=%v", c.topics)
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.group.Close()
}

// groupHandler sarama.ConsumerGroupHandler 实现
type groupHandler struct {
	ctx     context.Context
	handler Handler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handler(h.ctx, msg); err != nil {
				log.Printf("[Kafka] handle error: topic=%s partition=%d offset=%d err=%v",
					msg.Topic, msg.Partition, msg.Offset, err)
			}
			session.MarkMessage(msg, "")
		}
	}
}
