// 文件: pkg/kafka/producer.go
// Kafka 生产者 - 风控审计流 / 告警流
//
// 特点:
// - 异步发送，发送路径不阻塞风控周期
// - 按账户 ID 分区，同一账户的事件有序
// - 发送失败计数 + 日志，Close 时排空错误通道

package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

var ErrProducerClosed = errors.New("kafka producer is closed")

// =============================================================================
// Message 接口
// =============================================================================

// Message 可发送到 Kafka 的消息
type Message interface {
	Topic() string          // 目标 topic
	Key() string            // 分区 key，风控消息统一用账户 ID
	Value() ([]byte, error) // 序列化后的消息体
}

// jsonMessage 任意结构体的 JSON 消息
type jsonMessage struct {
	topic string
	key   string
	body  any
}

func (m jsonMessage) Topic() string          { return m.topic }
func (m jsonMessage) Key() string            { return m.key }
func (m jsonMessage) Value() ([]byte, error) { return json.Marshal(m.body) }

// JSON 包装一个 JSON 消息
func JSON(topic, key string, body any) Message {
	return jsonMessage{topic: topic, key: key, body: body}
}

// =============================================================================
// Producer 配置
// =============================================================================

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers        []string
	ClientID       string
	RequiredAcks   sarama.RequiredAcks
	Compression    sarama.CompressionCodec
	FlushFrequency time.Duration
	MaxRetries     int
}

// DefaultProducerConfig 默认配置
//
// 审计记录不能丢: 等待所有副本确认
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		ClientID:       "propguard",
		RequiredAcks:   sarama.WaitForAll,
		Compression:    sarama.CompressionSnappy,
		FlushFrequency: 50 * time.Millisecond,
		MaxRetries:     5,
	}
}

// =============================================================================
// Producer
// =============================================================================

// Producer 异步生产者
type Producer struct {
	producer sarama.AsyncProducer

	sent   atomic.Int64
	failed atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewProducer 创建生产者
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = cfg.RequiredAcks
	sc.Producer.Compression = cfg.Compression
	sc.Producer.Flush.Frequency = cfg.FlushFrequency
	sc.Producer.Retry.Max = cfg.MaxRetries
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	if cfg.RequiredAcks == sarama.WaitForAll {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
		sc.Version = sarama.V2_1_0_0
	}

	ap, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := &Producer{producer: ap}
	p.wg.Add(1)
	go p.drainErrors()
	return p, nil
}

// Send 异步发送
func (p *Producer) Send(msg Message) error {
	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: msg.Topic(),
		Key:   sarama.StringEncoder(msg.Key()),
		Value: sarama.ByteEncoder(data),
	}
	p.sent.Add(1)
	return nil
}

func (p *Producer) drainErrors() {
	defer p.wg.Done()
	for perr := range p.producer.Errors() {
		p.failed.Add(1)
		log.Printf("[Kafka] send failed: topic=%s key=%v err=%v", perr.Msg.Topic, perr.Msg.Key, perr.Err)
	}
}

// ProducerStats 统计
type ProducerStats struct {
	Sent   int64
	Failed int64
}

// Stats 获取统计
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Sent: p.sent.Load(), Failed: p.failed.Load()}
}

// Close 关闭生产者，等待缓冲区刷出
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.producer.Close()
	p.wg.Wait()
	return err
}
