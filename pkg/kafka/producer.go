// 文件: pkg/kafka/producer.go
// Kafka 生产者 - 清算轮次与钱包流水事件的出口
//
// 异步发送。事件是结算提交后的尽力而为通知，
// 发送失败只计数并记日志，调用方不重试。

package kafka

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// Message 可发布的事件
// Key 作为分区键: 相同 key 的事件保证投递顺序
// (轮次事件按拍卖分区，流水事件按用户分区)
type Message interface {
	Topic() string
	Key() string
	Value() ([]byte, error)
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers        []string
	RequiredAcks   int // 0=不等待, 1=leader确认, -1=全部确认
	FlushFrequency time.Duration
	FlushMessages  int
	MaxRetries     int
}

// DefaultProducerConfig 通知类事件用 leader 确认就够了
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		RequiredAcks:   1,
		FlushFrequency: 100 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     3,
	}
}

// Producer 异步 Kafka 生产者
type Producer struct {
	producer sarama.AsyncProducer

	sentCount  atomic.Int64
	errorCount atomic.Int64

	closed atomic.Bool
	wg     sync.WaitGroup
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	sc := sarama.NewConfig()
	switch cfg.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Flush.Frequency = cfg.FlushFrequency
	sc.Producer.Flush.Messages = cfg.FlushMessages
	sc.Producer.Retry.Max = cfg.MaxRetries
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := &Producer{producer: producer}
	p.wg.Add(1)
	go p.handleErrors()
	return p, nil
}

// Send 异步发送 (入队即返回)
func (p *Producer) Send(msg Message) error {
	if p.closed.Load() {
		return fmt.Errorf("producer is closed")
	}
	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: msg.Topic(),
		Key:   sarama.StringEncoder(msg.Key()),
		Value: sarama.ByteEncoder(data),
	}
	p.sentCount.Add(1)
	return nil
}

func (p *Producer) handleErrors() {
	defer p.wg.Done()
	for err := range p.producer.Errors() {
		p.errorCount.Add(1)
		log.Printf("[KAFKA] send error: topic=%s err=%v", err.Msg.Topic, err.Err)
	}
}

// ProducerStats 发送统计
type ProducerStats struct {
	SentCount  int64
	ErrorCount int64
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		SentCount:  p.sentCount.Load(),
		ErrorCount: p.errorCount.Load(),
	}
}

// Close 关闭并等待错误通道排空
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.producer.Close()
	p.wg.Wait()
	return err
}
