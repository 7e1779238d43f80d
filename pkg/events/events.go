// 文件: pkg/events/events.go
// 事件模块 - 清算与钱包事件的发布
//
// 结算提交后的尽力而为通知，不参与事务。发布失败只记日志，
// 不回滚轮次。Kafka 用于生产，NATS 用于本地开发，都没配则 Nop。

package events

import (
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Vladus-CPU/dbauc2/pkg/kafka"
	"github.com/Vladus-CPU/dbauc2/pkg/nats"
)

const (
	TopicRounds  = "auction.rounds"
	TopicJournal = "wallet.journal"
)

// =============================================================================
// 事件类型
// =============================================================================

// RoundSettled 一轮结算提交后的事件
type RoundSettled struct {
	AuctionID     int64            `json:"auctionId"`
	Product       string           `json:"product"`
	RoundNumber   int              `json:"roundNumber"`
	ClearingPrice *decimal.Decimal `json:"clearingPrice"`
	Volume        decimal.Decimal  `json:"volume"`
	MatchedOrders int              `json:"matchedOrders"`
	ClearedAt     time.Time        `json:"clearedAt"`
}

// 实现 kafka.Message 接口，按拍卖分区保证同一拍卖的轮次顺序
func (e *RoundSettled) Topic() string { return TopicRounds }
func (e *RoundSettled) Key() string   { return strconv.FormatInt(e.AuctionID, 10) }
func (e *RoundSettled) Value() ([]byte, error) {
	return json.Marshal(e)
}

// WalletJournal 钱包流水事件
type WalletJournal struct {
	TxID         int64           `json:"txId"`
	UserID       int64           `json:"userId"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func (e *WalletJournal) Topic() string { return TopicJournal }
func (e *WalletJournal) Key() string   { return strconv.FormatInt(e.UserID, 10) }
func (e *WalletJournal) Value() ([]byte, error) {
	return json.Marshal(e)
}

// =============================================================================
// Sink
// =============================================================================

// Sink 事件出口
type Sink interface {
	PublishRound(e *RoundSettled)
	PublishJournal(e *WalletJournal)
	Close() error
}

// NewSink 按配置选择出口: Kafka > NATS > Nop
func NewSink(kafkaBrokers []string, natsURL string) Sink {
	if len(kafkaBrokers) > 0 {
		sink, err := newKafkaSink(kafkaBrokers)
		if err != nil {
			log.Printf("[EVENTS] kafka sink init failed, falling back: %v", err)
		} else {
			return sink
		}
	}
	if natsURL != "" {
		sink, err := newNATSSink(natsURL)
		if err != nil {
			log.Printf("[EVENTS] nats sink init failed, falling back: %v", err)
		} else {
			return sink
		}
	}
	return NopSink{}
}

// -----------------------------------------------------------------------------
// Kafka
// -----------------------------------------------------------------------------

type kafkaSink struct {
	producer *kafka.Producer
}

func newKafkaSink(brokers []string) (*kafkaSink, error) {
	producer, err := kafka.NewProducer(kafka.DefaultProducerConfig(brokers))
	if err != nil {
		return nil, err
	}
	return &kafkaSink{producer: producer}, nil
}

func (s *kafkaSink) PublishRound(e *RoundSettled) {
	if err := s.producer.Send(e); err != nil {
		log.Printf("[EVENTS] publish round auction #%d: %v", e.AuctionID, err)
	}
}

func (s *kafkaSink) PublishJournal(e *WalletJournal) {
	if err := s.producer.Send(e); err != nil {
		log.Printf("[EVENTS] publish journal tx #%d: %v", e.TxID, err)
	}
}

func (s *kafkaSink) Close() error { return s.producer.Close() }

// -----------------------------------------------------------------------------
// NATS
// -----------------------------------------------------------------------------

type natsSink struct {
	pub *nats.Publisher
}

func newNATSSink(url string) (*natsSink, error) {
	pub, err := nats.NewPublisher(url)
	if err != nil {
		return nil, err
	}
	return &natsSink{pub: pub}, nil
}

func (s *natsSink) PublishRound(e *RoundSettled) {
	if err := s.pub.Publish(TopicRounds, e); err != nil {
		log.Printf("[EVENTS] publish round auction #%d: %v", e.AuctionID, err)
	}
}

func (s *natsSink) PublishJournal(e *WalletJournal) {
	if err := s.pub.Publish(TopicJournal, e); err != nil {
		log.Printf("[EVENTS] publish journal tx #%d: %v", e.TxID, err)
	}
}

func (s *natsSink) Close() error {
	s.pub.Close()
	return nil
}

// -----------------------------------------------------------------------------
// Nop
// -----------------------------------------------------------------------------

// NopSink 未配置消息系统时的空实现
type NopSink struct{}

func (NopSink) PublishRound(*RoundSettled)    {}
func (NopSink) PublishJournal(*WalletJournal) {}
func (NopSink) Close() error                  { return nil }
