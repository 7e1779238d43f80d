// 文件: pkg/nats/publisher.go
// NATS 发布者 - 本地开发时替代 Kafka 的轻量事件出口

package nats

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Publisher NATS 发布者
type Publisher struct {
	conn *nats.Conn
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Publisher{conn: conn}, nil
}

// Publish JSON 序列化后发布到 subject
func (p *Publisher) Publish(subject string, data any) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject, bytes)
}

// Close 关闭连接
func (p *Publisher) Close() {
	p.conn.Close()
}
