package events

import (
	"context"
	"time"

	"GigaCrew-Agent/internal/web3"

	"github.com/google/uuid"
)

// Envelope 是投递到队列中的一条链上事件。
type Envelope struct {
	ID         string     `json:"id"`
	Event      web3.Event `json:"event"`
	ObservedAt time.Time  `json:"observed_at"`
}

// NewEnvelope 为事件分配唯一 ID。
func NewEnvelope(event web3.Event) Envelope {
	return Envelope{ID: uuid.NewString(), Event: event, ObservedAt: time.Now()}
}

// Handler 处理来自消息队列的事件。
type Handler func(ctx context.Context, env Envelope) error

// Producer 负责向队列投递事件。
type Producer interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Consumer 负责从队列中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
