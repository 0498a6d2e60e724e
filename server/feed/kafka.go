// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package feed

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"decred.org/cyclesmarket/dex/order"
)

const (
	// DefaultKafkaTopic is the topic trades are written to.
	DefaultKafkaTopic = "cyclesmarket-trades"
	kafkaQueueSize    = 4096
	kafkaMaxBatch     = 100
	kafkaWriteTimeout = 10 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaPublisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher queues trades and writes them to a topic in batches from
// Run. PublishTrade never blocks; a trade is dropped with an error log when
// the queue is full.
type KafkaPublisher struct {
	w     messageWriter
	queue chan kafka.Message
	once  sync.Once
}

// NewKafkaPublisher creates a publisher writing to cfg.Brokers. No
// connection is made until the first write.
func NewKafkaPublisher(cfg *KafkaConfig) *KafkaPublisher {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return newKafkaPublisher(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	})
}

func newKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{
		w:     w,
		queue: make(chan kafka.Message, kafkaQueueSize),
	}
}

// PublishTrade implements market.TradeSink.
func (p *KafkaPublisher) PublishTrade(t *order.TradeLog) {
	b, err := encodeTrade(t)
	if err != nil {
		log.Errorf("Error encoding trade %d: %v", t.ID, err)
		return
	}
	msg := kafka.Message{
		Key:   tradeKey(t.ID),
		Value: b,
		Time:  time.Unix(0, int64(t.Timestamp)),
	}
	select {
	case p.queue <- msg:
	default:
		log.Errorf("Kafka queue full. Dropping trade %d", t.ID)
	}
}

// Run writes queued trades until ctx is canceled, then flushes what remains
// and closes the writer.
func (p *KafkaPublisher) Run(ctx context.Context) {
	defer p.close()
	batch := make([]kafka.Message, 0, kafkaMaxBatch)
	for {
		select {
		case msg := <-p.queue:
			batch = append(batch[:0], msg)
			batch = p.fill(batch)
			p.write(ctx, batch)
		case <-ctx.Done():
			for {
				batch = p.fill(batch[:0])
				if len(batch) == 0 {
					return
				}
				p.write(context.Background(), batch)
			}
		}
	}
}

// fill appends queued messages without blocking.
func (p *KafkaPublisher) fill(batch []kafka.Message) []kafka.Message {
	for len(batch) < kafkaMaxBatch {
		select {
		case msg := <-p.queue:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

func (p *KafkaPublisher) write(ctx context.Context, batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, batch...); err != nil {
		log.Errorf("Error writing %d trades to Kafka: %v", len(batch), err)
	}
}

func (p *KafkaPublisher) close() {
	p.once.Do(func() {
		if err := p.w.Close(); err != nil {
			log.Errorf("Error closing Kafka writer: %v", err)
		}
	})
}
