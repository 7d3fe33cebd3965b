package kafka

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trogers1052/venom-governor/internal/models"
)

// LifecycleSchemaVersion tags every published lifecycle event
const LifecycleSchemaVersion = "1"

// DefaultQueueSize bounds the entries waiting to be published
const DefaultQueueSize = 1024

// Producer publishes truth ledger entries to the lifecycle topic. Ledger
// subscribers enqueue; a single goroutine drains the queue to the broker.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	source   string
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	closed    bool
	queue     chan models.SignalTruthEntry
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewProducer connects a synchronous producer to brokers
func NewProducer(brokers []string, topic, source string, logger zerolog.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Version = sarama.V2_8_0_0

	sp, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create sync producer: %w", err)
	}
	return NewProducerWith(sp, topic, source, logger), nil
}

// NewProducerWith wraps an existing sarama producer and starts draining
func NewProducerWith(sp sarama.SyncProducer, topic, source string, logger zerolog.Logger) *Producer {
	p := newProducer(sp, topic, source, logger, DefaultQueueSize)
	p.start()
	return p
}

func newProducer(sp sarama.SyncProducer, topic, source string, logger zerolog.Logger, queueSize int) *Producer {
	return &Producer{
		producer: sp,
		topic:    topic,
		source:   source,
		logger:   logger.With().Str("component", "kafka_producer").Logger(),
		now:      time.Now,
		queue:    make(chan models.SignalTruthEntry, queueSize),
	}
}

func (p *Producer) start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for entry := range p.queue {
			if err := p.Publish(entry); err != nil {
				p.logger.Warn().Err(err).Str("signal_id", entry.SignalID).Msg("lifecycle publish failed")
			}
		}
	}()
}

// Publish sends one ledger entry keyed by signal ID so a signal's events
// stay ordered on one partition
func (p *Producer) Publish(entry models.SignalTruthEntry) error {
	event := models.LifecycleEvent{
		EventType:     "signal." + string(entry.Status),
		Source:        p.source,
		SchemaVersion: LifecycleSchemaVersion,
		Timestamp:     p.now().UTC(),
		Data:          entry,
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(entry.SignalID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-id"), Value: []byte(uuid.NewString())},
			{Key: []byte("event-type"), Value: []byte(event.EventType)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send lifecycle event: %w", err)
	}
	p.logger.Debug().
		Str("signal_id", entry.SignalID).
		Str("event_type", event.EventType).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("lifecycle event published")
	return nil
}

// HandleLedgerEntry queues entry without waiting on the broker. When the
// queue is full the entry is dropped; the ledger file remains the record.
func (p *Producer) HandleLedgerEntry(entry models.SignalTruthEntry) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn().Str("signal_id", entry.SignalID).Msg("producer closed, lifecycle event dropped")
		return
	}
	select {
	case p.queue <- entry:
	default:
		p.logger.Warn().Str("signal_id", entry.SignalID).Msg("lifecycle queue full, event dropped")
	}
}

// Close drains the queue and closes the producer
func (p *Producer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		p.wg.Wait()
		p.closeErr = p.producer.Close()
	})
	return p.closeErr
}
