package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/trogers1052/venom-governor/internal/models"
)

// TickHandler receives decoded market ticks
type TickHandler func(ctx context.Context, tick models.TickEvent) error

// OutcomeHandler receives decoded signal outcomes
type OutcomeHandler func(ctx context.Context, outcome models.OutcomeEvent) error

// Consumer wraps Sarama consumer group for Kafka consumption
type Consumer struct {
	client         sarama.ConsumerGroup
	tickTopic      string
	outcomeTopic   string
	tickHandler    TickHandler
	outcomeHandler OutcomeHandler
	logger         zerolog.Logger
	ready          chan bool
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, groupID, tickTopic, outcomeTopic string, logger zerolog.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Version = sarama.V2_8_0_0

	client, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &Consumer{
		client:       client,
		tickTopic:    tickTopic,
		outcomeTopic: outcomeTopic,
		logger:       logger.With().Str("component", "kafka_consumer").Logger(),
		ready:        make(chan bool),
	}, nil
}

// SetTickHandler sets the handler for tick events
func (c *Consumer) SetTickHandler(handler TickHandler) {
	c.tickHandler = handler
}

// SetOutcomeHandler sets the handler for outcome events
func (c *Consumer) SetOutcomeHandler(handler OutcomeHandler) {
	c.outcomeHandler = handler
}

func (c *Consumer) topics() []string {
	var topics []string
	if c.tickTopic != "" {
		topics = append(topics, c.tickTopic)
	}
	if c.outcomeTopic != "" {
		topics = append(topics, c.outcomeTopic)
	}
	return topics
}

// Start begins consuming and returns once the first session is set up or ctx ends
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	topics := c.topics()
	if len(topics) == 0 {
		return fmt.Errorf("no topics configured")
	}
	ready := c.ready

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.client.Consume(ctx, topics, handler); err != nil {
				c.logger.Error().Err(err).Msg("error from consumer")
			}

			if ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.logger.Info().Strs("topics", topics).Msg("kafka consumer started and ready")
	return nil
}

// Close stops the consumer gracefully
func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.client.Close()
}

// dispatch decodes one message and hands it to the matching handler.
// Decode failures are returned so the caller can log and skip the message.
func (c *Consumer) dispatch(ctx context.Context, message *sarama.ConsumerMessage) error {
	switch message.Topic {
	case c.tickTopic:
		if c.tickHandler == nil {
			return nil
		}
		var tick models.TickEvent
		if err := json.Unmarshal(message.Value, &tick); err != nil {
			return fmt.Errorf("unmarshal tick event: %w", err)
		}
		return c.tickHandler(ctx, tick)

	case c.outcomeTopic:
		if c.outcomeHandler == nil {
			return nil
		}
		var outcome models.OutcomeEvent
		if err := json.Unmarshal(message.Value, &outcome); err != nil {
			return fmt.Errorf("unmarshal outcome event: %w", err)
		}
		return c.outcomeHandler(ctx, outcome)
	}
	return nil
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := h.consumer.dispatch(session.Context(), message); err != nil {
				h.consumer.logger.Warn().
					Err(err).
					Str("topic", message.Topic).
					Int64("offset", message.Offset).
					Msg("failed to handle message")
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
