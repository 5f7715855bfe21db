package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer publishes pipeline messages. A single writer serves every topic;
// each message names its own.
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewProducer(brokers []string, logger *zap.Logger) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  10,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger,
	}
}

// RequestValidation enqueues an order for asynchronous stock validation.
func (p *Producer) RequestValidation(ctx context.Context, orderID string) error {
	req := ValidationRequest{
		PedidoID:  orderID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	return p.publish(ctx, TopicValidationRequests, orderID, req, []kafka.Header{
		{Key: HeaderPedidoID, Value: []byte(orderID)},
	})
}

// PublishVerdict emits the validator's result onto the verdict topic.
func (p *Producer) PublishVerdict(ctx context.Context, verdict ValidationVerdict) error {
	return p.publish(ctx, TopicValidationVerdicts, verdict.PedidoID, verdict, []kafka.Header{
		{Key: HeaderPedidoID, Value: []byte(verdict.PedidoID)},
		{Key: HeaderEsConsistente, Value: []byte(strconv.FormatBool(verdict.EsConsistente))},
	})
}

// PublishDecision routes a decision onto exactly one outcome topic.
func (p *Producer) PublishDecision(ctx context.Context, topic string, decision Decision) error {
	return p.publish(ctx, topic, decision.PedidoID, decision, []kafka.Header{
		{Key: HeaderPedidoID, Value: []byte(decision.PedidoID)},
		{Key: HeaderResultado, Value: []byte(decision.ResultadoValidacion)},
	})
}

func (p *Producer) publish(ctx context.Context, topic, key string, payload any, headers []kafka.Header) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	})
	if err != nil {
		p.logger.Error("failed to publish message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
