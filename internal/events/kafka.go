// Package events publishes promo domain events to Kafka.
package events

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/trip-promo/internal/domain/promo"
)

// TypeRedeemed is the event type of a committed redemption.
const TypeRedeemed = "promo.redeemed"

var _ promo.Publisher = (*Publisher)(nil)

// Publisher sends redemption events through a synchronous producer. Messages
// are keyed by promo code id so one code's events stay ordered.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducerConfig returns the sarama configuration used for events.
func NewProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "promo-engine"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Timeout = 5 * time.Second
	return cfg
}

// Dial connects a Publisher to brokers.
func Dial(brokers []string, topic string) (*Publisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	return NewPublisher(producer, topic), nil
}

// NewPublisher wraps an existing producer.
func NewPublisher(producer sarama.SyncProducer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

// PublishRedeemed sends a promo.redeemed event for r.
func (p *Publisher) PublishRedeemed(ctx context.Context, code *promo.Code, r *promo.Redemption) error {
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(r.PromoCodeID.String()),
		Value: sarama.ByteEncoder(EncodeRedeemed(code, r)),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(TypeRedeemed)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return errors.Wrapf(err, "send %s", TypeRedeemed)
	}
	zctx.From(ctx).Debug("Event published",
		zap.String("type", TypeRedeemed),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close flushes and closes the producer.
func (p *Publisher) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// EncodeRedeemed renders the event payload. Amounts are decimal strings in
// major units.
func EncodeRedeemed(code *promo.Code, r *promo.Redemption) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("type")
	e.Str(TypeRedeemed)
	e.FieldStart("redemptionId")
	e.Str(r.ID.String())
	e.FieldStart("promoCodeId")
	e.Str(r.PromoCodeID.String())
	e.FieldStart("code")
	e.Str(code.Code)
	e.FieldStart("userId")
	e.Str(r.UserID)
	e.FieldStart("purchaseAmount")
	e.Str(r.PurchaseAmount.String())
	e.FieldStart("discountApplied")
	e.Str(r.DiscountApplied.String())
	e.FieldStart("redeemedAt")
	e.Str(r.RedeemedAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}

// Ping connects to brokers and fetches metadata once.
func Ping(brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("no brokers configured")
	}
	cfg := sarama.NewConfig()
	cfg.Net.DialTimeout = 3 * time.Second
	cfg.Net.ReadTimeout = 5 * time.Second
	cfg.Metadata.Retry.Max = 1
	cfg.Metadata.Retry.Backoff = 500 * time.Millisecond

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return errors.Wrap(err, "connect kafka")
	}
	return client.Close()
}
