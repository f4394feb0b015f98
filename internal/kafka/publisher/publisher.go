// Package publisher exports delivery status events to Kafka.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/zigazaga4/emailer/internal/kafka/producer"
	"github.com/zigazaga4/emailer/internal/models"
)

// ErrNotInitialised is returned by a publisher without a producer.
var ErrNotInitialised = errors.New("kafka publisher: producer not initialised")

// Producer is the part of producer.Producer used here.
type Producer interface {
	Publish(ctx context.Context, records ...producer.Record) error
}

// StatusPublisher writes one JSON record per status event. Records are keyed
// by run key, which keeps a run's events in order on one partition.
type StatusPublisher struct {
	producer Producer
	topic    string
	logger   zerolog.Logger
}

// NewStatusPublisher returns nil for a nil producer; a nil publisher means
// export is off.
func NewStatusPublisher(prod Producer, topic string, logger zerolog.Logger) *StatusPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &StatusPublisher{producer: prod, topic: topic, logger: logger}
}

// PublishStatus implements dispatch.StatusPublisher.
func (p *StatusPublisher) PublishStatus(ctx context.Context, event models.StatusEvent) error {
	if p == nil || p.producer == nil {
		return ErrNotInitialised
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka publisher: encode %s event: %w", event.EventType, err)
	}
	rec := producer.Record{
		Topic: p.topic,
		Key:   event.RunKey,
		Value: value,
		Headers: map[string]string{
			"content-type": "application/json",
			"event-type":   event.EventType,
			"channel":      event.Channel,
			"session-id":   strconv.FormatInt(event.SessionID, 10),
		},
	}
	if err := p.producer.Publish(ctx, rec); err != nil {
		return fmt.Errorf("kafka publisher: %s event for %s: %w", event.EventType, event.MessageID, err)
	}
	p.logger.Debug().Str("run_key", event.RunKey).Str("message_id", event.MessageID).Str("event_type", event.EventType).Msg("status event exported")
	return nil
}
