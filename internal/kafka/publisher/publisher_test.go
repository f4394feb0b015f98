package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/zigazaga4/emailer/internal/kafka/producer"
	"github.com/zigazaga4/emailer/internal/kafka/publisher"
	"github.com/zigazaga4/emailer/internal/models"
)

type producerStub struct {
	records []producer.Record
	err     error
}

func (p *producerStub) Publish(_ context.Context, records ...producer.Record) error {
	p.records = append(p.records, records...)
	return p.err
}

func TestPublishStatus(t *testing.T) {
	stub := &producerStub{}
	pub := publisher.NewStatusPublisher(stub, "emailer.status", zerolog.New(io.Discard))

	event := models.StatusEvent{MessageID: "m-1", RunKey: "run-1", SessionID: 7, Channel: models.ChannelEmail, EventType: models.StatusEventSent}
	if err := pub.PublishStatus(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stub.records) != 1 {
		t.Fatalf("expected one record, got %d", len(stub.records))
	}
	rec := stub.records[0]
	if rec.Topic != "emailer.status" || rec.Key != "run-1" {
		t.Fatalf("unexpected topic/key %q/%q", rec.Topic, rec.Key)
	}
	if rec.Headers["event-type"] != "sent" || rec.Headers["session-id"] != "7" {
		t.Fatalf("unexpected headers %v", rec.Headers)
	}
	var decoded models.StatusEvent
	if err := json.Unmarshal(rec.Value, &decoded); err != nil || decoded.MessageID != "m-1" {
		t.Fatalf("unexpected payload %s", rec.Value)
	}
}

func TestPublishStatusErrors(t *testing.T) {
	stub := &producerStub{err: errors.New("broker down")}
	pub := publisher.NewStatusPublisher(stub, "t", zerolog.Nop())
	if err := pub.PublishStatus(context.Background(), models.StatusEvent{}); err == nil {
		t.Fatalf("expected producer error")
	}

	disabled := publisher.NewStatusPublisher(nil, "t", zerolog.Nop())
	if err := disabled.PublishStatus(context.Background(), models.StatusEvent{}); !errors.Is(err, publisher.ErrNotInitialised) {
		t.Fatalf("expected not initialised, got %v", err)
	}
}
