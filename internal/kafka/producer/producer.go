// Package producer wraps a Sarama sync producer used to export delivery
// status events.
package producer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// Record is one Kafka message. Key may be empty.
type Record struct {
	Topic   string
	Key     string
	Headers map[string]string
	Value   []byte
}

func (r Record) message() (*sarama.ProducerMessage, error) {
	if r.Topic == "" {
		return nil, errors.New("kafka producer: topic is required")
	}
	msg := &sarama.ProducerMessage{Topic: r.Topic, Value: sarama.ByteEncoder(r.Value)}
	if r.Key != "" {
		msg.Key = sarama.StringEncoder(r.Key)
	}
	for k, v := range r.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return msg, nil
}

// Option adjusts the Sarama config before the client is created.
type Option func(*sarama.Config)

// WithClientID sets the Kafka client id.
func WithClientID(id string) Option {
	return func(c *sarama.Config) {
		if id != "" {
			c.ClientID = id
		}
	}
}

// WithMetadataRefresh sets how often broker metadata, and so IsReady, is
// refreshed.
func WithMetadataRefresh(every time.Duration) Option {
	return func(c *sarama.Config) {
		if every > 0 {
			c.Metadata.RefreshFrequency = every
		}
	}
}

// Producer publishes records synchronously and tracks whether the brokers are
// reachable.
type Producer struct {
	logger zerolog.Logger
	client sarama.Client
	sync   sarama.SyncProducer
	ready  atomic.Bool

	stop    context.CancelFunc
	stopped chan struct{}
	closed  atomic.Bool
}

// New connects to brokers. Readiness follows the periodic metadata refresh
// as well as the outcome of each publish.
func New(brokers []string, logger zerolog.Logger, opts ...Option) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}
	cfg := Config()
	cfg.ClientID = "emailer"
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: connect: %w", err)
	}
	sp, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka producer: sync producer: %w", err)
	}

	p := wrap(sp, client, logger)
	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	p.stopped = make(chan struct{})
	p.refresh()
	go p.watch(ctx, cfg.Metadata.RefreshFrequency)
	return p, nil
}

// NewFromSyncProducer wraps sp without a client; readiness then only follows
// publish outcomes.
func NewFromSyncProducer(sp sarama.SyncProducer, logger zerolog.Logger) *Producer {
	return wrap(sp, nil, logger)
}

func wrap(sp sarama.SyncProducer, client sarama.Client, logger zerolog.Logger) *Producer {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	p := &Producer{logger: logger, client: client, sync: sp}
	p.ready.Store(true)
	return p
}

// Publish sends records and waits for every acknowledgement. More than one
// record goes out as a single batch.
func (p *Producer) Publish(ctx context.Context, records ...Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(records))
	for _, r := range records {
		msg, err := r.message()
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	var err error
	switch len(msgs) {
	case 0:
		return nil
	case 1:
		_, _, err = p.sync.SendMessage(msgs[0])
	default:
		err = p.sync.SendMessages(msgs)
	}
	p.ready.Store(err == nil)
	if err != nil {
		return fmt.Errorf("kafka producer: send: %w", err)
	}
	for _, m := range msgs {
		p.logger.Debug().Str("topic", m.Topic).Int32("partition", m.Partition).Int64("offset", m.Offset).Msg("kafka record published")
	}
	return nil
}

// IsReady reports whether the last publish or metadata refresh succeeded.
func (p *Producer) IsReady() bool { return p.ready.Load() }

// Close stops the metadata watcher and releases the producer and client.
// Calling it twice is a no-op.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.stop != nil {
		p.stop()
		<-p.stopped
	}
	err := p.sync.Close()
	if p.client != nil && !p.client.Closed() {
		err = errors.Join(err, p.client.Close())
	}
	return err
}

func (p *Producer) watch(ctx context.Context, every time.Duration) {
	defer close(p.stopped)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh()
		}
	}
}

func (p *Producer) refresh() {
	err := p.client.RefreshMetadata()
	if err != nil {
		p.logger.Warn().Err(err).Msg("kafka metadata refresh failed")
	}
	p.ready.Store(err == nil)
}

// Config is the base producer configuration: all-replica acks, idempotent
// writes and successes returned to SendMessage.
func Config() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Metadata.Full = false
	cfg.Metadata.RefreshFrequency = 30 * time.Second
	return cfg
}
