package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	common "github.com/zigazaga4/emailer/internal/adapters/common"
	"github.com/zigazaga4/emailer/internal/config"
	"github.com/zigazaga4/emailer/internal/database"
	"github.com/zigazaga4/emailer/internal/dispatch"
	"github.com/zigazaga4/emailer/internal/kafka/producer"
	"github.com/zigazaga4/emailer/internal/kafka/publisher"
	"github.com/zigazaga4/emailer/internal/logger"
	"github.com/zigazaga4/emailer/internal/models"
	"github.com/zigazaga4/emailer/internal/progress"
	"github.com/zigazaga4/emailer/internal/providers/factory"
	"github.com/zigazaga4/emailer/internal/retry"
)

// runtime is an engine with its optional exporters.
type runtime struct {
	engine  *dispatch.Engine
	router  *common.Router
	tracker *progress.Tracker
	redis   *database.Redis
	mirror  *progress.RedisMirror
	kafka   *producer.Producer
}

func providerOptions(cfg *config.Config) []factory.Option {
	return []factory.Option{factory.WithTimeout(cfg.Timeouts.ProviderTimeout())}
}

// buildRuntime wires providers, the retry policy and the optional Redis and
// Kafka exporters around a new engine. Exporters that fail to connect are
// logged and skipped; delivery does not depend on them.
func buildRuntime(ctx context.Context, a *app) (*runtime, error) {
	log := a.log
	rt := &runtime{tracker: progress.NewTracker()}
	rt.router = factory.Router(ctx, a.cfg.Providers, logger.Component(log, "provider"), providerOptions(a.cfg)...)

	var statusPublisher dispatch.StatusPublisher
	if len(a.cfg.Kafka.Brokers) > 0 {
		prod, err := producer.New(a.cfg.Kafka.Brokers, logger.Component(log, "kafka"), producer.WithClientID(a.cfg.Kafka.ClientID))
		if err != nil {
			log.Warn().Err(err).Msg("status export disabled: kafka unavailable")
		} else {
			rt.kafka = prod
			statusPublisher = publisher.NewStatusPublisher(prod, a.cfg.Kafka.StatusTopic, logger.Component(log, "status_publisher"))
		}
	}

	if a.cfg.Redis.Addr != "" {
		rdb, err := database.NewRedis(a.cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("progress mirror disabled: redis unavailable")
		} else {
			rt.redis = rdb
			rt.mirror = progress.NewRedisMirror(rdb, logger.Component(log, "progress_mirror"),
				progress.WithChannel(a.cfg.Redis.ProgressChannel),
				progress.WithTTL(time.Duration(a.cfg.Redis.ProgressTTLSeconds)*time.Second),
			)
		}
	}

	engine, err := dispatch.NewEngine(dispatch.Config{
		Retry: retry.Config{
			MaxRetries: a.cfg.Retry.MaxRetries,
			BaseDelay:  a.cfg.Retry.BaseDelay(),
			MaxDelay:   a.cfg.Retry.MaxDelay(),
			MaxJitter:  retry.DefaultMaxJitter,
		},
		MaxConcurrentRuns: a.cfg.Dispatch.MaxConcurrentRuns,
		Senders:           sendersFor(a.cfg),
	}, dispatch.Dependencies{
		Adapter:         rt.router,
		Ledger:          a.ledger,
		Progress:        rt.tracker,
		Validator:       a.validator,
		StatusPublisher: statusPublisher,
		Logger:          log,
	})
	if err != nil {
		return nil, errors.Join(err, rt.Close())
	}
	rt.engine = engine
	return rt, nil
}

// startMirror copies progress into Redis until ctx ends. It returns a func
// that waits for the final write.
func (rt *runtime) startMirror(ctx context.Context, log zerolog.Logger) func() {
	if rt.mirror == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := rt.mirror.Run(ctx, rt.tracker); err != nil {
			log.Warn().Err(err).Msg("progress mirror stopped")
		}
	}()
	return func() { <-done }
}

func (rt *runtime) Close() error {
	var errs []error
	if rt.kafka != nil {
		errs = append(errs, rt.kafka.Close())
	}
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	return errors.Join(errs...)
}

// sweepIfConfigured closes sessions left in_progress by a crashed process.
func sweepIfConfigured(ctx context.Context, a *app) {
	olderThan := a.cfg.Database.SweepStaleAfter()
	if olderThan <= 0 {
		return
	}
	n, err := a.ledger.SweepStale(ctx, olderThan)
	if err != nil {
		a.log.Warn().Err(err).Msg("stale session sweep failed")
		return
	}
	if n > 0 {
		a.log.Info().Int64("sessions", n).Dur("older_than", olderThan).Msg("stale sessions marked cancelled")
	}
}

// sendersFor maps each channel to the default sender configured for it.
func sendersFor(cfg *config.Config) map[string]string {
	return map[string]string{
		models.ChannelEmail:    cfg.Sender.Address,
		models.ChannelWhatsApp: cfg.Providers.Twilio.WhatsAppFrom,
	}
}
