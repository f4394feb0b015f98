// Package dispatch runs bulk sends: one session per run, recipients processed
// strictly in order, each through the retry policy, with every terminal
// outcome written to the ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	common "github.com/zigazaga4/emailer/internal/adapters/common"
	"github.com/zigazaga4/emailer/internal/models"
	"github.com/zigazaga4/emailer/internal/progress"
	"github.com/zigazaga4/emailer/internal/retry"
)

var (
	// ErrValidation is returned before any session exists when the request is
	// unusable.
	ErrValidation = errors.New("dispatch: invalid request")
	// ErrSetup is returned when the transport cannot be initialised. No
	// session is created.
	ErrSetup = errors.New("dispatch: transport setup failed")
	// ErrRunActive is returned when the run key already has an active run.
	ErrRunActive = errors.New("dispatch: run already active")
)

// Config holds the engine settings.
type Config struct {
	Retry             retry.Config
	MaxConcurrentRuns int
	// Senders maps a channel to the sender used when a request leaves From
	// empty. Engine.SetSenders replaces it at runtime.
	Senders map[string]string
}

// Ledger is the durable sink for sessions and delivery logs.
type Ledger interface {
	CreateSession(ctx context.Context, session models.DispatchSession) (*models.DispatchSession, error)
	UpdateSession(ctx context.Context, id int64, update models.SessionUpdate) error
	AppendLog(ctx context.Context, channel string, entry models.DeliveryLogEntry) (*models.DeliveryLogEntry, error)
}

// Validator normalises and checks a message before a run starts.
type Validator interface {
	Validate(spec *models.MessageSpec) error
}

// StatusPublisher exports per recipient lifecycle events.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event models.StatusEvent) error
}

// readier is implemented by adapters that can report setup problems up front.
type readier interface {
	Ready(ctx context.Context) error
}

// channelReadier is the per channel form of readier, implemented by routers.
type channelReadier interface {
	ReadyFor(ctx context.Context, channel string) error
}

// Dependencies collects the collaborators required by the engine.
type Dependencies struct {
	Adapter         common.Adapter
	Ledger          Ledger
	Progress        *progress.Tracker
	Validator       Validator
	StatusPublisher StatusPublisher
	Logger          zerolog.Logger
	Now             func() time.Time
	// Sleep replaces pacing and backoff waits, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Request describes one run.
type Request struct {
	RunKey      string
	Recipients  []models.Recipient
	Message     models.MessageSpec
	Pacing      time.Duration
	SessionName string
	ListID      *int64
	ListName    string
}

// Engine executes dispatch runs. Distinct run keys may run concurrently.
type Engine struct {
	cfg             Config
	adapter         common.Adapter
	ledger          Ledger
	progress        *progress.Tracker
	validator       Validator
	statusPublisher StatusPublisher
	policy          *retry.Policy
	logger          zerolog.Logger
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error

	semaphore *semaphore.Weighted
	senders   atomic.Pointer[map[string]string]

	mu     sync.Mutex
	active map[string]*atomic.Bool
}

// NewEngine constructs an engine. A zero retry config selects the defaults.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Adapter == nil {
		return nil, errors.New("dispatch: adapter dependency is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("dispatch: ledger dependency is required")
	}
	if cfg.MaxConcurrentRuns < 1 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.DefaultConfig()
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "dispatch_engine").Logger()

	tracker := deps.Progress
	if tracker == nil {
		tracker = progress.NewTracker()
	}
	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = wait
	}

	e := &Engine{
		cfg:             cfg,
		adapter:         deps.Adapter,
		ledger:          deps.Ledger,
		progress:        tracker,
		validator:       deps.Validator,
		statusPublisher: deps.StatusPublisher,
		policy:          retry.New(cfg.Retry, retry.WithLogger(logger), retry.WithSleep(sleep)),
		logger:          logger,
		now:             nowFunc,
		sleep:           sleep,
		semaphore:       semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		active:          make(map[string]*atomic.Bool),
	}
	e.SetSenders(cfg.Senders)
	return e, nil
}

// Progress exposes the tracker the engine reports to.
func (e *Engine) Progress() *progress.Tracker { return e.progress }

// Cancel asks the run with runKey to stop after its current recipient. It
// reports whether such a run was active.
func (e *Engine) Cancel(runKey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	flag, ok := e.active[runKey]
	if ok {
		flag.Store(true)
	}
	return ok
}

// Active returns the run keys currently executing.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.active))
	for k := range e.active {
		keys = append(keys, k)
	}
	return keys
}

// Run prepares and executes one dispatch run and returns the final session.
// An empty recipient list is a no-op and returns a nil session. Cancelling
// ctx behaves like Cancel: the in-flight recipient always finishes.
func (e *Engine) Run(ctx context.Context, req Request) (*models.DispatchSession, error) {
	prepared, err := e.Prepare(ctx, req)
	if err != nil || prepared == nil {
		return nil, err
	}
	return prepared.Execute(ctx), nil
}

// PreparedRun is a run that passed validation and the transport check, holds
// its run key and has an in_progress session in the ledger.
type PreparedRun struct {
	run   *run
	once  sync.Once
	final *models.DispatchSession
}

// Session returns the session as created.
func (p *PreparedRun) Session() models.DispatchSession { return *p.run.session }

// RunKey returns the key the run is registered under.
func (p *PreparedRun) RunKey() string { return p.run.req.RunKey }

// Execute waits for a run slot, delivers every recipient and returns the
// final session. The run key is released when it returns. Only the first
// call runs; later calls return the same final session.
func (p *PreparedRun) Execute(ctx context.Context) *models.DispatchSession {
	p.once.Do(func() { p.final = p.run.execute(ctx) })
	return p.final
}

// Prepare does the synchronous part of a run: validation, the transport
// readiness check, run key registration and session creation. Setup errors
// (ErrValidation, ErrSetup, ErrRunActive) are returned here and no session
// exists afterwards. An empty recipient list returns (nil, nil). A non-nil
// PreparedRun must be executed, otherwise its run key stays registered.
func (e *Engine) Prepare(ctx context.Context, req Request) (*PreparedRun, error) {
	if len(req.Recipients) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(req.RunKey) == "" {
		return nil, fmt.Errorf("%w: run key is required", ErrValidation)
	}
	if req.Pacing < 0 {
		return nil, fmt.Errorf("%w: pacing cannot be negative", ErrValidation)
	}

	spec := req.Message
	if spec.From == "" {
		spec.From = e.Sender(spec.Channel)
	}
	if err := e.validate(&spec); err != nil {
		return nil, err
	}

	if err := e.ready(ctx, spec.Channel); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	cancelled, err := e.register(req.RunKey)
	if err != nil {
		return nil, err
	}

	session, err := e.ledger.CreateSession(ctx, models.DispatchSession{
		Channel:       spec.Channel,
		SessionName:   req.SessionName,
		ListID:        req.ListID,
		ListName:      req.ListName,
		TemplateID:    spec.TemplateID,
		TemplateName:  spec.TemplateName,
		Subject:       spec.Summary(),
		FromAddress:   spec.From,
		TotalContacts: len(req.Recipients),
		StartedAt:     e.now().UTC(),
		Status:        models.SessionInProgress,
	})
	if err != nil {
		e.unregister(req.RunKey)
		return nil, fmt.Errorf("dispatch: create session: %w", err)
	}

	return &PreparedRun{run: &run{
		engine:    e,
		req:       req,
		spec:      spec,
		session:   session,
		cancelled: cancelled,
		logger: e.logger.With().
			Str("run_key", req.RunKey).
			Int64("session_id", session.ID).
			Str("channel", spec.Channel).
			Logger(),
	}}, nil
}

// Sender returns the default sender for channel.
func (e *Engine) Sender(channel string) string {
	senders := e.senders.Load()
	if senders == nil {
		return ""
	}
	return (*senders)[strings.ToLower(strings.TrimSpace(channel))]
}

// SetSenders replaces the default senders used by runs prepared from now on,
// typically after a configuration reload. Prepared runs keep their sender.
func (e *Engine) SetSenders(senders map[string]string) {
	copied := make(map[string]string, len(senders))
	for channel, from := range senders {
		copied[strings.ToLower(strings.TrimSpace(channel))] = from
	}
	e.senders.Store(&copied)
}

func (e *Engine) validate(spec *models.MessageSpec) error {
	spec.Channel = strings.ToLower(strings.TrimSpace(spec.Channel))
	switch spec.Channel {
	case models.ChannelEmail:
		if strings.TrimSpace(spec.Subject) == "" {
			return fmt.Errorf("%w: subject is required", ErrValidation)
		}
		if strings.TrimSpace(spec.Body) == "" {
			return fmt.Errorf("%w: body is required", ErrValidation)
		}
	case models.ChannelWhatsApp:
		if strings.TrimSpace(spec.Body) == "" && spec.ContentSID == "" {
			return fmt.Errorf("%w: body or content sid is required", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unsupported channel %q", ErrValidation, spec.Channel)
	}
	if e.validator != nil {
		if err := e.validator.Validate(spec); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

func (e *Engine) ready(ctx context.Context, channel string) error {
	switch r := e.adapter.(type) {
	case channelReadier:
		return r.ReadyFor(ctx, channel)
	case readier:
		return r.Ready(ctx)
	}
	return nil
}

func (e *Engine) register(runKey string) (*atomic.Bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[runKey]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, runKey)
	}
	flag := &atomic.Bool{}
	e.active[runKey] = flag
	return flag, nil
}

func (e *Engine) unregister(runKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runKey)
}

// run is the state of one executing dispatch.
type run struct {
	engine    *Engine
	req       Request
	spec      models.MessageSpec
	session   *models.DispatchSession
	cancelled *atomic.Bool
	logger    zerolog.Logger
}

func (r *run) execute(ctx context.Context) *models.DispatchSession {
	e := r.engine
	key := r.req.RunKey
	defer e.unregister(key)
	// Sends and waits never observe the caller's cancellation; it is only
	// checked between recipients.
	detached := context.WithoutCancel(ctx)

	if err := e.semaphore.Acquire(ctx, 1); err != nil {
		r.logger.Warn().Err(err).Msg("dispatch: run cancelled while waiting for a slot")
		return r.finalize(detached, true)
	}
	defer e.semaphore.Release(1)

	e.progress.Start(key, r.req.ListID, len(r.req.Recipients))
	r.logger.Info().Int("total", len(r.req.Recipients)).Msg("dispatch: run started")

	stopped := false
	for i, recipient := range r.req.Recipients {
		if r.cancelled.Load() || ctx.Err() != nil {
			stopped = true
			break
		}

		e.progress.SetCurrent(key, recipient.ID, i)
		r.deliver(detached, recipient)

		if i < len(r.req.Recipients)-1 && r.req.Pacing > 0 {
			e.progress.StartDelay(key, r.req.Pacing)
			_ = e.sleep(detached, r.req.Pacing)
			e.progress.ClearDelay(key)
		}
	}

	return r.finalize(detached, stopped)
}

func (r *run) deliver(ctx context.Context, recipient models.Recipient) {
	e := r.engine
	key := r.req.RunKey
	msg := r.spec.Render(recipient, uuid.NewString())

	logger := r.logger.With().
		Int64("recipient_id", recipient.ID).
		Str("address", recipient.Address).
		Str("message_id", msg.MessageID).
		Logger()

	base := models.StatusEvent{
		MessageID:   msg.MessageID,
		RunKey:      key,
		SessionID:   r.session.ID,
		Channel:     r.spec.Channel,
		RecipientID: recipient.ID,
		Address:     recipient.Address,
	}

	outcome := e.policy.Send(ctx, e.adapter, msg, retry.Hooks{
		OnAttempt: func(attempt int) {
			ev := base
			ev.EventType = models.StatusEventAttempt
			ev.Attempt = attempt
			r.publish(ctx, ev)
		},
		OnBackoff: func(attempt int, delay time.Duration, err error) {
			e.progress.StartRateLimitRetry(key, delay)
			ev := base
			ev.EventType = models.StatusEventRateLimited
			ev.Attempt = attempt
			ev.RetryInMs = delay.Milliseconds()
			ev.Error = err.Error()
			r.publish(ctx, ev)
		},
		OnBackoffDone: func() {
			e.progress.ClearDelay(key)
		},
	})

	entry := models.DeliveryLogEntry{
		SessionID:    r.session.ID,
		ContactID:    recipient.ID,
		ContactName:  recipient.Name,
		ContactAddr:  recipient.Address,
		Subject:      r.session.Subject,
		TemplateID:   r.spec.TemplateID,
		TemplateName: r.spec.TemplateName,
		FromAddress:  r.spec.From,
		Attempts:     outcome.Attempts,
		ProviderID:   outcome.Response.ProviderID(),
		SentAt:       e.now().UTC(),
	}

	ev := base
	ev.Attempt = outcome.Attempts - 1
	ev.ProviderResponse = outcome.Response
	if outcome.Succeeded() {
		r.session.SuccessfulSends++
		e.progress.MarkCompleted(key, recipient.ID)
		entry.Status = models.DeliverySuccess
		ev.EventType = models.StatusEventSent
		logger.Info().Int("attempts", outcome.Attempts).Msg("dispatch: message sent")
	} else {
		r.session.FailedSends++
		e.progress.MarkFailed(key, recipient.ID)
		entry.Status = models.DeliveryFailed
		entry.ErrorMessage = outcome.Err.Error()
		ev.EventType = models.StatusEventFailed
		ev.Error = entry.ErrorMessage
		logger.Warn().Int("attempts", outcome.Attempts).Err(outcome.Err).Msg("dispatch: message failed")
	}
	r.publish(ctx, ev)

	if _, err := e.ledger.AppendLog(ctx, r.spec.Channel, entry); err != nil {
		logger.Warn().Err(err).Msg("dispatch: failed to append delivery log")
	}
	successful, failed := r.session.SuccessfulSends, r.session.FailedSends
	if err := e.ledger.UpdateSession(ctx, r.session.ID, models.SessionUpdate{
		SuccessfulSends: &successful,
		FailedSends:     &failed,
	}); err != nil {
		logger.Warn().Err(err).Msg("dispatch: failed to persist session counters")
	}
}

func (r *run) finalize(ctx context.Context, stopped bool) *models.DispatchSession {
	e := r.engine
	status := models.SessionCompleted
	if stopped {
		status = models.SessionCancelled
	}
	completedAt := e.now().UTC()
	r.session.Status = status
	r.session.CompletedAt = &completedAt

	successful, failed := r.session.SuccessfulSends, r.session.FailedSends
	if err := e.ledger.UpdateSession(ctx, r.session.ID, models.SessionUpdate{
		SuccessfulSends: &successful,
		FailedSends:     &failed,
		Status:          &status,
		CompletedAt:     &completedAt,
	}); err != nil {
		r.logger.Warn().Err(err).Msg("dispatch: failed to finalize session")
	}
	e.progress.End(r.req.RunKey)

	r.logger.Info().
		Str("status", status).
		Int("successful", successful).
		Int("failed", failed).
		Int("total", r.session.TotalContacts).
		Msg("dispatch: run finished")

	final := *r.session
	return &final
}

func (r *run) publish(ctx context.Context, event models.StatusEvent) {
	e := r.engine
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now().UTC()
	}
	if e.statusPublisher == nil {
		return
	}
	if err := e.statusPublisher.PublishStatus(ctx, event); err != nil {
		r.logger.Error().
			Str("message_id", event.MessageID).
			Str("event", event.EventType).
			Err(err).
			Msg("dispatch: failed to publish status event")
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
