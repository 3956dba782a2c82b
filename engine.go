package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/arloliu/fanout/broker"
	"github.com/arloliu/fanout/internal/heartbeat"
	"github.com/arloliu/fanout/internal/hooks"
	"github.com/arloliu/fanout/internal/lifecycle"
	"github.com/arloliu/fanout/internal/logging"
	"github.com/arloliu/fanout/internal/membership"
	"github.com/arloliu/fanout/internal/metrics"
	"github.com/arloliu/fanout/internal/registry"
	"github.com/arloliu/fanout/internal/router"
	"github.com/arloliu/fanout/types"
)

// PublishResult summarizes how a published message reached its recipients.
type PublishResult = router.Result

// provisioner is implemented by brokers and rosters that create their NATS
// resources up front.
type provisioner interface {
	Provision(ctx context.Context) error
}

// closer is implemented by rosters that hold a watch open between calls.
type closer interface {
	Close() error
}

// refresher is implemented by rosters whose entries expire unless rewritten.
type refresher interface {
	heartbeat.Refresher
	RefreshInterval() time.Duration
}

// Engine fans channel messages out to subscribers spread over many workers.
//
// Subscribers attached to this worker are written to directly. Subscribers
// attached elsewhere, or whose connection rejected a write, receive the
// message through their own broker stream, which the worker holding their
// connection polls.
//
// Thread Safety:
//   - All methods are safe for concurrent use
//   - Lifecycle changes of one channel are serialized
type Engine struct {
	cfg      Config
	workerID string

	broker  types.Broker
	roster  types.Roster
	hooks   *types.Hooks
	metrics types.MetricsCollector
	logger  types.Logger

	registry  *registry.Registry
	members   *membership.Table
	router    *router.Router
	lifecycle *lifecycle.Manager
	heartbeat *heartbeat.Publisher

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// New creates an engine.
//
// With a NATS connection the engine uses a JetStream broker and KV roster
// unless WithBroker or WithRoster override them. Without one, a broker must
// be injected; the roster is then optional and the engine only addresses
// members registered on this worker.
//
// Parameters:
//   - cfg: Configuration (defaults are applied in place)
//   - conn: NATS connection, may be nil when WithBroker is given
//   - opts: Optional broker, roster, hooks, metrics and logger
//
// Returns:
//   - *Engine: Initialized engine instance
//   - error: ErrInvalidConfig or ErrNATSConnectionRequired
//
// Example:
//
//	cfg := fanout.DefaultConfig()
//	engine, err := fanout.New(&cfg, nc, fanout.WithLogger(logger))
func New(cfg *Config, conn *nats.Conn, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}

	SetDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	options := &engineOptions{}
	for _, opt := range opts {
		opt(options)
	}

	metricsCollector := options.metrics
	if metricsCollector == nil {
		metricsCollector = metrics.NewNop()
	}

	loggerInstance := options.logger
	if loggerInstance == nil {
		loggerInstance = logging.NewNop()
	}

	cfg.ValidateWithWarnings(loggerInstance)

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}

	brokerInstance := options.broker
	if brokerInstance == nil {
		if conn == nil {
			return nil, ErrNATSConnectionRequired
		}

		js, err := broker.NewJetStream(conn, cfg.brokerConfig(),
			broker.WithLogger(loggerInstance), broker.WithMetrics(metricsCollector))
		if err != nil {
			return nil, err
		}
		brokerInstance = js
	}

	var rosterInstance types.Roster
	if !cfg.Roster.Disabled {
		rosterInstance = options.roster
		if rosterInstance == nil && conn != nil {
			kv, err := broker.NewRoster(conn, cfg.rosterConfig(), broker.WithLogger(loggerInstance))
			if err != nil {
				return nil, err
			}
			rosterInstance = kv
		}
	}

	e := &Engine{
		cfg:      *cfg,
		workerID: workerID,
		broker:   brokerInstance,
		roster:   rosterInstance,
		hooks:    hooks.WithDefaults(options.hooks),
		metrics:  metricsCollector,
		logger:   loggerInstance,
		registry: registry.New(metricsCollector),
		members:  membership.New(),
	}

	routerOpts := []router.Option{
		router.WithLogger(loggerInstance),
		router.WithMetrics(metricsCollector),
		router.WithStaleHandler(e.evictStale),
		router.WithErrorHandler(e.reportError),
	}
	lifecycleOpts := []lifecycle.Option{
		lifecycle.WithLogger(loggerInstance),
		lifecycle.WithMetrics(metricsCollector),
		lifecycle.WithErrorHandler(e.reportError),
		lifecycle.WithTransitionHandler(e.onListenerTransition),
	}
	if rosterInstance != nil {
		routerOpts = append(routerOpts, router.WithRoster(rosterInstance))
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithRoster(rosterInstance))
	}

	e.router = router.New(router.Config{
		WorkerID:          workerID,
		OperationTimeout:  cfg.Delivery.OperationTimeout,
		MaxRetries:        cfg.Delivery.MaxRetries,
		RetryBackoff:      cfg.Delivery.RetryBackoff,
		MaxRetryBackoff:   cfg.Delivery.MaxRetryBackoff,
		DeferredQueueSize: cfg.Delivery.DeferredQueueSize,
	}, e.registry, e.members, brokerInstance, routerOpts...)

	e.lifecycle = lifecycle.New(lifecycle.Config{
		WorkerID:     workerID,
		PollBlock:    cfg.Listener.PollBlock,
		PollCount:    cfg.Listener.PollCount,
		RetryBackoff: cfg.Listener.RetryBackoff,
		StopTimeout:  cfg.Listener.StopTimeout,
	}, brokerInstance, e.members, e.registry, e.router.OnBrokerMessage, lifecycleOpts...)

	return e, nil
}

// Start provisions broker resources and starts background delivery.
//
// Listeners started later are bound to the engine's own lifetime, not to ctx.
//
// Parameters:
//   - ctx: Context bounding provisioning
//
// Returns:
//   - error: ErrAlreadyStarted, ErrEngineStopped or a provisioning error
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}
	if e.ctx != nil {
		return ErrAlreadyStarted
	}

	if p, ok := e.broker.(provisioner); ok {
		if err := p.Provision(ctx); err != nil {
			return fmt.Errorf("failed to provision broker: %w", err)
		}
	}
	if p, ok := e.roster.(provisioner); ok {
		if err := p.Provision(ctx); err != nil {
			return fmt.Errorf("failed to provision roster: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())

	if err := e.router.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := e.lifecycle.Start(runCtx); err != nil {
		cancel()
		_ = e.router.Stop(ctx)

		return err
	}

	if r, ok := e.roster.(refresher); ok && r.RefreshInterval() > 0 {
		e.heartbeat = heartbeat.New(r, r.RefreshInterval(), e.logger)
		e.heartbeat.SetErrorHandler(e.reportError)
		if err := e.heartbeat.Start(runCtx); err != nil {
			e.logger.Warn("roster refresh not started", "error", err)
		}
	}

	e.ctx, e.cancel = runCtx, cancel
	e.logger.Info("engine started", "worker_id", e.workerID)

	return nil
}

// Stop stops every listener and background retry, waiting at most until ctx
// or ShutdownTimeout expires.
//
// Roster entries and consumer groups are left in place so messages sent to
// this worker's owners while it restarts are kept for them.
//
// Returns:
//   - error: ErrNotStarted if never started or already stopped, else shutdown errors
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.ctx == nil || e.stopped {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()

	stopCtx, stopCancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
	defer stopCancel()

	var errs []error
	if err := e.lifecycle.StopAll(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("listener stop failed: %w", err))
	}
	if err := e.router.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("deferred delivery stop failed: %w", err))
	}
	if e.heartbeat != nil {
		if err := e.heartbeat.Stop(); err != nil && !errors.Is(err, heartbeat.ErrNotStarted) {
			errs = append(errs, fmt.Errorf("roster refresh stop failed: %w", err))
		}
	}
	if c, ok := e.roster.(closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("roster close failed: %w", err))
		}
	}

	cancel()

	if err := errors.Join(errs...); err != nil {
		e.logger.Error("engine stopped with errors", "error", err)
		return err
	}
	e.logger.Info("engine stopped", "worker_id", e.workerID)

	return nil
}

// Connect attaches a client connection for owner on channel and subscribes
// owner to channel.
//
// A connection already attached for the same (channel, owner) is replaced
// and closed.
//
// Parameters:
//   - ctx: Context for roster calls
//   - channel: Channel the connection subscribes to
//   - owner: Stable identity of the client
//   - handle: Transport used for local delivery
//
// Returns:
//   - error: Validation or lifecycle error; the connection is not attached on error
func (e *Engine) Connect(ctx context.Context, channel, owner string, handle Transport) error {
	if err := validate(channel, owner); err != nil {
		return err
	}
	if handle == nil {
		return ErrTransportRequired
	}

	conn := types.Connection{
		ID:      types.ConnectionID(channel, owner),
		Channel: channel,
		Owner:   owner,
		Handle:  handle,
	}
	if replaced := e.registry.Register(conn); replaced != nil {
		e.logger.Debug("replaced connection", "channel", channel, "owner", owner)
		_ = replaced.Close()
	}

	if err := e.lifecycle.Subscribe(ctx, channel, owner); err != nil {
		e.registry.Unregister(handle)
		return err
	}

	return nil
}

// Detach removes a connection whose client went away and unsubscribes its
// owner from the connection's channel. The handle is not closed.
//
// Detaching a handle that was replaced or already evicted is a no-op.
func (e *Engine) Detach(ctx context.Context, handle Transport) error {
	return e.lifecycle.Detach(ctx, handle)
}

// Subscribe adds owner to channel's members. The owner must already have a
// connection attached for channel, see Connect.
//
// Returns:
//   - error: ErrTransportRequired without a connection, ErrNotStarted, ErrEngineStopped
func (e *Engine) Subscribe(ctx context.Context, channel, owner string) error {
	if err := validate(channel, owner); err != nil {
		return err
	}
	if _, ok := e.registry.Get(types.ConnectionID(channel, owner)); !ok {
		return ErrTransportRequired
	}

	return e.lifecycle.Subscribe(ctx, channel, owner)
}

// Unsubscribe removes owner from channel and closes owner's connection on
// channel. Unsubscribing a non-member is a no-op.
func (e *Engine) Unsubscribe(ctx context.Context, channel, owner string) error {
	if err := validate(channel, owner); err != nil {
		return err
	}

	err := e.lifecycle.Unsubscribe(ctx, channel, owner)
	e.dropConnection(channel, owner)

	return err
}

// Disconnect unsubscribes owner from every channel and closes its connections.
func (e *Engine) Disconnect(ctx context.Context, owner string) error {
	if owner == "" {
		return ErrInvalidOwner
	}

	return e.lifecycle.Disconnect(ctx, owner)
}

// Publish delivers payload to every member of channel except sender.
//
// Parameters:
//   - ctx: Context for broker calls
//   - sender: Owner ID of the publisher, never addressed; may be empty
//   - channel: Target channel
//   - payload: Opaque, already-serialized message
//
// Returns:
//   - PublishResult: Per-path recipient counts
//   - error: ErrInvalidChannel, ErrNotStarted or ErrEngineStopped
func (e *Engine) Publish(ctx context.Context, sender, channel, payload string) (PublishResult, error) {
	if channel == "" {
		return PublishResult{}, ErrInvalidChannel
	}

	e.mu.RLock()
	started, stopped := e.ctx != nil, e.stopped
	e.mu.RUnlock()

	switch {
	case stopped:
		return PublishResult{}, ErrEngineStopped
	case !started:
		return PublishResult{}, ErrNotStarted
	}

	return e.router.Publish(ctx, sender, channel, payload), nil
}

// RosterMembers lists channel's members across all workers. Without a
// roster only local members are returned.
func (e *Engine) RosterMembers(ctx context.Context, channel string) ([]RosterEntry, error) {
	if channel == "" {
		return nil, ErrInvalidChannel
	}

	if e.roster != nil {
		return e.roster.Members(ctx, channel)
	}

	owners := e.members.MembersOf(channel)
	out := make([]RosterEntry, 0, len(owners))
	for _, owner := range owners {
		out = append(out, RosterEntry{Channel: channel, Owner: owner, WorkerID: e.workerID})
	}

	return out, nil
}

// ActiveListeners returns the channels with a running listener, sorted.
func (e *Engine) ActiveListeners() []string {
	return e.lifecycle.ActiveListeners()
}

// ListenerState returns the state of channel's listener and whether one runs.
func (e *Engine) ListenerState(channel string) (ListenerState, bool) {
	return e.lifecycle.ListenerState(channel)
}

// MembersOf returns the owners subscribed to channel on this worker, sorted.
func (e *Engine) MembersOf(channel string) []string {
	return e.members.MembersOf(channel)
}

// ChannelsOf returns the channels owner is subscribed to on this worker, sorted.
func (e *Engine) ChannelsOf(owner string) []string {
	return e.members.ChannelsOf(owner)
}

// LocalConnections returns the number of attached connections.
func (e *Engine) LocalConnections() int {
	return e.registry.Len()
}

// DeferredForwards returns the number of forwards waiting for background retry.
func (e *Engine) DeferredForwards() int {
	return e.router.DeferredDepth()
}

// WorkerID returns the identifier of this worker.
func (e *Engine) WorkerID() string {
	return e.workerID
}

// evictStale drops a member whose connection rejected a write.
func (e *Engine) evictStale(ctx context.Context, channel, owner string) {
	if err := e.lifecycle.Unsubscribe(ctx, channel, owner); err != nil {
		e.logger.Warn("stale member eviction incomplete", "channel", channel, "owner", owner, "error", err)
	}
	e.dropConnection(channel, owner)
}

func (e *Engine) dropConnection(channel, owner string) {
	if conn, ok := e.registry.UnregisterID(types.ConnectionID(channel, owner)); ok {
		_ = conn.Handle.Close()
	}
}

func (e *Engine) lifetime() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.ctx == nil {
		return context.Background()
	}

	return e.ctx
}

func (e *Engine) reportError(err error) {
	ctx := e.lifetime()
	go func() {
		if herr := e.hooks.OnError(ctx, err); herr != nil {
			e.logger.Error("OnError hook failed", "error", herr)
		}
	}()
}

func (e *Engine) onListenerTransition(channel string, from, to ListenerState) {
	e.logger.Debug("listener state changed", "channel", channel, "from", from.String(), "to", to.String())

	ctx := e.lifetime()
	go func() {
		if err := e.hooks.OnListenerStateChanged(ctx, channel, from, to); err != nil {
			e.logger.Error("OnListenerStateChanged hook failed", "channel", channel, "error", err)
		}
	}()
}

func validate(channel, owner string) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	if owner == "" {
		return ErrInvalidOwner
	}

	return nil
}
