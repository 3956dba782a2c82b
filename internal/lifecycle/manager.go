// Package lifecycle keeps exactly one listener per channel with local members.
//
// Subscribe, Unsubscribe and Disconnect are serialized per channel, so the
// local member set and the running listener never disagree, however quickly
// the same owner joins and leaves.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arloliu/fanout/internal/listener"
	"github.com/arloliu/fanout/internal/logging"
	"github.com/arloliu/fanout/internal/membership"
	"github.com/arloliu/fanout/internal/metrics"
	"github.com/arloliu/fanout/internal/registry"
	"github.com/arloliu/fanout/types"
)

// Config configures the manager and the listeners it creates.
type Config struct {
	// WorkerID identifies this worker in roster entries and consumer names.
	WorkerID string

	// PollBlock, PollCount and RetryBackoff are passed to every listener.
	PollBlock    time.Duration
	PollCount    int
	RetryBackoff time.Duration

	// StopTimeout bounds how long stopping a listener or member loop may take.
	StopTimeout time.Duration
}

// Option configures optional Manager collaborators.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mc types.MetricsCollector) Option {
	return func(m *Manager) { m.metrics = mc }
}

// WithRoster publishes local membership to a cluster-wide roster.
func WithRoster(roster types.Roster) Option {
	return func(m *Manager) { m.roster = roster }
}

// WithErrorHandler sets a callback for recoverable failures.
func WithErrorHandler(fn func(error)) Option {
	return func(m *Manager) { m.onError = fn }
}

// WithTransitionHandler sets a callback for listener state changes. It must
// not block.
func WithTransitionHandler(fn func(channel string, from, to types.ListenerState)) Option {
	return func(m *Manager) { m.onTransition = fn }
}

// Manager starts and stops per-channel listeners as local membership changes.
type Manager struct {
	cfg      Config
	broker   types.Broker
	members  *membership.Table
	registry *registry.Registry
	handler  listener.Handler
	roster   types.Roster

	logger       types.Logger
	metrics      types.MetricsCollector
	onError      func(error)
	onTransition func(channel string, from, to types.ListenerState)

	locks *keyedMutex

	mu        sync.RWMutex
	ctx       context.Context
	stopped   bool
	listeners map[string]*listener.Listener
}

// New creates a manager. Listeners hand every entry they read to handler.
func New(
	cfg Config,
	broker types.Broker,
	members *membership.Table,
	reg *registry.Registry,
	handler listener.Handler,
	opts ...Option,
) *Manager {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	m := &Manager{
		cfg:       cfg,
		broker:    broker,
		members:   members,
		registry:  reg,
		handler:   handler,
		logger:    logging.NewNop(),
		metrics:   metrics.NewNop(),
		locks:     newKeyedMutex(),
		listeners: make(map[string]*listener.Listener),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start binds listeners created from now on to ctx. Listeners outlive the
// requests that create them, so ctx should be the engine's lifetime context.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		return types.ErrAlreadyStarted
	}
	m.ctx = ctx

	return nil
}

// Subscribe adds owner to channel's local members, records it in the roster
// and makes sure the channel's listener polls owner's stream.
//
// Parameters:
//   - ctx: Context for roster calls
//   - channel: Channel to join
//   - owner: Joining owner
//
// Returns:
//   - error: ErrNotStarted before Start, ErrEngineStopped after StopAll
func (m *Manager) Subscribe(ctx context.Context, channel, owner string) error {
	unlock := m.locks.Lock(channel)
	defer unlock()

	runCtx, err := m.runContext()
	if err != nil {
		return err
	}
	if err := m.awaitStopped(ctx, channel); err != nil {
		return fmt.Errorf("subscribe %s to %s: %w", owner, channel, err)
	}

	if m.members.Subscribe(channel, owner) {
		m.logger.Debug("member subscribed", "channel", channel, "owner", owner)
	}
	m.addToRoster(ctx, channel, owner)

	m.mu.RLock()
	l, ok := m.listeners[channel]
	m.mu.RUnlock()

	if ok {
		if err := l.AddMember(owner); err != nil {
			return fmt.Errorf("subscribe %s to %s: %w", owner, channel, err)
		}

		return nil
	}

	l = m.newListener(channel)
	if err := l.AddMember(owner); err != nil {
		return fmt.Errorf("subscribe %s to %s: %w", owner, channel, err)
	}
	if err := l.Start(runCtx); err != nil {
		return fmt.Errorf("start listener %s: %w", channel, err)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		// StopAll ran while the listener was starting.
		_ = l.Stop(ctx)

		return types.ErrEngineStopped
	}
	m.listeners[channel] = l
	count := len(m.listeners)
	m.mu.Unlock()

	m.metrics.SetActiveListeners(count)
	m.logger.Info("listener started", "channel", channel)

	return nil
}

// Unsubscribe removes owner from channel. The last member leaving stops the
// listener and waits for it. Owner's consumer group is destroyed on a best
// effort basis. Unsubscribing a non-member is a no-op.
func (m *Manager) Unsubscribe(ctx context.Context, channel, owner string) error {
	unlock := m.locks.Lock(channel)
	defer unlock()

	return m.unsubscribeLocked(ctx, channel, owner)
}

// awaitStopped waits for a listener of channel that is still stopping and
// unregisters it. It must be called with the channel lock held.
func (m *Manager) awaitStopped(ctx context.Context, channel string) error {
	m.mu.RLock()
	l, ok := m.listeners[channel]
	m.mu.RUnlock()

	if !ok {
		return nil
	}
	if state := l.State(); state != types.ListenerStopping && state != types.ListenerStopped {
		return nil
	}

	select {
	case <-l.Done():
		m.dropListener(channel, l)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("previous listener still stopping: %w", ctx.Err())
	}
}

func (m *Manager) dropListener(channel string, l *listener.Listener) {
	m.mu.Lock()
	if m.listeners[channel] != l {
		m.mu.Unlock()
		return
	}
	delete(m.listeners, channel)
	count := len(m.listeners)
	m.mu.Unlock()

	m.metrics.SetActiveListeners(count)
	m.logger.Info("listener stopped", "channel", channel)
}

// Detach unregisters handle and unsubscribes its owner from the handle's
// channel. Both happen under the channel lock, and the owner stays
// subscribed when a newer connection for the same channel was registered in
// the meantime. Detaching an unknown or replaced handle is a no-op.
func (m *Manager) Detach(ctx context.Context, handle types.Transport) error {
	conn, ok := m.registry.Lookup(handle)
	if !ok {
		return nil
	}

	unlock := m.locks.Lock(conn.Channel)
	defer unlock()

	if _, ok := m.registry.Unregister(handle); !ok {
		return nil
	}
	if _, attached := m.registry.Get(conn.ID); attached {
		m.logger.Debug("connection replaced before detach", "channel", conn.Channel, "owner", conn.Owner)
		return nil
	}

	return m.unsubscribeLocked(ctx, conn.Channel, conn.Owner)
}

func (m *Manager) unsubscribeLocked(ctx context.Context, channel, owner string) error {
	removed, empty := m.members.Unsubscribe(channel, owner)
	if !removed {
		return nil
	}
	m.removeFromRoster(ctx, channel, owner)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StopTimeout)
	defer cancel()

	var err error
	m.mu.RLock()
	l, ok := m.listeners[channel]
	m.mu.RUnlock()

	if ok {
		if empty {
			err = l.Stop(stopCtx)
			if err != nil {
				// stays registered until its handlers return, see awaitStopped
				m.logger.Warn("listener still stopping", "channel", channel, "error", err)
				go func() {
					<-l.Done()
					m.dropListener(channel, l)
				}()
			} else {
				m.dropListener(channel, l)
			}
		} else {
			err = l.RemoveMember(stopCtx, owner)
		}
	}

	if gerr := m.broker.DestroyGroup(stopCtx, types.StreamKey(channel, owner), channel); gerr != nil {
		m.logger.Warn("destroy consumer group failed", "channel", channel, "owner", owner, "error", gerr)
		m.reportError(gerr)
	}

	m.logger.Debug("member unsubscribed", "channel", channel, "owner", owner)

	return err
}

// Disconnect unsubscribes owner from every channel, then unregisters and
// closes its connections.
func (m *Manager) Disconnect(ctx context.Context, owner string) error {
	channels := m.members.ChannelsOf(owner)

	var errs []error
	for _, channel := range channels {
		if err := m.Unsubscribe(ctx, channel, owner); err != nil {
			errs = append(errs, err)
		}
	}
	for _, channel := range channels {
		if conn, ok := m.registry.UnregisterID(types.ConnectionID(channel, owner)); ok {
			_ = conn.Handle.Close()
		}
	}

	m.logger.Info("owner disconnected", "owner", owner, "channels", len(channels))

	return errors.Join(errs...)
}

// StopAll stops every listener and refuses new subscriptions. Roster
// entries and consumer groups are left in place so entries addressed to
// local owners survive until they reconnect.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	listeners := m.listeners
	m.listeners = make(map[string]*listener.Listener)
	m.mu.Unlock()

	var errs []error
	for channel, l := range listeners {
		if err := l.Stop(ctx); err != nil {
			errs = append(errs, err)
			m.logger.Warn("listener did not stop in time", "channel", channel, "error", err)
		}
	}
	m.metrics.SetActiveListeners(0)

	return errors.Join(errs...)
}

// ActiveListeners returns the channels with a running listener, sorted.
func (m *Manager) ActiveListeners() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.listeners))
	for channel := range m.listeners {
		out = append(out, channel)
	}
	sort.Strings(out)

	return out
}

// ListenerState returns the state of channel's listener, or false when none runs.
func (m *Manager) ListenerState(channel string) (types.ListenerState, bool) {
	m.mu.RLock()
	l, ok := m.listeners[channel]
	m.mu.RUnlock()

	if !ok {
		return types.ListenerStopped, false
	}

	return l.State(), true
}

func (m *Manager) runContext() (context.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case m.stopped:
		return nil, types.ErrEngineStopped
	case m.ctx == nil:
		return nil, types.ErrNotStarted
	default:
		return m.ctx, nil
	}
}

func (m *Manager) newListener(channel string) *listener.Listener {
	opts := []listener.Option{
		listener.WithLogger(m.logger),
		listener.WithMetrics(m.metrics),
		listener.WithErrorHandler(m.reportError),
	}
	if m.onTransition != nil {
		opts = append(opts, listener.WithTransitionHandler(func(from, to types.ListenerState) {
			m.onTransition(channel, from, to)
		}))
	}

	return listener.New(listener.Config{
		Channel:      channel,
		WorkerID:     m.cfg.WorkerID,
		PollBlock:    m.cfg.PollBlock,
		PollCount:    m.cfg.PollCount,
		RetryBackoff: m.cfg.RetryBackoff,
	}, m.broker, m.handler, opts...)
}

func (m *Manager) addToRoster(ctx context.Context, channel, owner string) {
	if m.roster == nil {
		return
	}
	if err := m.roster.Add(ctx, channel, owner, m.cfg.WorkerID); err != nil {
		m.logger.Warn("roster add failed", "channel", channel, "owner", owner, "error", err)
		m.reportError(err)
	}
}

func (m *Manager) removeFromRoster(ctx context.Context, channel, owner string) {
	if m.roster == nil {
		return
	}
	if err := m.roster.Remove(ctx, channel, owner, m.cfg.WorkerID); err != nil {
		m.logger.Warn("roster remove failed", "channel", channel, "owner", owner, "error", err)
		m.reportError(err)
	}
}

func (m *Manager) reportError(err error) {
	if m.onError != nil {
		m.onError(err)
	}
}
