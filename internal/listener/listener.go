// Package listener runs the per-channel broker poll loops of a worker.
//
// A Listener owns one poll loop per local subscriber of its channel. Each
// loop reads the subscriber's own stream through the channel's consumer group
// and hands every entry to a Handler. Loops survive broker outages: failures
// are logged, reported and retried after a backoff.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arloliu/fanout/internal/logging"
	"github.com/arloliu/fanout/internal/metrics"
	"github.com/arloliu/fanout/types"
)

// Handler processes one broker entry. It must not block for long: the
// member's poll loop waits for it before fetching again.
type Handler func(ctx context.Context, d types.Delivery)

// Config configures a Listener.
type Config struct {
	// Channel is the channel (consumer group) this listener serves.
	Channel string

	// WorkerID identifies the worker in consumer names.
	WorkerID string

	// PollBlock is the maximum time a single poll blocks waiting for entries.
	PollBlock time.Duration

	// PollCount is the maximum number of entries returned by one poll.
	PollCount int

	// RetryBackoff is the pause after a failed poll or group creation.
	RetryBackoff time.Duration
}

func (c *Config) setDefaults() {
	if c.PollBlock <= 0 {
		c.PollBlock = 500 * time.Millisecond
	}
	if c.PollCount <= 0 {
		c.PollCount = 10
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// Option configures optional Listener collaborators.
type Option func(*Listener)

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m types.ListenerMetrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// WithErrorHandler sets a callback for recoverable poll failures.
func WithErrorHandler(fn func(error)) Option {
	return func(l *Listener) { l.onError = fn }
}

// WithTransitionHandler sets a callback invoked on every state change.
//
// The callback runs while the listener lock is held and must not block or
// call back into the listener.
func WithTransitionHandler(fn func(from, to types.ListenerState)) Option {
	return func(l *Listener) { l.onTransition = fn }
}

// Listener polls the broker for all local subscribers of one channel.
type Listener struct {
	cfg     Config
	broker  types.Broker
	handler Handler

	logger       types.Logger
	metrics      types.ListenerMetrics
	onError      func(error)
	onTransition func(from, to types.ListenerState)

	mu       sync.Mutex
	state    types.ListenerState
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
	members  map[string]*member
	stopOnce sync.Once
	done     chan struct{}
}

type member struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a listener in the Starting state. No loop runs until Start.
//
// Parameters:
//   - cfg: Listener configuration; zero durations and counts get defaults
//   - broker: Broker to poll
//   - handler: Called for every entry read
//   - opts: Optional collaborators
//
// Returns:
//   - *Listener: New listener instance
func New(cfg Config, broker types.Broker, handler Handler, opts ...Option) *Listener {
	cfg.setDefaults()

	l := &Listener{
		cfg:     cfg,
		broker:  broker,
		handler: handler,
		logger:  logging.NewNop(),
		metrics: metrics.NewNop(),
		state:   types.ListenerStarting,
		members: make(map[string]*member),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Start launches the poll loops of every member added so far. Members added
// later start immediately.
//
// Returns:
//   - error: ErrListenerAlreadyStarted on a second call, ErrListenerStopped after Stop
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return types.ErrListenerAlreadyStarted
	}
	if l.state != types.ListenerStarting {
		return types.ErrListenerStopped
	}

	l.started = true
	l.ctx, l.cancel = context.WithCancel(ctx)
	for owner, m := range l.members {
		l.launchLocked(owner, m)
	}

	l.logger.Debug("listener started", "channel", l.cfg.Channel, "members", len(l.members))

	return nil
}

// AddMember starts polling the stream addressed to owner. Adding an existing
// member is a no-op.
func (l *Listener) AddMember(owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == types.ListenerStopping || l.state == types.ListenerStopped {
		return types.ErrListenerStopped
	}
	if _, ok := l.members[owner]; ok {
		return nil
	}

	m := &member{done: make(chan struct{})}
	l.members[owner] = m
	if l.started {
		l.launchLocked(owner, m)
	}

	return nil
}

// RemoveMember stops owner's poll loop and waits for it to exit or for ctx
// to expire. Removing an unknown member is a no-op.
func (l *Listener) RemoveMember(ctx context.Context, owner string) error {
	l.mu.Lock()
	m, ok := l.members[owner]
	if ok {
		delete(l.members, owner)
	}
	l.mu.Unlock()

	if !ok || m.cancel == nil {
		return nil
	}

	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("remove member %s: %w", owner, ctx.Err())
	}
}

// Stop cancels every poll loop and waits until all of them have exited or
// ctx expires. Calling Stop again waits on the same shutdown.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state == types.ListenerStarting || l.state == types.ListenerPolling {
		l.transitionLocked(types.ListenerStopping)
	}
	started := l.started
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()

	l.stopOnce.Do(func() {
		if !started {
			l.finish()
			return
		}
		go func() {
			_ = l.group.Wait()
			l.finish()
		}()
	})

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop listener %s: %w", l.cfg.Channel, ctx.Err())
	}
}

func (l *Listener) finish() {
	l.mu.Lock()
	l.transitionLocked(types.ListenerStopped)
	l.members = make(map[string]*member)
	l.mu.Unlock()

	close(l.done)
	l.logger.Debug("listener stopped", "channel", l.cfg.Channel)
}

// State returns the current state.
func (l *Listener) State() types.ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

// Done is closed once the listener reaches Stopped.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Channel returns the channel served by the listener.
func (l *Listener) Channel() string {
	return l.cfg.Channel
}

// Members returns the owners currently polled, sorted.
func (l *Listener) Members() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.members))
	for owner := range l.members {
		out = append(out, owner)
	}
	sort.Strings(out)

	return out
}

func (l *Listener) launchLocked(owner string, m *member) {
	ctx, cancel := context.WithCancel(l.ctx)
	m.cancel = cancel

	l.group.Go(func() error {
		defer close(m.done)
		defer cancel()
		l.run(ctx, owner)

		return nil
	})
}

func (l *Listener) transitionLocked(to types.ListenerState) bool {
	from := l.state
	if !from.CanTransitionTo(to) {
		return false
	}
	l.state = to
	l.metrics.RecordListenerTransition(from, to)
	if l.onTransition != nil {
		l.onTransition(from, to)
	}

	return true
}

func (l *Listener) markPolling() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == types.ListenerStarting {
		l.transitionLocked(types.ListenerPolling)
	}
}

// run is one member's poll loop.
func (l *Listener) run(ctx context.Context, owner string) {
	stream := types.StreamKey(l.cfg.Channel, owner)
	consumer := types.ConsumerName(l.cfg.WorkerID, owner)

	if !l.ensureGroup(ctx, stream) {
		return
	}
	l.markPolling()
	l.logger.Debug("member poll loop started", "channel", l.cfg.Channel, "owner", owner, "stream", stream)

	for ctx.Err() == nil {
		entries, err := l.broker.Poll(ctx, stream, l.cfg.Channel, consumer, l.cfg.PollBlock, l.cfg.PollCount)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if errors.Is(err, types.ErrGroupNotFound) {
				l.metrics.IncrementPollError("group_missing")
				l.logger.Warn("consumer group missing, recreating", "channel", l.cfg.Channel, "stream", stream)
				if !l.ensureGroup(ctx, stream) {
					return
				}

				continue
			}

			l.metrics.IncrementPollError("transient")
			l.logger.Warn("poll failed", "channel", l.cfg.Channel, "stream", stream, "error", err)
			l.reportError(err)
			if !sleep(ctx, l.cfg.RetryBackoff) {
				return
			}

			continue
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}

			d := types.Delivery{Channel: l.cfg.Channel, Stream: stream, Recipient: owner, Entry: entry}
			if !l.dispatch(ctx, d) && !sleep(ctx, l.cfg.RetryBackoff) {
				return
			}
		}
	}
}

// ensureGroup retries CreateGroup until it succeeds or ctx ends.
func (l *Listener) ensureGroup(ctx context.Context, stream string) bool {
	for {
		err := l.broker.CreateGroup(ctx, stream, l.cfg.Channel)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		l.logger.Warn("create consumer group failed", "channel", l.cfg.Channel, "stream", stream, "error", err)
		l.reportError(err)
		if !sleep(ctx, l.cfg.RetryBackoff) {
			return false
		}
	}
}

// dispatch runs the handler, converting a panic into a logged poll error.
func (l *Listener) dispatch(ctx context.Context, d types.Delivery) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.IncrementPollError("panic")
			l.logger.Error("delivery handler panicked",
				"channel", d.Channel, "stream", d.Stream, "entry", d.Entry.ID, "panic", r)
			l.reportError(fmt.Errorf("listener %s: handler panic: %v", d.Channel, r))
			ok = false
		}
	}()

	l.handler(ctx, d)

	return true
}

func (l *Listener) reportError(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
