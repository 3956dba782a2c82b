// Package router decides how a published message reaches each recipient.
//
// Recipients connected to this worker are written to directly. Every other
// recipient, including local ones whose transport rejected the write, gets
// exactly one broker append on its own stream, to be delivered by whichever
// worker holds its connection.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/fanout/internal/backoff"
	"github.com/arloliu/fanout/internal/logging"
	"github.com/arloliu/fanout/internal/membership"
	"github.com/arloliu/fanout/internal/metrics"
	"github.com/arloliu/fanout/internal/natsutil"
	"github.com/arloliu/fanout/internal/registry"
	"github.com/arloliu/fanout/types"
)

// Config configures broker retry and the deferred forward queue.
type Config struct {
	// WorkerID identifies this worker in roster entries.
	WorkerID string

	// OperationTimeout bounds a single broker call attempt.
	OperationTimeout time.Duration

	// MaxRetries is the retry budget of a broker call after its first attempt.
	MaxRetries int

	// RetryBackoff is the base delay between attempts.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the delay between attempts.
	MaxRetryBackoff time.Duration

	// DeferredQueueSize bounds forwards waiting for background retry.
	DeferredQueueSize int
}

func (c *Config) setDefaults() {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 2 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = c.RetryBackoff
	}
	if c.DeferredQueueSize <= 0 {
		c.DeferredQueueSize = 1024
	}
}

// Result summarizes one Publish call.
type Result struct {
	// Local counts recipients written to directly.
	Local int

	// Forwarded counts broker appends that succeeded.
	Forwarded int

	// Deferred counts forwards queued for background retry, including a
	// pending roster lookup.
	Deferred int

	// Failed counts forwards given up on: non-transient broker errors or a
	// full deferred queue.
	Failed int
}

// Option configures optional Router collaborators.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m types.MetricsCollector) Option {
	return func(r *Router) { r.metrics = m }
}

// WithRoster adds cluster-wide membership so members connected to other
// workers are addressed too.
func WithRoster(roster types.Roster) Option {
	return func(r *Router) { r.roster = roster }
}

// WithStaleHandler sets the eviction callback for members whose transport
// rejected a write. Without it the router only drops them from membership
// and the registry.
func WithStaleHandler(fn func(ctx context.Context, channel, owner string)) Option {
	return func(r *Router) { r.onStale = fn }
}

// WithErrorHandler sets a callback for recoverable failures.
func WithErrorHandler(fn func(error)) Option {
	return func(r *Router) { r.onError = fn }
}

// Router routes published messages and inbound broker entries.
type Router struct {
	cfg      Config
	policy   backoff.Policy
	registry *registry.Registry
	members  *membership.Table
	broker   types.Broker
	roster   types.Roster

	logger  types.Logger
	metrics types.MetricsCollector
	onStale func(ctx context.Context, channel, owner string)
	onError func(error)

	deferred chan forward

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a router.
//
// Parameters:
//   - cfg: Retry and queue configuration; zero values get defaults
//   - reg: Local connection registry
//   - members: Local membership table
//   - broker: Broker used for forwards and settlement
//   - opts: Optional collaborators
//
// Returns:
//   - *Router: New router; call Start to run the deferred queue
func New(cfg Config, reg *registry.Registry, members *membership.Table, broker types.Broker, opts ...Option) *Router {
	cfg.setDefaults()

	r := &Router{
		cfg:      cfg,
		registry: reg,
		members:  members,
		broker:   broker,
		logger:   logging.NewNop(),
		metrics:  metrics.NewNop(),
		deferred: make(chan forward, cfg.DeferredQueueSize),
		policy: backoff.Policy{
			MaxRetries:     cfg.MaxRetries,
			Base:           cfg.RetryBackoff,
			Cap:            cfg.MaxRetryBackoff,
			Multiplier:     3,
			AttemptTimeout: cfg.OperationTimeout,
		},
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Publish delivers payload to every member of channel except sender.
//
// Local members are written to directly. Members that are not reachable
// locally get one append each on their own stream. Broker failures never
// surface here: they are retried, deferred or counted in Result.Failed.
func (r *Router) Publish(ctx context.Context, sender, channel, payload string) Result {
	var res Result

	handled := make(map[string]struct{})
	var unreachable []string

	for _, owner := range r.members.MembersOf(channel) {
		if owner == sender {
			continue
		}
		handled[owner] = struct{}{}

		if r.deliverLocal(ctx, channel, owner, payload) {
			res.Local++
			continue
		}

		r.evict(ctx, channel, owner, "publish")
		unreachable = append(unreachable, owner)
	}

	if r.roster != nil {
		remote, err := r.remoteMembers(ctx, channel, sender, handled)
		if err != nil {
			r.logger.Warn("roster lookup failed, deferring remote fan-out",
				"channel", channel, "sender", sender, "error", err)
			r.reportError(err)
			r.tally(&res, r.enqueue(forward{
				channel: channel,
				sender:  sender,
				payload: payload,
				skip:    handled,
			}))
		}
		unreachable = append(unreachable, remote...)
	}

	for _, owner := range unreachable {
		r.tally(&res, r.forward(ctx, forward{
			channel:   channel,
			recipient: owner,
			sender:    sender,
			payload:   payload,
		}))
	}

	r.metrics.RecordPublish(res.outcome())

	return res
}

func (res Result) outcome() string {
	switch {
	case res.Failed > 0:
		return "failed"
	case res.Deferred > 0:
		return "deferred"
	case res.Forwarded > 0:
		return "forwarded"
	case res.Local > 0:
		return "local"
	default:
		return "empty"
	}
}

// remoteMembers returns roster members held by other workers that were not
// already handled locally.
func (r *Router) remoteMembers(ctx context.Context, channel, sender string, handled map[string]struct{}) ([]string, error) {
	entries, err := r.roster.Members(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("roster members %s: %w", channel, err)
	}

	var out []string
	for _, e := range entries {
		if e.Owner == sender || e.WorkerID == r.cfg.WorkerID {
			continue
		}
		if _, ok := handled[e.Owner]; ok {
			continue
		}
		handled[e.Owner] = struct{}{}
		out = append(out, e.Owner)
	}

	return out, nil
}

// OnBrokerMessage handles one entry read by a listener.
//
// The entry is written to its recipient when the recipient is a local member
// of the channel and not the sender. The entry is then acknowledged and
// deleted whatever the delivery outcome, so a redelivered entry is harmless.
func (r *Router) OnBrokerMessage(ctx context.Context, d types.Delivery) {
	fields := d.Entry.Fields
	channel := fields.Channel
	if channel == "" {
		channel = d.Channel
	}

	switch {
	case d.Recipient == "" || d.Recipient == fields.Sender:
		r.metrics.RecordInbound("skipped")
	case !r.members.Contains(channel, d.Recipient):
		r.metrics.RecordInbound("skipped")
		r.logger.Debug("recipient not local, discarding entry",
			"channel", channel, "recipient", d.Recipient, "entry", d.Entry.ID)
	case r.deliverLocal(ctx, channel, d.Recipient, fields.Data):
		r.metrics.RecordInbound("delivered")
	default:
		r.metrics.RecordInbound("failed")
		// The listener calling us may be the one eviction stops.
		r.goAsync(func() {
			evictCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.evictTimeout())
			defer cancel()
			r.evict(evictCtx, channel, d.Recipient, "inbound")
		})
	}

	r.settle(ctx, d)
}

func (r *Router) settle(ctx context.Context, d types.Delivery) {
	err := r.retry(ctx, "ack", func(ctx context.Context) error {
		return r.broker.Ack(ctx, d.Stream, d.Channel, d.Entry.ID)
	})
	if err != nil {
		r.logger.Warn("ack failed, entry will be redelivered",
			"stream", d.Stream, "entry", d.Entry.ID, "error", err)
		r.reportError(err)

		return
	}

	err = r.retry(ctx, "delete", func(ctx context.Context) error {
		return r.broker.Delete(ctx, d.Stream, d.Entry.ID)
	})
	if err != nil {
		r.logger.Warn("delete failed, entry left in stream",
			"stream", d.Stream, "entry", d.Entry.ID, "error", err)
		r.reportError(err)
	}
}

func (r *Router) deliverLocal(ctx context.Context, channel, owner, payload string) bool {
	ok := r.registry.SendText(ctx, types.ConnectionID(channel, owner), payload)
	r.metrics.RecordLocalDelivery(ok)

	return ok
}

func (r *Router) evict(ctx context.Context, channel, owner, path string) {
	r.metrics.RecordEviction(path)
	r.logger.Info("evicting stale member", "channel", channel, "owner", owner, "path", path)

	if r.onStale != nil {
		r.onStale(ctx, channel, owner)
		return
	}

	r.members.Unsubscribe(channel, owner)
	if conn, ok := r.registry.UnregisterID(types.ConnectionID(channel, owner)); ok {
		_ = conn.Handle.Close()
	}
}

func (r *Router) evictTimeout() time.Duration {
	return r.cfg.OperationTimeout * time.Duration(r.cfg.MaxRetries+2)
}

func (r *Router) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return backoff.Retry(ctx, r.policy, natsutil.IsTransient,
		func(attempt int, delay time.Duration, err error) {
			r.metrics.IncrementBrokerRetry(op)
			r.logger.Debug("retrying broker call", "operation", op, "attempt", attempt, "delay", delay, "error", err)
		},
		fn,
	)
}

func (r *Router) goAsync(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Router) reportError(err error) {
	if r.onError != nil {
		r.onError(err)
	}
}

// isRetryable reports whether a failed forward should be deferred rather
// than dropped. Caller cancellation defers too: the sender leaving must not
// lose the message.
func isRetryable(err error) bool {
	return natsutil.IsTransient(err) ||
		errors.Is(err, backoff.ErrRetriesExhausted) ||
		errors.Is(err, context.Canceled)
}
