package router

import (
	"context"
	"fmt"
	"time"

	"github.com/arloliu/fanout/types"
)

// forward is one pending broker append. An empty recipient means the
// roster lookup failed and remote recipients are still unknown; skip then
// holds the owners already handled by the original publish.
type forward struct {
	channel   string
	recipient string
	sender    string
	payload   string
	skip      map[string]struct{}
}

type forwardOutcome int

const (
	outcomeForwarded forwardOutcome = iota
	outcomeDeferred
	outcomeFailed
)

func (r *Router) tally(res *Result, o forwardOutcome) {
	switch o {
	case outcomeForwarded:
		res.Forwarded++
	case outcomeDeferred:
		res.Deferred++
	case outcomeFailed:
		res.Failed++
	}
}

// forward appends f with retry, queueing it for background retry when the
// broker stays unavailable.
func (r *Router) forward(ctx context.Context, f forward) forwardOutcome {
	err := r.appendForward(ctx, f)
	if err == nil {
		return outcomeForwarded
	}

	if isRetryable(err) {
		r.logger.Warn("forward failed, deferring",
			"channel", f.channel, "recipient", f.recipient, "error", err)

		return r.enqueue(f)
	}

	r.logger.Error("forward failed", "channel", f.channel, "recipient", f.recipient, "error", err)
	r.reportError(err)

	return outcomeFailed
}

func (r *Router) appendForward(ctx context.Context, f forward) error {
	stream := types.StreamKey(f.channel, f.recipient)

	return r.retry(ctx, "append", func(ctx context.Context) error {
		_, err := r.broker.Append(ctx, stream, f.channel, f.sender, f.payload)
		return err
	})
}

func (r *Router) enqueue(f forward) forwardOutcome {
	select {
	case r.deferred <- f:
		r.metrics.SetDeferredQueueDepth(len(r.deferred))
		return outcomeDeferred
	default:
		r.metrics.RecordDeferredDropped()
		err := fmt.Errorf("forward to %s on %s dropped: %w", f.recipient, f.channel, types.ErrDeferredQueueFull)
		r.logger.Error("deferred queue full", "channel", f.channel, "recipient", f.recipient, "error", err)
		r.reportError(err)

		return outcomeFailed
	}
}

// DeferredDepth returns the number of forwards waiting for background retry.
func (r *Router) DeferredDepth() int {
	return len(r.deferred)
}

// Start runs the deferred queue until Stop or ctx cancellation.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return types.ErrAlreadyStarted
	}
	if r.stopped {
		return types.ErrEngineStopped
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.started = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.drain(ctx)
	}()

	return nil
}

// Stop halts background retry and waits for in-flight work or ctx expiry.
// Forwards still queued are logged and discarded.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop router: %w", ctx.Err())
	}

	if n := len(r.deferred); n > 0 {
		r.logger.Warn("discarding deferred forwards on shutdown", "count", n)
	}

	return nil
}

func (r *Router) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-r.deferred:
			r.metrics.SetDeferredQueueDepth(len(r.deferred))
			if f.recipient == "" {
				r.resolve(ctx, f)
			} else {
				r.redeliver(ctx, f)
			}
		}
	}
}

// redeliver retries f until it is appended, fails permanently or ctx ends.
func (r *Router) redeliver(ctx context.Context, f forward) {
	for {
		err := r.appendForward(ctx, f)
		if err == nil {
			r.logger.Debug("deferred forward delivered", "channel", f.channel, "recipient", f.recipient)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !isRetryable(err) {
			r.logger.Error("deferred forward failed", "channel", f.channel, "recipient", f.recipient, "error", err)
			r.reportError(err)

			return
		}
		if !pause(ctx, r.cfg.MaxRetryBackoff) {
			return
		}
	}
}

// resolve retries the roster lookup of a publish, then forwards to every
// remote member it finds.
func (r *Router) resolve(ctx context.Context, f forward) {
	for {
		remote, err := r.remoteMembers(ctx, f.channel, f.sender, f.skip)
		if err == nil {
			for _, owner := range remote {
				next := f
				next.recipient = owner
				next.skip = nil
				r.redeliver(ctx, next)
			}

			return
		}
		if ctx.Err() != nil {
			return
		}

		r.logger.Warn("deferred roster lookup failed", "channel", f.channel, "error", err)
		if !pause(ctx, r.cfg.MaxRetryBackoff) {
			return
		}
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
