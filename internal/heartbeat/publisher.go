package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/fanout/internal/logging"
	"github.com/arloliu/fanout/types"
)

// Common errors for heartbeat operations.
var (
	ErrNotStarted      = errors.New("publisher not started")
	ErrAlreadyStarted  = errors.New("publisher already started")
	ErrInvalidInterval = errors.New("heartbeat interval must be positive")
)

// Refresher rewrites state that expires unless refreshed, such as this
// worker's roster entries in a TTL bucket.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Publisher refreshes a Refresher at a fixed interval.
//
// Each beat proves the worker is alive: while it runs, the worker's roster
// entries never expire. Once the process dies the beats stop and the TTL
// removes the entries, so other workers stop forwarding to its owners.
type Publisher struct {
	target   Refresher
	interval time.Duration
	timeout  time.Duration
	logger   types.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	onError func(error)
}

// New creates a heartbeat publisher.
//
// The refreshed state should expire after roughly 3 intervals, so a worker
// is considered gone after 3 missed beats.
//
// Parameters:
//   - target: State to refresh
//   - interval: Time between beats
//   - logger: Logger for failed beats; nil disables logging
//
// Returns:
//   - *Publisher: New heartbeat publisher instance
//
// Example:
//
//	publisher := heartbeat.New(roster, 40*time.Second, logger)
//	if err := publisher.Start(ctx); err != nil {
//	    return err
//	}
//	defer publisher.Stop()
func New(target Refresher, interval time.Duration, logger types.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Publisher{
		target:   target,
		interval: interval,
		timeout:  interval,
		logger:   logger,
	}
}

// SetErrorHandler sets a callback for failed beats. Must be called before Start().
func (p *Publisher) SetErrorHandler(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onError = fn
}

// Start begins beating in the background until Stop() or ctx cancellation.
//
// Returns:
//   - error: ErrAlreadyStarted if already running, ErrInvalidInterval for a non-positive interval
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	if p.interval <= 0 {
		return ErrInvalidInterval
	}

	p.started = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.loop(ctx, p.stopCh, p.doneCh)

	return nil
}

// Stop stops the publisher and waits for an in-flight beat to finish.
//
// Refreshed state is left to expire on its own; deleting it is the owner's job.
//
// Returns:
//   - error: ErrNotStarted if not running
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.started = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	<-done

	return nil
}

// IsStarted returns whether the publisher is currently running.
func (p *Publisher) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started
}

func (p *Publisher) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.beat(ctx)
		}
	}
}

func (p *Publisher) beat(ctx context.Context) {
	beatCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.target.Refresh(beatCtx); err != nil {
		err = fmt.Errorf("heartbeat refresh: %w", err)
		p.logger.Warn("heartbeat failed", "error", err)

		p.mu.Lock()
		onError := p.onError
		p.mu.Unlock()
		if onError != nil {
			onError(err)
		}
	}
}
