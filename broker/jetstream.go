package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/fanout/internal/kvutil"
	"github.com/arloliu/fanout/internal/logging"
	"github.com/arloliu/fanout/internal/metrics"
	"github.com/arloliu/fanout/internal/natsutil"
	"github.com/arloliu/fanout/internal/subject"
	"github.com/arloliu/fanout/types"
)

// Entry headers. The body carries the payload.
const (
	HeaderChannel = "Fanout-Channel"
	HeaderSender  = "Fanout-Sender"
	HeaderStream  = "Fanout-Stream"
)

// Option configures optional broker collaborators.
type Option func(*options)

type options struct {
	logger  types.Logger
	metrics types.BrokerMetrics
}

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the metrics sink for broker call latency.
func WithMetrics(m types.BrokerMetrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{logger: logging.NewNop(), metrics: metrics.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

type pendingKey struct {
	durable string
	seq     uint64
}

// JetStream is a types.Broker backed by a NATS JetStream stream.
//
// Messages returned by Poll are remembered until acked, since acking needs
// the original message. The cached stream handle is dropped whenever NATS
// reports the stream missing, so a deleted stream is recreated on next use.
type JetStream struct {
	js      jetstream.JetStream
	cfg     Config
	logger  types.Logger
	metrics types.BrokerMetrics

	streamMu sync.Mutex
	stream   jetstream.Stream

	groups    *xsync.Map[string, time.Time]
	consumers *xsync.Map[string, jetstream.Consumer]
	pending   *xsync.Map[pendingKey, jetstream.Msg]
}

var _ types.Broker = (*JetStream)(nil)

// NewJetStream creates a broker on conn. The stream is created lazily, or
// eagerly by Provision.
//
// Parameters:
//   - conn: Connected NATS client
//   - cfg: Broker configuration; zero fields get defaults
//   - opts: Optional collaborators
//
// Returns:
//   - *JetStream: New broker
//   - error: ErrNATSConnectionRequired for a nil conn, or invalid configuration
func NewJetStream(conn *nats.Conn, cfg Config, opts ...Option) (*JetStream, error) {
	if conn == nil {
		return nil, types.ErrNATSConnectionRequired
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	o := buildOptions(opts)

	return &JetStream{
		js:        js,
		cfg:       cfg,
		logger:    o.logger,
		metrics:   o.metrics,
		groups:    xsync.NewMap[string, time.Time](),
		consumers: xsync.NewMap[string, jetstream.Consumer](),
		pending:   xsync.NewMap[pendingKey, jetstream.Msg](),
	}, nil
}

// Provision creates the backing stream if it does not exist yet.
func (b *JetStream) Provision(ctx context.Context) error {
	_, err := b.ensureStream(ctx)
	return err
}

func (b *JetStream) ensureStream(ctx context.Context) (jetstream.Stream, error) {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()

	if b.stream != nil {
		return b.stream, nil
	}

	stream, err := kvutil.EnsureStreamWithRetry(ctx, b.js, jetstream.StreamConfig{
		Name:      b.cfg.Stream,
		Subjects:  []string{subject.Filter(b.cfg.SubjectPrefix)},
		Retention: jetstream.LimitsPolicy,
		Storage:   b.cfg.Storage,
		Replicas:  b.cfg.Replicas,
		MaxAge:    b.cfg.MaxAge,
	}, kvutil.DefaultMaxRetries)
	if err != nil {
		return nil, natsutil.Classify("ensure stream", err)
	}

	b.stream = stream
	b.logger.Debug("stream ready", "stream", b.cfg.Stream)

	return stream, nil
}

// invalidate forgets the stream handle and everything derived from it.
func (b *JetStream) invalidate() {
	b.streamMu.Lock()
	b.stream = nil
	b.streamMu.Unlock()

	b.groups.Clear()
	b.consumers.Clear()
}

func isStreamMissing(err error) bool {
	return errors.Is(err, jetstream.ErrStreamNotFound) || errors.Is(err, jetstream.ErrNoStreamResponse)
}

func isConsumerMissing(err error) bool {
	return errors.Is(err, jetstream.ErrConsumerNotFound) ||
		errors.Is(err, jetstream.ErrConsumerDeleted) ||
		errors.Is(err, jetstream.ErrConsumerDoesNotExist)
}

// CreateGroup implements types.Broker.
func (b *JetStream) CreateGroup(ctx context.Context, stream, group string) (err error) {
	defer b.observe("create_group", time.Now(), &err)

	if err = validKey(stream, group); err != nil {
		return err
	}
	_, err = b.createGroup(ctx, stream, group)

	return err
}

func (b *JetStream) createGroup(ctx context.Context, stream, group string) (jetstream.Consumer, error) {
	durable := subject.Durable(group, stream)
	cfg := jetstream.ConsumerConfig{
		Name:              durable,
		Durable:           durable,
		FilterSubject:     subject.Subject(b.cfg.SubjectPrefix, stream),
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		AckWait:           b.cfg.AckWait,
		MaxDeliver:        b.cfg.MaxDeliver,
		InactiveThreshold: b.cfg.InactiveThreshold,
		Metadata: map[string]string{
			"fanout.group":  group,
			"fanout.stream": stream,
		},
	}

	for attempt := 0; ; attempt++ {
		s, err := b.ensureStream(ctx)
		if err != nil {
			return nil, err
		}

		consumer, err := s.CreateConsumer(ctx, cfg)
		if errors.Is(err, jetstream.ErrConsumerExists) || errors.Is(err, jetstream.ErrConsumerNameAlreadyInUse) {
			consumer, err = s.Consumer(ctx, durable)
		}
		if err == nil {
			b.consumers.Store(durable, consumer)
			b.groups.Store(durable, time.Now())

			return consumer, nil
		}

		if isStreamMissing(err) && attempt == 0 {
			b.logger.Warn("stream missing, recreating", "stream", b.cfg.Stream)
			b.invalidate()

			continue
		}

		return nil, natsutil.Classify("create group "+durable, err)
	}
}

// DestroyGroup implements types.Broker.
func (b *JetStream) DestroyGroup(ctx context.Context, stream, group string) (err error) {
	defer b.observe("destroy_group", time.Now(), &err)

	durable := subject.Durable(group, stream)
	b.groups.Delete(durable)
	b.consumers.Delete(durable)
	b.pending.Range(func(k pendingKey, _ jetstream.Msg) bool {
		if k.durable == durable {
			b.pending.Delete(k)
		}

		return true
	})

	s, err := b.ensureStream(ctx)
	if err != nil {
		return err
	}

	err = s.DeleteConsumer(ctx, durable)
	if err == nil || isConsumerMissing(err) || errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil
	}

	return natsutil.Classify("destroy group "+durable, err)
}

// Append implements types.Broker.
func (b *JetStream) Append(ctx context.Context, stream, group, sender, payload string) (id types.EntryID, err error) {
	defer b.observe("append", time.Now(), &err)

	if err := validKey(stream, group); err != nil {
		return 0, err
	}
	if err := b.ensureGroup(ctx, stream, group); err != nil {
		return 0, err
	}

	msg := nats.NewMsg(subject.Subject(b.cfg.SubjectPrefix, stream))
	msg.Header.Set(HeaderChannel, group)
	msg.Header.Set(HeaderSender, sender)
	msg.Header.Set(HeaderStream, stream)
	msg.Data = []byte(payload)

	ack, err := b.js.PublishMsg(ctx, msg, jetstream.WithExpectStream(b.cfg.Stream))
	if err != nil {
		if isStreamMissing(err) {
			b.invalidate()
		}

		return 0, natsutil.Classify("append "+stream, err)
	}

	return types.EntryID(ack.Sequence), nil
}

func validKey(stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("%w: stream=%q group=%q", types.ErrInvalidStreamKey, stream, group)
	}

	return nil
}

// ensureGroup creates the group unless it was ensured within GroupCacheTTL.
func (b *JetStream) ensureGroup(ctx context.Context, stream, group string) error {
	durable := subject.Durable(group, stream)
	if at, ok := b.groups.Load(durable); ok && time.Since(at) < b.cfg.GroupCacheTTL {
		return nil
	}

	_, err := b.createGroup(ctx, stream, group)

	return err
}

func (b *JetStream) consumer(ctx context.Context, durable string) (jetstream.Consumer, error) {
	if c, ok := b.consumers.Load(durable); ok {
		return c, nil
	}

	s, err := b.ensureStream(ctx)
	if err != nil {
		return nil, err
	}

	c, err := s.Consumer(ctx, durable)
	if err != nil {
		if isConsumerMissing(err) {
			return nil, fmt.Errorf("group %s: %w", durable, types.ErrGroupNotFound)
		}
		if isStreamMissing(err) {
			b.invalidate()
			return nil, fmt.Errorf("group %s: %w", durable, types.ErrGroupNotFound)
		}

		return nil, natsutil.Classify("load group "+durable, err)
	}
	b.consumers.Store(durable, c)

	return c, nil
}

// Poll implements types.Broker. consumer only labels log lines: the durable
// is shared by whichever worker polls the stream.
func (b *JetStream) Poll(
	ctx context.Context,
	stream, group, consumer string,
	block time.Duration,
	maxCount int,
) (entries []types.Entry, err error) {
	defer b.observe("poll", time.Now(), &err)

	if maxCount <= 0 {
		maxCount = 1
	}
	durable := subject.Durable(group, stream)

	c, err := b.consumer(ctx, durable)
	if err != nil {
		return nil, err
	}

	batch, err := c.Fetch(maxCount, jetstream.FetchMaxWait(block))
	if err != nil {
		return nil, b.pollError(durable, err)
	}

	for msg := range batch.Messages() {
		meta, merr := msg.Metadata()
		if merr != nil {
			b.logger.Warn("dropping message without metadata", "durable", durable, "consumer", consumer, "error", merr)
			_ = msg.Term()

			continue
		}

		id := types.EntryID(meta.Sequence.Stream)
		b.pending.Store(pendingKey{durable: durable, seq: meta.Sequence.Stream}, msg)

		headers := msg.Headers()
		entries = append(entries, types.Entry{
			ID: id,
			Fields: types.EntryFields{
				Channel: headers.Get(HeaderChannel),
				Sender:  headers.Get(HeaderSender),
				Data:    string(msg.Data()),
			},
		})
	}

	if berr := batch.Error(); berr != nil &&
		!errors.Is(berr, nats.ErrTimeout) &&
		!errors.Is(berr, context.DeadlineExceeded) {
		if len(entries) > 0 {
			// Keep what arrived; the next poll reports the error again.
			b.logger.Debug("fetch ended early", "durable", durable, "error", berr)
			return entries, nil
		}

		return nil, b.pollError(durable, berr)
	}

	if ctx.Err() != nil && len(entries) == 0 {
		return nil, ctx.Err()
	}

	return entries, nil
}

func (b *JetStream) pollError(durable string, err error) error {
	// A stale handle keeps failing; reload it on the next poll.
	b.consumers.Delete(durable)

	if isConsumerMissing(err) || natsutil.HasAPIErrorCode(err, jetstream.JSErrCodeConsumerNotFound) {
		b.groups.Delete(durable)
		return fmt.Errorf("group %s: %w", durable, types.ErrGroupNotFound)
	}

	return natsutil.Classify("poll "+durable, err)
}

// Ack implements types.Broker with a server-confirmed ack. Acking an entry
// that is not pending is a no-op.
func (b *JetStream) Ack(ctx context.Context, stream, group string, id types.EntryID) (err error) {
	defer b.observe("ack", time.Now(), &err)

	key := pendingKey{durable: subject.Durable(group, stream), seq: uint64(id)}
	msg, ok := b.pending.LoadAndDelete(key)
	if !ok {
		return nil
	}

	if err := msg.DoubleAck(ctx); err != nil {
		cerr := natsutil.Classify(fmt.Sprintf("ack %s/%d", stream, id), err)
		if natsutil.IsTransient(cerr) {
			b.pending.Store(key, msg)
		}

		return cerr
	}

	return nil
}

// Delete implements types.Broker. Deleting a missing entry is a no-op.
func (b *JetStream) Delete(ctx context.Context, stream string, id types.EntryID) (err error) {
	defer b.observe("delete", time.Now(), &err)

	s, err := b.ensureStream(ctx)
	if err != nil {
		return err
	}

	err = s.DeleteMsg(ctx, uint64(id))
	if err == nil || errors.Is(err, jetstream.ErrMsgNotFound) ||
		natsutil.HasAPIErrorCode(err, jetstream.JSErrCodeMessageNotFound) {
		return nil
	}
	if isStreamMissing(err) {
		b.invalidate()
		return nil
	}

	return natsutil.Classify(fmt.Sprintf("delete %s/%d", stream, id), err)
}

// PendingCount returns the number of polled entries awaiting Ack.
func (b *JetStream) PendingCount() int {
	return b.pending.Size()
}

func (b *JetStream) observe(op string, start time.Time, errp *error) {
	b.metrics.RecordBrokerOperation(op, *errp == nil, time.Since(start).Seconds())
}
