package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/fanout/internal/kvutil"
	"github.com/arloliu/fanout/internal/natsutil"
	"github.com/arloliu/fanout/internal/subject"
	"github.com/arloliu/fanout/types"
)

// Roster is a types.Roster stored in a JetStream KV bucket.
//
// Each membership is one key. Entries written by this process are tracked so
// Refresh can rewrite them before the bucket TTL expires them; entries of a
// crashed worker simply age out.
//
// Members is served from a local copy of the bucket kept current by a single
// watch, started on first use and ended by Close.
type Roster struct {
	js     jetstream.JetStream
	cfg    RosterConfig
	logger types.Logger

	mu sync.Mutex
	kv jetstream.KeyValue

	owned *xsync.Map[string, types.RosterEntry]

	watchMu sync.Mutex
	watcher jetstream.KeyWatcher

	// channels holds the watched entries, keyed by channel token then KV key.
	channels *xsync.Map[string, *xsync.Map[string, rosterRecord]]
}

// rosterRecord is a cached roster entry. A record with deleted set is a
// tombstone that stops older watch updates from bringing the key back.
type rosterRecord struct {
	entry    types.RosterEntry
	revision uint64
	written  time.Time
	deleted  bool
}

var _ types.Roster = (*Roster)(nil)

// NewRoster creates a roster on conn. The bucket is created lazily, or
// eagerly by Provision.
func NewRoster(conn *nats.Conn, cfg RosterConfig, opts ...Option) (*Roster, error) {
	if conn == nil {
		return nil, types.ErrNATSConnectionRequired
	}
	cfg.SetDefaults()

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	o := buildOptions(opts)

	return &Roster{
		js:       js,
		cfg:      cfg,
		logger:   o.logger,
		owned:    xsync.NewMap[string, types.RosterEntry](),
		channels: xsync.NewMap[string, *xsync.Map[string, rosterRecord]](),
	}, nil
}

// Provision creates the KV bucket if it does not exist yet.
func (r *Roster) Provision(ctx context.Context) error {
	_, err := r.bucket(ctx)
	return err
}

func (r *Roster) bucket(ctx context.Context) (jetstream.KeyValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.kv != nil {
		return r.kv, nil
	}

	ttl := r.cfg.TTL
	if ttl < 0 {
		ttl = 0
	}
	kv, err := kvutil.EnsureKVBucketWithRetry(ctx, r.js, jetstream.KeyValueConfig{
		Bucket:   r.cfg.Bucket,
		History:  1,
		TTL:      ttl,
		Storage:  r.cfg.Storage,
		Replicas: r.cfg.Replicas,
	}, kvutil.DefaultMaxRetries)
	if err != nil {
		return nil, natsutil.Classify("ensure roster bucket", err)
	}
	r.kv = kv

	return kv, nil
}

// Add implements types.Roster. An existing entry for the same channel and
// owner is overwritten, so the most recent worker wins.
func (r *Roster) Add(ctx context.Context, channel, owner, workerID string) error {
	entry := types.RosterEntry{Channel: channel, Owner: owner, WorkerID: workerID, Since: time.Now().UTC()}
	key := subject.RosterKey(channel, owner)

	if err := r.put(ctx, key, entry); err != nil {
		return err
	}
	r.owned.Store(key, entry)

	return nil
}

func (r *Roster) put(ctx context.Context, key string, entry types.RosterEntry) error {
	kv, err := r.bucket(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal roster entry: %w", err)
	}
	rev, err := kv.Put(ctx, key, data)
	if err != nil {
		return natsutil.Classify("roster put "+key, err)
	}
	r.record(key, rosterRecord{entry: entry, revision: rev, written: time.Now()})

	return nil
}

// Remove implements types.Roster. The key is deleted only if it still names
// workerID, guarded by its revision so a concurrent re-add elsewhere survives.
func (r *Roster) Remove(ctx context.Context, channel, owner, workerID string) error {
	key := subject.RosterKey(channel, owner)
	r.owned.Compute(key, func(e types.RosterEntry, loaded bool) (types.RosterEntry, xsync.ComputeOp) {
		if loaded && e.WorkerID == workerID {
			return e, xsync.DeleteOp
		}

		return e, xsync.CancelOp
	})

	kv, err := r.bucket(ctx)
	if err != nil {
		return err
	}

	kve, err := kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return natsutil.Classify("roster get "+key, err)
	}

	var entry types.RosterEntry
	if err := json.Unmarshal(kve.Value(), &entry); err != nil {
		r.logger.Warn("removing unreadable roster entry", "key", key, "error", err)
	} else if entry.WorkerID != workerID {
		return nil
	}

	err = kv.Delete(ctx, key, jetstream.LastRevision(kve.Revision()))
	if err == nil {
		// the delete marker is written after the removed revision
		r.record(key, rosterRecord{revision: kve.Revision() + 1, deleted: true})
		return nil
	}
	if errors.Is(err, jetstream.ErrKeyExists) ||
		natsutil.HasAPIErrorCode(err, jetstream.JSErrCodeStreamWrongLastSequence) {
		return nil
	}

	return natsutil.Classify("roster delete "+key, err)
}

// Members implements types.Roster, sorted by owner.
//
// The first call starts the bucket watch and waits for its initial
// snapshot. Later calls read the local copy without a server round trip.
func (r *Roster) Members(ctx context.Context, channel string) ([]types.RosterEntry, error) {
	if err := r.ensureWatch(ctx); err != nil {
		return nil, err
	}

	return r.cachedMembers(channel), nil
}

func (r *Roster) cachedMembers(channel string) []types.RosterEntry {
	records, ok := r.channels.Load(subject.Token(channel))
	if !ok {
		return nil
	}

	var cutoff time.Time
	if r.cfg.TTL > 0 {
		cutoff = time.Now().Add(-r.cfg.TTL)
	}

	var out []types.RosterEntry
	records.Range(func(key string, rec rosterRecord) bool {
		switch {
		case rec.deleted:
		case !cutoff.IsZero() && rec.written.Before(cutoff):
			// aged out of the bucket without a delete marker
			records.Compute(key, func(cur rosterRecord, loaded bool) (rosterRecord, xsync.ComputeOp) {
				if loaded && cur.revision == rec.revision {
					return cur, xsync.DeleteOp
				}

				return cur, xsync.CancelOp
			})
		case rec.entry.Channel == channel:
			out = append(out, rec.entry)
		}

		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })

	return out
}

func (r *Roster) ensureWatch(ctx context.Context) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	if r.watcher != nil {
		return nil
	}

	kv, err := r.bucket(ctx)
	if err != nil {
		return err
	}

	r.channels.Clear()
	w, err := kv.WatchAll(context.WithoutCancel(ctx))
	if err != nil {
		return natsutil.Classify("roster watch", err)
	}
	if err := r.loadSnapshot(ctx, w); err != nil {
		_ = w.Stop()
		return err
	}

	r.watcher = w
	go r.follow(w)

	return nil
}

// loadSnapshot applies updates until the watcher signals that every
// existing key has been delivered.
func (r *Roster) loadSnapshot(ctx context.Context, w jetstream.KeyWatcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case kve, ok := <-w.Updates():
			if !ok {
				return fmt.Errorf("roster watch closed: %w", types.ErrBrokerUnavailable)
			}
			if kve == nil {
				return nil
			}
			r.apply(kve)
		}
	}
}

func (r *Roster) follow(w jetstream.KeyWatcher) {
	for kve := range w.Updates() {
		if kve != nil {
			r.apply(kve)
		}
	}

	r.watchMu.Lock()
	if r.watcher == w {
		r.watcher = nil
	}
	r.watchMu.Unlock()
	r.logger.Debug("roster watch ended", "bucket", r.cfg.Bucket)
}

func (r *Roster) apply(kve jetstream.KeyValueEntry) {
	if kve.Operation() != jetstream.KeyValuePut {
		r.forget(kve.Key(), kve.Revision())
		return
	}

	var entry types.RosterEntry
	if err := json.Unmarshal(kve.Value(), &entry); err != nil {
		r.logger.Warn("skipping unreadable roster entry", "key", kve.Key(), "error", err)
		return
	}
	r.store(kve.Key(), rosterRecord{entry: entry, revision: kve.Revision(), written: kve.Created()})
}

// record stores rec unless a newer revision of key is already cached. It is
// a no-op while no watch runs, since the next watch starts from a snapshot.
func (r *Roster) record(key string, rec rosterRecord) {
	if !r.watching() {
		return
	}
	r.store(key, rec)
}

func (r *Roster) store(key string, rec rosterRecord) {
	records, _ := r.channels.LoadOrCompute(channelToken(key), func() (*xsync.Map[string, rosterRecord], bool) {
		return xsync.NewMap[string, rosterRecord](), false
	})

	records.Compute(key, func(cur rosterRecord, loaded bool) (rosterRecord, xsync.ComputeOp) {
		if loaded && cur.revision > rec.revision {
			return cur, xsync.CancelOp
		}

		return rec, xsync.UpdateOp
	})
}

// forget drops key for a delete marker at revision rev.
func (r *Roster) forget(key string, rev uint64) {
	records, ok := r.channels.Load(channelToken(key))
	if !ok {
		return
	}

	records.Compute(key, func(cur rosterRecord, loaded bool) (rosterRecord, xsync.ComputeOp) {
		if !loaded || cur.revision > rev {
			return cur, xsync.CancelOp
		}

		return cur, xsync.DeleteOp
	})
}

func (r *Roster) watching() bool {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	return r.watcher != nil
}

func channelToken(key string) string {
	token, _, _ := strings.Cut(key, ".")
	return token
}

// Close ends the bucket watch. A later Members call starts a new one.
func (r *Roster) Close() error {
	r.watchMu.Lock()
	w := r.watcher
	r.watcher = nil
	r.watchMu.Unlock()

	if w == nil {
		return nil
	}

	err := w.Stop()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}

	return err
}

// Refresh rewrites every entry added by this process so the bucket TTL does
// not expire live memberships.
func (r *Roster) Refresh(ctx context.Context) error {
	var errs []error
	r.owned.Range(func(key string, entry types.RosterEntry) bool {
		if err := r.put(ctx, key, entry); err != nil {
			errs = append(errs, err)
		}

		return ctx.Err() == nil
	})

	return errors.Join(errs...)
}

// RefreshInterval returns how often Refresh should run, or zero when entries
// never expire.
func (r *Roster) RefreshInterval() time.Duration {
	if r.cfg.TTL <= 0 {
		return 0
	}

	return r.cfg.TTL / 3
}

