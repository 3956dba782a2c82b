package broker

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/fanout/types"
)

// Default configuration values for the JetStream broker and roster.
const (
	// DefaultStream is the JetStream stream holding every logical stream.
	DefaultStream = "FANOUT"

	// DefaultSubjectPrefix is the subject prefix of logical streams.
	DefaultSubjectPrefix = "fanout"

	// DefaultMaxAge is how long an undelivered entry is kept.
	DefaultMaxAge = 24 * time.Hour

	// DefaultAckWait is the duration to wait for an ack before redelivery.
	DefaultAckWait = 30 * time.Second

	// DefaultMaxDeliver is the maximum delivery attempts of an entry.
	DefaultMaxDeliver = 5

	// DefaultInactiveThreshold is the idle time after which NATS removes a group.
	DefaultInactiveThreshold = 24 * time.Hour

	// DefaultGroupCacheTTL is how long an ensured group is trusted before Append re-checks it.
	DefaultGroupCacheTTL = 30 * time.Second

	// DefaultRosterBucket is the KV bucket holding the channel roster.
	DefaultRosterBucket = "fanout-roster"

	// DefaultRosterTTL expires entries of workers that stopped refreshing them.
	DefaultRosterTTL = 2 * time.Minute
)

// Config configures the JetStream broker.
type Config struct {
	// Stream is the JetStream stream name.
	// Optional: Defaults to "FANOUT".
	Stream string

	// SubjectPrefix prefixes the subject of every logical stream.
	// Optional: Defaults to "fanout". The stream captures "<prefix>.>".
	SubjectPrefix string

	// Storage selects file or memory storage for the stream.
	// Optional: Defaults to jetstream.FileStorage.
	Storage jetstream.StorageType

	// Replicas is the stream replication factor.
	// Optional: Defaults to 1.
	Replicas int

	// MaxAge bounds how long an entry for an offline recipient is retained.
	// Optional: Defaults to 24 hours.
	MaxAge time.Duration

	// AckWait is the duration to wait for an ack before the entry is redelivered.
	// Optional: Defaults to 30 seconds.
	AckWait time.Duration

	// MaxDeliver is the maximum number of delivery attempts of an entry.
	// Optional: Defaults to 5.
	MaxDeliver int

	// InactiveThreshold lets NATS remove groups nobody polled for this long.
	// Optional: Defaults to 24 hours.
	InactiveThreshold time.Duration

	// GroupCacheTTL is how long Append trusts a group it already ensured.
	// Optional: Defaults to 30 seconds.
	GroupCacheTTL time.Duration
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.SetDefaults()

	return cfg
}

// SetDefaults fills zero fields with defaults.
func (c *Config) SetDefaults() {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.InactiveThreshold <= 0 {
		c.InactiveThreshold = DefaultInactiveThreshold
	}
	if c.GroupCacheTTL <= 0 {
		c.GroupCacheTTL = DefaultGroupCacheTTL
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	if c.Stream == "" {
		return fmt.Errorf("%w: broker stream name is required", types.ErrInvalidConfig)
	}
	if c.SubjectPrefix == "" {
		return fmt.Errorf("%w: broker subject prefix is required", types.ErrInvalidConfig)
	}
	if c.MaxDeliver < -1 || c.MaxDeliver == 0 {
		return fmt.Errorf("%w: broker maxDeliver must be positive or -1, got %d", types.ErrInvalidConfig, c.MaxDeliver)
	}

	return nil
}

// RosterConfig configures the KV-backed roster.
type RosterConfig struct {
	// Bucket is the KV bucket name.
	// Optional: Defaults to "fanout-roster".
	Bucket string

	// Storage selects file or memory storage for the bucket.
	// Optional: Defaults to jetstream.FileStorage.
	Storage jetstream.StorageType

	// Replicas is the bucket replication factor.
	// Optional: Defaults to 1.
	Replicas int

	// TTL expires entries that were not refreshed; Refresh must run more
	// often than this. Negative disables expiry.
	// Optional: Defaults to 2 minutes.
	TTL time.Duration
}

// DefaultRosterConfig returns a RosterConfig with every default applied.
func DefaultRosterConfig() RosterConfig {
	cfg := RosterConfig{}
	cfg.SetDefaults()

	return cfg
}

// SetDefaults fills zero fields with defaults.
func (c *RosterConfig) SetDefaults() {
	if c.Bucket == "" {
		c.Bucket = DefaultRosterBucket
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.TTL == 0 {
		c.TTL = DefaultRosterTTL
	}
}
