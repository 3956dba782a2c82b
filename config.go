package fanout

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/fanout/broker"
)

// BrokerConfig configures the JetStream stream and consumer groups.
type BrokerConfig struct {
	// Stream is the JetStream stream holding every logical stream.
	Stream string `yaml:"stream"`

	// SubjectPrefix prefixes the subject of every logical stream.
	SubjectPrefix string `yaml:"subjectPrefix"`

	// Storage is "file" or "memory".
	Storage string `yaml:"storage"`

	// Replicas is the stream replication factor.
	Replicas int `yaml:"replicas"`

	// MaxAge bounds how long an entry waits for an offline recipient.
	MaxAge time.Duration `yaml:"maxAge"`

	// AckWait is the time before an unacknowledged entry is redelivered.
	// Must comfortably exceed a local write plus ack round trip.
	AckWait time.Duration `yaml:"ackWait"`

	// MaxDeliver is the maximum delivery attempts of an entry (-1 = unlimited).
	MaxDeliver int `yaml:"maxDeliver"`

	// InactiveThreshold lets NATS remove consumer groups nobody polled for this long.
	// This reclaims groups of owners that never came back.
	InactiveThreshold time.Duration `yaml:"inactiveThreshold"`
}

// RosterConfig configures the cluster-wide channel roster.
type RosterConfig struct {
	// Disabled turns the roster off. Each worker then only addresses its own
	// local members, which is only correct for a single worker.
	Disabled bool `yaml:"disabled"`

	// Bucket is the KV bucket name.
	Bucket string `yaml:"bucket"`

	// Replicas is the bucket replication factor.
	Replicas int `yaml:"replicas"`

	// TTL expires entries of workers that stopped refreshing them.
	// Entries are refreshed every TTL/3.
	TTL time.Duration `yaml:"ttl"`
}

// ListenerConfig configures per-channel listeners.
type ListenerConfig struct {
	// PollBlock is the maximum time a poll blocks. It also bounds how long a
	// stopping listener takes to notice cancellation.
	PollBlock time.Duration `yaml:"pollBlock"`

	// PollCount is the maximum entries returned by one poll.
	PollCount int `yaml:"pollCount"`

	// RetryBackoff is the pause after a failed poll.
	RetryBackoff time.Duration `yaml:"retryBackoff"`

	// StopTimeout bounds how long unsubscribing waits for a poll loop to exit.
	StopTimeout time.Duration `yaml:"stopTimeout"`
}

// DeliveryConfig configures broker retry on the publish and settle paths.
type DeliveryConfig struct {
	// OperationTimeout bounds one broker call attempt.
	OperationTimeout time.Duration `yaml:"operationTimeout"`

	// MaxRetries is the retry budget after the first attempt.
	MaxRetries int `yaml:"maxRetries"`

	// RetryBackoff is the base delay between attempts (jittered).
	RetryBackoff time.Duration `yaml:"retryBackoff"`

	// MaxRetryBackoff caps the delay between attempts.
	MaxRetryBackoff time.Duration `yaml:"maxRetryBackoff"`

	// DeferredQueueSize bounds forwards waiting for background retry once the
	// retry budget is spent. Forwards beyond it are dropped and reported.
	DeferredQueueSize int `yaml:"deferredQueueSize"`
}

// Config is the configuration for the Engine.
//
// All duration fields accept standard Go duration strings like "30s", "5m", "1h".
type Config struct {
	// WorkerID identifies this process in the roster and in consumer names.
	// Empty means a random UUID per process.
	WorkerID string `yaml:"workerId"`

	// Broker controls the JetStream stream and groups.
	Broker BrokerConfig `yaml:"broker"`

	// Roster controls cluster-wide membership.
	Roster RosterConfig `yaml:"roster"`

	// Listener controls per-channel poll loops.
	Listener ListenerConfig `yaml:"listener"`

	// Delivery controls broker retry and the deferred queue.
	Delivery DeliveryConfig `yaml:"delivery"`

	// ShutdownTimeout is the maximum time Stop waits for listeners and
	// background retry to finish.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DefaultConfig returns a Config with sensible defaults.
//
// Returns:
//   - Config: Configuration with default values
func DefaultConfig() Config {
	return Config{
		Broker: BrokerConfig{
			Stream:            broker.DefaultStream,
			SubjectPrefix:     broker.DefaultSubjectPrefix,
			Storage:           "file",
			Replicas:          1,
			MaxAge:            broker.DefaultMaxAge,
			AckWait:           broker.DefaultAckWait,
			MaxDeliver:        broker.DefaultMaxDeliver,
			InactiveThreshold: broker.DefaultInactiveThreshold,
		},
		Roster: RosterConfig{
			Bucket:   broker.DefaultRosterBucket,
			Replicas: 1,
			TTL:      broker.DefaultRosterTTL,
		},
		Listener: ListenerConfig{
			PollBlock:    500 * time.Millisecond,
			PollCount:    10,
			RetryBackoff: 500 * time.Millisecond,
			StopTimeout:  5 * time.Second,
		},
		Delivery: DeliveryConfig{
			OperationTimeout:  2 * time.Second,
			MaxRetries:        3,
			RetryBackoff:      100 * time.Millisecond,
			MaxRetryBackoff:   2 * time.Second,
			DeferredQueueSize: 1024,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	d := DefaultConfig()

	if cfg.Broker.Stream == "" {
		cfg.Broker.Stream = d.Broker.Stream
	}
	if cfg.Broker.SubjectPrefix == "" {
		cfg.Broker.SubjectPrefix = d.Broker.SubjectPrefix
	}
	if cfg.Broker.Storage == "" {
		cfg.Broker.Storage = d.Broker.Storage
	}
	if cfg.Broker.Replicas == 0 {
		cfg.Broker.Replicas = d.Broker.Replicas
	}
	if cfg.Broker.MaxAge == 0 {
		cfg.Broker.MaxAge = d.Broker.MaxAge
	}
	if cfg.Broker.AckWait == 0 {
		cfg.Broker.AckWait = d.Broker.AckWait
	}
	if cfg.Broker.MaxDeliver == 0 {
		cfg.Broker.MaxDeliver = d.Broker.MaxDeliver
	}
	if cfg.Broker.InactiveThreshold == 0 {
		cfg.Broker.InactiveThreshold = d.Broker.InactiveThreshold
	}

	if cfg.Roster.Bucket == "" {
		cfg.Roster.Bucket = d.Roster.Bucket
	}
	if cfg.Roster.Replicas == 0 {
		cfg.Roster.Replicas = d.Roster.Replicas
	}
	// Note: a negative TTL is valid (entries never expire)
	if cfg.Roster.TTL == 0 {
		cfg.Roster.TTL = d.Roster.TTL
	}

	if cfg.Listener.PollBlock == 0 {
		cfg.Listener.PollBlock = d.Listener.PollBlock
	}
	if cfg.Listener.PollCount == 0 {
		cfg.Listener.PollCount = d.Listener.PollCount
	}
	if cfg.Listener.RetryBackoff == 0 {
		cfg.Listener.RetryBackoff = d.Listener.RetryBackoff
	}
	if cfg.Listener.StopTimeout == 0 {
		cfg.Listener.StopTimeout = d.Listener.StopTimeout
	}

	if cfg.Delivery.OperationTimeout == 0 {
		cfg.Delivery.OperationTimeout = d.Delivery.OperationTimeout
	}
	// Note: MaxRetries of 0 is valid (single attempt, then deferred)
	if cfg.Delivery.RetryBackoff == 0 {
		cfg.Delivery.RetryBackoff = d.Delivery.RetryBackoff
	}
	if cfg.Delivery.MaxRetryBackoff == 0 {
		cfg.Delivery.MaxRetryBackoff = d.Delivery.MaxRetryBackoff
	}
	if cfg.Delivery.DeferredQueueSize == 0 {
		cfg.Delivery.DeferredQueueSize = d.Delivery.DeferredQueueSize
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
}

// Validate checks configuration constraints and returns error for invalid values.
//
// Hard Validation Rules:
//   - Broker.Storage is "file" or "memory"
//   - Broker.AckWait > Delivery.OperationTimeout (an ack must fit before redelivery)
//   - Roster.TTL > 3 * Delivery.OperationTimeout when positive (refresh fits in the TTL)
//   - Listener.PollBlock, PollCount, StopTimeout > 0
//   - Delivery.MaxRetryBackoff >= Delivery.RetryBackoff
//   - Delivery.MaxRetries >= 0, Delivery.DeferredQueueSize > 0
//
// Returns:
//   - error: Validation error wrapping ErrInvalidConfig, nil if valid
func (cfg *Config) Validate() error {
	if _, err := parseStorage(cfg.Broker.Storage); err != nil {
		return err
	}

	if cfg.Broker.AckWait <= cfg.Delivery.OperationTimeout {
		return fmt.Errorf(
			"%w: broker.ackWait (%v) must be > delivery.operationTimeout (%v)",
			ErrInvalidConfig, cfg.Broker.AckWait, cfg.Delivery.OperationTimeout,
		)
	}

	if cfg.Broker.MaxDeliver == 0 || cfg.Broker.MaxDeliver < -1 {
		return fmt.Errorf("%w: broker.maxDeliver must be positive or -1, got %d", ErrInvalidConfig, cfg.Broker.MaxDeliver)
	}

	if !cfg.Roster.Disabled && cfg.Roster.TTL > 0 && cfg.Roster.TTL <= 3*cfg.Delivery.OperationTimeout {
		return fmt.Errorf(
			"%w: roster.ttl (%v) must be > 3*delivery.operationTimeout (%v)",
			ErrInvalidConfig, cfg.Roster.TTL, cfg.Delivery.OperationTimeout,
		)
	}

	if cfg.Listener.PollBlock <= 0 || cfg.Listener.PollCount <= 0 || cfg.Listener.StopTimeout <= 0 {
		return fmt.Errorf("%w: listener.pollBlock, pollCount and stopTimeout must be > 0", ErrInvalidConfig)
	}

	if cfg.Delivery.MaxRetries < 0 {
		return fmt.Errorf("%w: delivery.maxRetries must be >= 0, got %d", ErrInvalidConfig, cfg.Delivery.MaxRetries)
	}

	if cfg.Delivery.MaxRetryBackoff < cfg.Delivery.RetryBackoff {
		return fmt.Errorf(
			"%w: delivery.maxRetryBackoff (%v) must be >= delivery.retryBackoff (%v)",
			ErrInvalidConfig, cfg.Delivery.MaxRetryBackoff, cfg.Delivery.RetryBackoff,
		)
	}

	if cfg.Delivery.DeferredQueueSize <= 0 {
		return fmt.Errorf("%w: delivery.deferredQueueSize must be > 0", ErrInvalidConfig)
	}

	return nil
}

// ValidateWithWarnings logs warnings for valid but non-recommended values.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.Listener.PollBlock > 5*time.Second {
		logger.Warn(
			"listener.pollBlock is long, unsubscribe and shutdown will be slow",
			"pollBlock", cfg.Listener.PollBlock,
			"recommended", "500ms",
		)
	}

	if cfg.Broker.AckWait < 5*cfg.Delivery.OperationTimeout {
		logger.Warn(
			"broker.ackWait is close to delivery.operationTimeout, settled entries may be redelivered",
			"ackWait", cfg.Broker.AckWait,
			"operationTimeout", cfg.Delivery.OperationTimeout,
		)
	}

	if cfg.Roster.Disabled {
		logger.Warn("roster disabled, only local members receive messages")
	}
}

// TestConfig returns a configuration optimized for fast test execution.
//
// Returns:
//   - Config: Configuration with fast timings and in-memory storage
//
// Example:
//
//	cfg := fanout.TestConfig()
//	cfg.WorkerID = "worker-a"
//	engine, err := fanout.New(&cfg, nc)
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.Broker.Storage = "memory"
	cfg.Broker.AckWait = 5 * time.Second
	cfg.Listener.PollBlock = 50 * time.Millisecond
	cfg.Listener.RetryBackoff = 20 * time.Millisecond
	cfg.Listener.StopTimeout = 2 * time.Second
	cfg.Delivery.OperationTimeout = 500 * time.Millisecond
	cfg.Delivery.RetryBackoff = 5 * time.Millisecond
	cfg.Delivery.MaxRetryBackoff = 50 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second

	return cfg
}

// LoadConfig reads a YAML configuration file and applies defaults.
//
// Parameters:
//   - path: Path to the YAML file
//
// Returns:
//   - *Config: Loaded configuration with defaults applied
//   - error: Read, parse or validation error
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	SetDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func parseStorage(s string) (jetstream.StorageType, error) {
	switch s {
	case "", "file":
		return jetstream.FileStorage, nil
	case "memory":
		return jetstream.MemoryStorage, nil
	default:
		return jetstream.FileStorage, fmt.Errorf("%w: unknown storage %q (want file or memory)", ErrInvalidConfig, s)
	}
}

func (cfg *Config) brokerConfig() broker.Config {
	storage, _ := parseStorage(cfg.Broker.Storage)

	return broker.Config{
		Stream:            cfg.Broker.Stream,
		SubjectPrefix:     cfg.Broker.SubjectPrefix,
		Storage:           storage,
		Replicas:          cfg.Broker.Replicas,
		MaxAge:            cfg.Broker.MaxAge,
		AckWait:           cfg.Broker.AckWait,
		MaxDeliver:        cfg.Broker.MaxDeliver,
		InactiveThreshold: cfg.Broker.InactiveThreshold,
	}
}

func (cfg *Config) rosterConfig() broker.RosterConfig {
	storage, _ := parseStorage(cfg.Broker.Storage)

	return broker.RosterConfig{
		Bucket:   cfg.Roster.Bucket,
		Storage:  storage,
		Replicas: cfg.Roster.Replicas,
		TTL:      cfg.Roster.TTL,
	}
}
