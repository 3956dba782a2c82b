package fanout

// Option configures an Engine with optional dependencies.
type Option func(*engineOptions)

// engineOptions holds optional Engine configuration.
type engineOptions struct {
	broker  Broker
	roster  Roster
	hooks   *Hooks
	metrics MetricsCollector
	logger  Logger
}

// WithBroker replaces the JetStream broker built from the NATS connection.
//
// Parameters:
//   - broker: Broker implementation
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	mem := fanouttest.NewMemoryBroker()
//	engine, err := fanout.New(&cfg, nil, fanout.WithBroker(mem))
func WithBroker(broker Broker) Option {
	return func(o *engineOptions) {
		o.broker = broker
	}
}

// WithRoster replaces the KV roster built from the NATS connection.
//
// Parameters:
//   - roster: Roster implementation
//
// Returns:
//   - Option: Functional option for New
func WithRoster(roster Roster) Option {
	return func(o *engineOptions) {
		o.roster = roster
	}
}

// WithHooks sets lifecycle event hooks.
//
// Parameters:
//   - hooks: Hooks structure with callback functions
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	hooks := &fanout.Hooks{
//	    OnError: func(ctx context.Context, err error) error {
//	        alerts.Notify(err)
//	        return nil
//	    },
//	}
//	engine, err := fanout.New(&cfg, nc, fanout.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *engineOptions) {
		o.hooks = hooks
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	collector := metrics.NewPrometheus(prometheus.DefaultRegisterer, "fanout")
//	engine, err := fanout.New(&cfg, nc, fanout.WithMetrics(collector))
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *engineOptions) {
		o.metrics = metrics
	}
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	engine, err := fanout.New(&cfg, nc, fanout.WithLogger(logging.NewSlogDefault()))
func WithLogger(logger Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}
