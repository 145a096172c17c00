package config

import (
	"errors"
	"fmt"
	"time"
)

// Defaults applied by ApplyDefaults when the corresponding field is zero.
const (
	DefaultWorkerPoolSize          = 4
	DefaultIngressQueueCapacity    = 1000
	DefaultPriorityQueueCapacity   = 256
	DefaultMessageTimeout          = 30 * time.Second
	DefaultHeartbeatInterval       = 10 * time.Second
	DefaultHealthCheckInterval     = 30 * time.Second
	DefaultErrorRetryAttempts      = 3
	DefaultErrorRetryDelay         = time.Second
	DefaultShutdownTimeout         = 30 * time.Second
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerCooldown         = 60 * time.Second
	DefaultDeadLetterTopic         = "dispatchloop_dead_letter"
)

// Config groups the runtime settings for one event loop instance. It is
// immutable after the loop is constructed; mutate a copy and build a new loop
// to change behaviour.
type Config struct {
	// WorkerPoolSize bounds the number of blocking handler bodies and health
	// probes executing concurrently.
	WorkerPoolSize int

	// IngressQueueCapacity bounds the admission queue. Send fails with
	// ErrIngressQueueFull once the queue holds this many messages.
	IngressQueueCapacity int

	// PriorityQueueCapacity bounds each of the router's four per-priority
	// queues.
	PriorityQueueCapacity int

	// MessageTimeout caps the wall-clock time spent dispatching one message.
	// Zero disables the per-message deadline.
	MessageTimeout time.Duration

	// HeartbeatInterval controls how often the loop refreshes its
	// last-heartbeat timestamp and uptime.
	HeartbeatInterval time.Duration

	// HealthCheckInterval controls how often enabled health probes run.
	HealthCheckInterval time.Duration

	// ErrorRetryAttempts and ErrorRetryDelay tune the recovery-strategy retry
	// loop inside the fault manager.
	ErrorRetryAttempts int
	ErrorRetryDelay    time.Duration

	// BreakerFailureThreshold is the number of consecutive failures of one
	// error kind that trips its circuit breaker open.
	BreakerFailureThreshold int

	// BreakerCooldown is how long an open breaker waits after the last
	// recorded failure before reporting half-open.
	BreakerCooldown time.Duration

	// ShutdownTimeout is the default graceful-shutdown deadline used by Stop.
	ShutdownTimeout time.Duration

	// TelemetryEnabled turns on the OpenTelemetry dispatch span.
	TelemetryEnabled bool

	// HealthChecksEnabled turns on the periodic health-check cycle.
	HealthChecksEnabled bool

	// DeadLetterTopic is the in-process topic that receives messages whose
	// retry budget is exhausted. Empty disables the dead-letter sink.
	DeadLetterTopic string

	// Metrics configuration.
	MetricsEnabled bool
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int

	// Status API configuration.
	StatusAPIEnabled bool
	// StatusAPIPort is the port where the status API will be exposed.
	// Defaults to 8081.
	StatusAPIPort int
	// StatusAPICORSAllowedOrigins specifies allowed origins for CORS. Use "*"
	// for development or specific origins for production. Empty disables CORS
	// headers.
	StatusAPICORSAllowedOrigins []string
}

// Default returns a Config populated with the documented defaults: four
// workers, a 1000-message ingress queue, 30s message timeout, 10s heartbeat,
// three recovery retries one second apart, telemetry and health checks
// enabled, and a 30s graceful-shutdown deadline.
func Default() *Config {
	cfg := &Config{
		TelemetryEnabled:    true,
		HealthChecksEnabled: true,
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields in place. Boolean feature flags are
// left untouched so callers can disable telemetry or health checks explicitly.
func (c *Config) ApplyDefaults() {
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if c.IngressQueueCapacity == 0 {
		c.IngressQueueCapacity = DefaultIngressQueueCapacity
	}
	if c.PriorityQueueCapacity == 0 {
		c.PriorityQueueCapacity = DefaultPriorityQueueCapacity
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = DefaultMessageTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.ErrorRetryAttempts == 0 {
		c.ErrorRetryAttempts = DefaultErrorRetryAttempts
	}
	if c.ErrorRetryDelay == 0 {
		c.ErrorRetryDelay = DefaultErrorRetryDelay
	}
	if c.BreakerFailureThreshold == 0 {
		c.BreakerFailureThreshold = DefaultBreakerFailureThreshold
	}
	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate checks that the configuration is internally consistent. Returns an
// error describing every invalid field.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateSizes()...)
	errs = append(errs, c.validateIntervals()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

func (c *Config) validateSizes() []error {
	var errs []error
	if c.WorkerPoolSize < 0 {
		errs = append(errs, errors.New("worker pool size cannot be negative"))
	}
	if c.IngressQueueCapacity < 0 {
		errs = append(errs, errors.New("ingress queue capacity cannot be negative"))
	}
	if c.PriorityQueueCapacity < 0 {
		errs = append(errs, errors.New("priority queue capacity cannot be negative"))
	}
	if c.ErrorRetryAttempts < 0 {
		errs = append(errs, errors.New("error retry attempts cannot be negative"))
	}
	if c.BreakerFailureThreshold < 0 {
		errs = append(errs, errors.New("breaker failure threshold cannot be negative"))
	}
	return errs
}

func (c *Config) validateIntervals() []error {
	var errs []error
	if c.MessageTimeout < 0 {
		errs = append(errs, errors.New("message timeout cannot be negative"))
	}
	if c.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("heartbeat interval cannot be negative"))
	}
	if c.HealthCheckInterval < 0 {
		errs = append(errs, errors.New("health check interval cannot be negative"))
	}
	if c.ErrorRetryDelay < 0 {
		errs = append(errs, errors.New("error retry delay cannot be negative"))
	}
	if c.BreakerCooldown < 0 {
		errs = append(errs, errors.New("breaker cooldown cannot be negative"))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown timeout cannot be negative"))
	}
	return errs
}

func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if c.StatusAPIPort < 0 || c.StatusAPIPort > 65535 {
		errs = append(errs, fmt.Errorf("status api: invalid port %d", c.StatusAPIPort))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
