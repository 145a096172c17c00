package dispatchloop

import (
	runtimepkg "github.com/drblury/dispatchloop/internal/runtime"
	configpkg "github.com/drblury/dispatchloop/internal/runtime/config"
	errspkg "github.com/drblury/dispatchloop/internal/runtime/errors"
	idspkg "github.com/drblury/dispatchloop/internal/runtime/ids"
	loggingpkg "github.com/drblury/dispatchloop/internal/runtime/logging"
)

type (
	Config           = configpkg.Config
	EventLoop        = runtimepkg.EventLoopCore
	LoopDependencies = runtimepkg.LoopDependencies

	Message        = runtimepkg.Message
	MessageOption  = runtimepkg.MessageOption
	Priority       = runtimepkg.Priority
	MessageHandler = runtimepkg.MessageHandler
	HandlerFunc    = runtimepkg.HandlerFunc
	HandlerOption  = runtimepkg.HandlerOption
	LoopStatus     = runtimepkg.LoopStatus

	MessageRouter = runtimepkg.MessageRouter
	Filter        = runtimepkg.Filter
	Middleware    = runtimepkg.Middleware
	RouterStats   = runtimepkg.RouterStats

	FaultManager        = runtimepkg.FaultManager
	Severity            = runtimepkg.Severity
	ErrorRecord         = runtimepkg.ErrorRecord
	ErrorStats          = runtimepkg.ErrorStats
	RecoveryStrategy    = runtimepkg.RecoveryStrategy
	ErrorObserver       = runtimepkg.ErrorObserver
	SeverityProvider    = runtimepkg.SeverityProvider
	KindProvider        = runtimepkg.KindProvider
	BreakerState        = runtimepkg.BreakerState
	CircuitBreakerState = runtimepkg.CircuitBreakerState

	HandlerExecutionError     = runtimepkg.HandlerExecutionError
	UnprocessableMessageError = runtimepkg.UnprocessableMessageError
	ConfigValidationError     = errspkg.ConfigValidationError

	HealthProbe    = runtimepkg.HealthProbe
	StatusSnapshot = runtimepkg.StatusSnapshot
	ResourceUsage  = runtimepkg.ResourceUsage

	DeadLetterSink     = runtimepkg.DeadLetterSink
	DeadLetterEnvelope = runtimepkg.DeadLetterEnvelope

	// Dispatch lifecycle hooks
	DispatchContext = runtimepkg.DispatchContext
	DispatchHooks   = runtimepkg.DispatchHooks

	// Prometheus instrumentation
	LoopMetrics = runtimepkg.LoopMetrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
)

const (
	PriorityLow      = runtimepkg.PriorityLow
	PriorityNormal   = runtimepkg.PriorityNormal
	PriorityHigh     = runtimepkg.PriorityHigh
	PriorityCritical = runtimepkg.PriorityCritical

	StatusStopped  = runtimepkg.StatusStopped
	StatusStarting = runtimepkg.StatusStarting
	StatusRunning  = runtimepkg.StatusRunning
	StatusStopping = runtimepkg.StatusStopping
	StatusError    = runtimepkg.StatusError

	SeverityLow      = runtimepkg.SeverityLow
	SeverityMedium   = runtimepkg.SeverityMedium
	SeverityHigh     = runtimepkg.SeverityHigh
	SeverityCritical = runtimepkg.SeverityCritical

	BreakerClosed   = runtimepkg.BreakerClosed
	BreakerOpen     = runtimepkg.BreakerOpen
	BreakerHalfOpen = runtimepkg.BreakerHalfOpen
)

var (
	NewEventLoop   = runtimepkg.NewEventLoop
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig

	NewMessage        = runtimepkg.NewMessage
	NewMessageHandler = runtimepkg.NewMessageHandler
	NewHealthProbe    = runtimepkg.NewHealthProbe
	NewFaultManager   = runtimepkg.NewFaultManager
	NewMessageRouter  = runtimepkg.NewMessageRouter
	NewULID           = idspkg.NewULID

	// Message options
	WithPriority      = runtimepkg.WithPriority
	WithMaxRetries    = runtimepkg.WithMaxRetries
	WithTimeout       = runtimepkg.WithTimeout
	WithCorrelationID = runtimepkg.WithCorrelationID
	WithSource        = runtimepkg.WithSource
	WithDestination   = runtimepkg.WithDestination

	// Handler options
	WithHandlerPriority = runtimepkg.WithHandlerPriority
	WithMaxConcurrency  = runtimepkg.WithMaxConcurrency
	WithBlocking        = runtimepkg.WithBlocking
	StartDisabled       = runtimepkg.StartDisabled

	// Dispatch lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	// Prometheus instrumentation
	NewLoopMetrics = runtimepkg.NewLoopMetrics

	// Dead-letter sink
	NewDeadLetterSink = runtimepkg.NewDeadLetterSink
	DecodeDeadLetter  = runtimepkg.DecodeDeadLetter

	// Logger adapters
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewWatermillAdapter  = loggingpkg.NewWatermillAdapter
)

// Sentinel errors surfaced by the loop, router, and fault manager.
var (
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrLoopNotRunning       = errspkg.ErrLoopNotRunning
	ErrLoopAlreadyRunning   = errspkg.ErrLoopAlreadyRunning
	ErrIngressQueueFull     = errspkg.ErrIngressQueueFull
	ErrQueueFull            = errspkg.ErrQueueFull
	ErrShutdownTimeout      = errspkg.ErrShutdownTimeout
	ErrRouterStopped        = errspkg.ErrRouterStopped
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrHandlerIDRequired    = errspkg.ErrHandlerIDRequired
	ErrHandlerTypesRequired = errspkg.ErrHandlerTypesRequired
	ErrHandlerExists        = errspkg.ErrHandlerExists
	ErrHandlerNotFound      = errspkg.ErrHandlerNotFound
	ErrMessageRequired      = errspkg.ErrMessageRequired
	ErrRetryBudgetExhausted = errspkg.ErrRetryBudgetExhausted
	ErrProbeNameRequired    = errspkg.ErrProbeNameRequired
	ErrProbeCheckRequired   = errspkg.ErrProbeCheckRequired
)
