package errors

import sterrors "errors"

// ConfigValidationError wraps the individual validation failures reported by
// config.Validate so callers can distinguish bad configuration from runtime
// faults.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "dispatchloop: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err in a ConfigValidationError. Returns nil
// when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

var (
	ErrConfigRequired       = sterrors.New("dispatchloop: config is required")
	ErrLoggerRequired       = sterrors.New("dispatchloop: logger is required")
	ErrLoopNotRunning       = sterrors.New("dispatchloop: event loop is not running")
	ErrLoopAlreadyRunning   = sterrors.New("dispatchloop: event loop is already running or starting")
	ErrIngressQueueFull     = sterrors.New("dispatchloop: ingress queue is full")
	ErrQueueFull            = sterrors.New("dispatchloop: priority queue is full")
	ErrShutdownTimeout      = sterrors.New("dispatchloop: shutdown deadline exceeded with units still in flight")
	ErrRouterStopped        = sterrors.New("dispatchloop: message router is stopped")
	ErrHandlerRequired      = sterrors.New("dispatchloop: handler function is required")
	ErrHandlerIDRequired    = sterrors.New("dispatchloop: handler id is required")
	ErrHandlerTypesRequired = sterrors.New("dispatchloop: handler must subscribe to at least one message type")
	ErrHandlerExists        = sterrors.New("dispatchloop: handler id is already registered")
	ErrHandlerNotFound      = sterrors.New("dispatchloop: handler is not registered")
	ErrMessageRequired      = sterrors.New("dispatchloop: message is required")
	ErrRetryBudgetExhausted = sterrors.New("dispatchloop: message retry count would exceed max retries")
	ErrProbeNameRequired    = sterrors.New("dispatchloop: health probe name is required")
	ErrProbeCheckRequired   = sterrors.New("dispatchloop: health probe check function is required")
)
