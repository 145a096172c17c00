package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	goruntime "runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	configpkg "github.com/drblury/dispatchloop/internal/runtime/config"
	idspkg "github.com/drblury/dispatchloop/internal/runtime/ids"
	loggingpkg "github.com/drblury/dispatchloop/internal/runtime/logging"
)

const errorLogCapacity = 100

// RecoveryStrategy attempts to repair the condition behind an error record.
// It returns true when recovery succeeded.
type RecoveryStrategy func(record *ErrorRecord) bool

// ErrorObserver is notified after every handled error. Panics raised by the
// observer itself are swallowed and logged.
type ErrorObserver func(record *ErrorRecord)

// SeverityProvider lets an error carry its own severity, overriding the
// heuristic classification.
type SeverityProvider interface {
	ErrorSeverity() Severity
}

// KindProvider lets an error override the type-derived kind key used for
// per-kind counters and circuit breakers.
type KindProvider interface {
	ErrorKind() string
}

// FaultManager classifies handler failures, keeps error history and
// statistics, runs per-error-kind circuit breakers, and invokes recovery
// strategies. Breaker state and statistics are mutated only by the manager
// itself.
type FaultManager struct {
	logger  loggingpkg.ServiceLogger
	metrics *LoopMetrics

	retryAttempts int
	retryDelay    time.Duration

	breakers *breakerTable

	mu                sync.Mutex
	recent            []*ErrorRecord
	byKind            map[string]uint64
	bySeverity        map[Severity]uint64
	total             uint64
	recoveryAttempts  uint64
	recoverySuccesses uint64
	strategies        map[string]RecoveryStrategy
	observers         []ErrorObserver
}

// NewFaultManager constructs a fault manager using the loop's retry and
// breaker tuning. metrics may be nil.
func NewFaultManager(conf *configpkg.Config, logger loggingpkg.ServiceLogger, metrics *LoopMetrics) *FaultManager {
	return &FaultManager{
		logger:        logger,
		metrics:       metrics,
		retryAttempts: conf.ErrorRetryAttempts,
		retryDelay:    conf.ErrorRetryDelay,
		breakers:      newBreakerTable(conf.BreakerFailureThreshold, conf.BreakerCooldown),
		byKind:        make(map[string]uint64),
		bySeverity:    make(map[Severity]uint64),
		strategies:    make(map[string]RecoveryStrategy),
	}
}

// Handle classifies err, records it, attempts recovery, notifies observers,
// and counts the failure against the error kind's circuit breaker. msg and
// handler may be nil; extra is merged into the record's context.
func (f *FaultManager) Handle(err error, msg *Message, handler *MessageHandler, extra map[string]any) *ErrorRecord {
	if err == nil {
		return nil
	}

	record := f.buildRecord(err, msg, handler, extra)
	f.logRecord(record, err)
	f.appendRecord(record)

	if !f.breakers.IsOpen(record.Kind) {
		f.attemptRecovery(record)
	} else {
		f.logger.Debug("Recovery skipped, circuit open", loggingpkg.LogFields{
			"kind":     record.Kind,
			"error_id": record.ID,
		})
	}

	f.notifyObservers(record)

	state := f.breakers.RecordFailure(record.Kind)
	f.metrics.SetBreakerState(record.Kind, state)

	return record
}

func (f *FaultManager) buildRecord(err error, msg *Message, handler *MessageHandler, extra map[string]any) *ErrorRecord {
	record := &ErrorRecord{
		ID:        idspkg.NewULID(),
		Timestamp: time.Now().UTC(),
		Severity:  classifySeverity(err),
		Kind:      errorKind(err),
		Message:   err.Error(),
		Stack:     string(debug.Stack()),
		Context:   make(map[string]any, len(extra)+4),
	}

	var execErr *HandlerExecutionError
	if errors.As(err, &execErr) {
		record.Context["handler_id"] = execErr.HandlerID
		record.Context["message_id"] = execErr.MessageID
		record.Context["message_type"] = execErr.MessageType
	}
	if msg != nil {
		record.Context["message_id"] = msg.ID
		record.Context["message_type"] = msg.Type
		record.Context["correlation_id"] = msg.CorrelationID
		record.RetryCount = msg.RetryCount()
	}
	if handler != nil {
		record.Context["handler_id"] = handler.ID
	}
	for k, v := range extra {
		record.Context[k] = v
	}
	return record
}

// logRecord logs at a level derived from the record's severity.
func (f *FaultManager) logRecord(record *ErrorRecord, err error) {
	fields := loggingpkg.LogFields{
		"error_id": record.ID,
		"kind":     record.Kind,
		"severity": string(record.Severity),
	}
	if id, ok := record.Context["message_id"]; ok {
		fields["message_id"] = id
	}
	if id, ok := record.Context["handler_id"]; ok {
		fields["handler_id"] = id
	}

	switch record.Severity {
	case SeverityCritical:
		f.logger.Error("Critical fault", err, fields)
	case SeverityHigh:
		f.logger.Error("Fault", err, fields)
	case SeverityMedium:
		f.logger.Warn("Fault: "+record.Message, fields)
	default:
		f.logger.Info("Fault: "+record.Message, fields)
	}
}

func (f *FaultManager) appendRecord(record *ErrorRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.total++
	f.byKind[record.Kind]++
	f.bySeverity[record.Severity]++

	f.recent = append(f.recent, record)
	if len(f.recent) > errorLogCapacity {
		f.recent = f.recent[len(f.recent)-errorLogCapacity:]
	}
}

// attemptRecovery runs the strategy registered for the record's kind, if any,
// retrying with exponential backoff up to the configured attempt budget.
// A strategy that panics counts as an unsuccessful attempt and never crashes
// the loop.
func (f *FaultManager) attemptRecovery(record *ErrorRecord) {
	f.mu.Lock()
	strategy, ok := f.strategies[record.Kind]
	f.mu.Unlock()
	if !ok {
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.retryDelay
	attempts := uint64(f.retryAttempts)
	if attempts == 0 {
		attempts = 1
	}

	operation := func() error {
		f.mu.Lock()
		f.recoveryAttempts++
		f.mu.Unlock()

		if f.runStrategy(strategy, record) {
			return nil
		}
		return fmt.Errorf("recovery strategy for %s reported failure", record.Kind)
	}

	err := backoff.Retry(operation, backoff.WithMaxRetries(policy, attempts-1))
	if err != nil {
		f.logger.Debug("Recovery unsuccessful", loggingpkg.LogFields{
			"kind":     record.Kind,
			"error_id": record.ID,
		})
		return
	}

	record.Resolved = true
	f.mu.Lock()
	f.recoverySuccesses++
	f.mu.Unlock()
	f.logger.Info("Recovery succeeded", loggingpkg.LogFields{
		"kind":     record.Kind,
		"error_id": record.ID,
	})
}

func (f *FaultManager) runStrategy(strategy RecoveryStrategy, record *ErrorRecord) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Recovery strategy panicked", fmt.Errorf("%v", r), loggingpkg.LogFields{
				"kind":     record.Kind,
				"error_id": record.ID,
			})
			ok = false
		}
	}()
	return strategy(record)
}

func (f *FaultManager) notifyObservers(record *ErrorRecord) {
	f.mu.Lock()
	observers := make([]ErrorObserver, len(f.observers))
	copy(observers, f.observers)
	f.mu.Unlock()

	for _, observer := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("Error observer panicked", fmt.Errorf("%v", r), loggingpkg.LogFields{
						"error_id": record.ID,
					})
				}
			}()
			observer(record)
		}()
	}
}

// AddRecoveryStrategy registers a strategy invoked when an error of the given
// kind occurs. Registering a second strategy for the same kind replaces the
// first. Kinds key on concrete error types, so every value built with
// errors.New or a non-wrapping fmt.Errorf shares the kind
// "errors.errorString"; implement KindProvider to give an error family its
// own key.
func (f *FaultManager) AddRecoveryStrategy(kind string, strategy RecoveryStrategy) {
	if strategy == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strategies[kind] = strategy
}

// AddObserver registers a callback invoked after every handled error.
func (f *FaultManager) AddObserver(observer ErrorObserver) {
	if observer == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, observer)
}

// IsCircuitOpen reports whether the breaker for the given error kind blocks
// recovery attempts.
func (f *FaultManager) IsCircuitOpen(kind string) bool {
	return f.breakers.IsOpen(kind)
}

// ResetCircuit forces the breaker for the given error kind back to closed.
func (f *FaultManager) ResetCircuit(kind string) {
	f.breakers.Reset(kind)
	f.metrics.SetBreakerState(kind, BreakerClosed)
}

// RecentErrors returns a copy of the rolling error log, oldest first.
func (f *FaultManager) RecentErrors() []*ErrorRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*ErrorRecord, len(f.recent))
	copy(out, f.recent)
	return out
}

// Stats returns a point-in-time view of totals, per-kind and per-severity
// breakdowns, recovery counters, and current breaker states.
func (f *FaultManager) Stats() ErrorStats {
	f.mu.Lock()
	stats := ErrorStats{
		TotalErrors:       f.total,
		BySeverity:        make(map[Severity]uint64, len(f.bySeverity)),
		ByKind:            make(map[string]uint64, len(f.byKind)),
		RecentErrors:      len(f.recent),
		RecoveryAttempts:  f.recoveryAttempts,
		RecoverySuccesses: f.recoverySuccesses,
	}
	for severity, count := range f.bySeverity {
		stats.BySeverity[severity] = count
	}
	for kind, count := range f.byKind {
		stats.ByKind[kind] = count
	}
	f.mu.Unlock()

	if stats.RecoveryAttempts > 0 {
		stats.RecoveryRate = float64(stats.RecoverySuccesses) / float64(stats.RecoveryAttempts)
	}
	stats.Breakers = f.breakers.Snapshot()
	return stats
}

// errorKind derives the per-kind key used for counters and circuit breakers.
// Errors can override it via KindProvider; otherwise the concrete type name
// is used, unwrapping HandlerExecutionError first so breakers key on the
// handler's root cause. Anonymous wrappers produced by fmt.Errorf and
// errors.Join are skipped so the key lands on a named type when one exists.
func errorKind(err error) string {
	var kinder KindProvider
	if errors.As(err, &kinder) {
		return kinder.ErrorKind()
	}

	var execErr *HandlerExecutionError
	if errors.As(err, &execErr) && execErr.Err != nil {
		err = execErr.Err
	}

	for {
		kind := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
		if kind != "fmt.wrapError" && kind != "errors.joinError" {
			return kind
		}
		next := errors.Unwrap(err)
		if next == nil {
			return kind
		}
		err = next
	}
}

// classifySeverity grades err. The mapping is a best-effort heuristic:
// runtime faults are critical, connectivity/timeout/permission failures are
// high, malformed-value failures are medium, everything else is low. Errors
// can override it via SeverityProvider.
func classifySeverity(err error) Severity {
	var provider SeverityProvider
	if errors.As(err, &provider) {
		return provider.ErrorSeverity()
	}

	var execErr *HandlerExecutionError
	if errors.As(err, &execErr) && execErr.Err != nil {
		err = execErr.Err
	}

	var runtimeErr goruntime.Error
	if errors.As(err, &runtimeErr) {
		return SeverityCritical
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return SeverityHigh
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return SeverityHigh
	}

	var unmarshalErr *UnprocessableMessageError
	if errors.As(err, &unmarshalErr) {
		return SeverityMedium
	}
	if errors.Is(err, os.ErrInvalid) {
		return SeverityMedium
	}

	return SeverityLow
}

// UnprocessableMessageError marks payloads that failed validation or shape
// checks inside a handler; it classifies as medium severity.
type UnprocessableMessageError struct {
	MessageID string
	Err       error
}

func (e *UnprocessableMessageError) Error() string {
	return "unprocessable message " + e.MessageID + ": " + e.Err.Error()
}

func (e *UnprocessableMessageError) Unwrap() error { return e.Err }
