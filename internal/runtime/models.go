package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/dispatchloop/internal/runtime/errors"
	idspkg "github.com/drblury/dispatchloop/internal/runtime/ids"
)

// Priority governs queue drain order. Higher priorities are dequeued first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (p Priority) valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Message is a typed unit of work submitted to the loop for dispatch. Build
// one with NewMessage; the id, creation timestamp, and default priority are
// filled in there.
type Message struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Payload       any           `json:"payload"`
	Priority      Priority      `json:"priority"`
	CreatedAt     time.Time     `json:"created_at"`
	MaxRetries    int           `json:"max_retries"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Source        string        `json:"source,omitempty"`
	Destination   string        `json:"destination,omitempty"`

	retryCount atomic.Int32
}

// MessageOption customises a message built by NewMessage.
type MessageOption func(*Message)

func WithPriority(p Priority) MessageOption {
	return func(m *Message) { m.Priority = p }
}

func WithMaxRetries(n int) MessageOption {
	return func(m *Message) { m.MaxRetries = n }
}

func WithTimeout(d time.Duration) MessageOption {
	return func(m *Message) { m.Timeout = d }
}

func WithCorrelationID(id string) MessageOption {
	return func(m *Message) { m.CorrelationID = id }
}

func WithSource(source string) MessageOption {
	return func(m *Message) { m.Source = source }
}

func WithDestination(destination string) MessageOption {
	return func(m *Message) { m.Destination = destination }
}

// NewMessage builds a message of the given type with a fresh ULID, a UTC
// creation timestamp, and normal priority unless overridden.
func NewMessage(msgType string, payload any, opts ...MessageOption) *Message {
	m := &Message{
		ID:        idspkg.NewULID(),
		Type:      msgType,
		Payload:   payload,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if !m.Priority.valid() {
		m.Priority = PriorityNormal
	}
	if m.CorrelationID == "" {
		m.CorrelationID = idspkg.NewULID()
	}
	return m
}

// Clone returns a copy of the message carrying the same retry count.
// Middlewares use it to rewrite a message without mutating the original.
func (m *Message) Clone() *Message {
	clone := &Message{
		ID:            m.ID,
		Type:          m.Type,
		Payload:       m.Payload,
		Priority:      m.Priority,
		CreatedAt:     m.CreatedAt,
		MaxRetries:    m.MaxRetries,
		Timeout:       m.Timeout,
		CorrelationID: m.CorrelationID,
		Source:        m.Source,
		Destination:   m.Destination,
	}
	clone.retryCount.Store(m.retryCount.Load())
	return clone
}

// RetryCount reports how many times the message has been retried.
func (m *Message) RetryCount() int {
	return int(m.retryCount.Load())
}

// MarkRetry increments the retry count. The count never exceeds MaxRetries;
// an attempt to push it past the budget is rejected with
// ErrRetryBudgetExhausted and leaves the count unchanged.
func (m *Message) MarkRetry() error {
	for {
		current := m.retryCount.Load()
		if int(current) >= m.MaxRetries {
			return errspkg.ErrRetryBudgetExhausted
		}
		if m.retryCount.CompareAndSwap(current, current+1) {
			return nil
		}
	}
}

// HandlerFunc is the body of a registered handler. A non-nil error marks the
// invocation as failed and routes it into the fault manager.
type HandlerFunc func(ctx context.Context, msg *Message) error

// MessageHandler describes a registered handler: its id, the message types it
// subscribes to, its priority among matching handlers (higher runs first),
// and an optional per-handler concurrency bound. Disabled handlers are never
// matched; a dispatch already in flight when the handler is disabled still
// completes.
type MessageHandler struct {
	ID           string
	MessageTypes []string
	Handler      HandlerFunc
	// Priority orders handlers matched to the same message, descending.
	Priority int
	// MaxConcurrency bounds concurrent invocations of this handler.
	// Zero means unbounded.
	MaxConcurrency int
	// Blocking marks handlers whose body does blocking or CPU-bound work;
	// those run on the shared worker pool instead of inline.
	Blocking bool

	enabled atomic.Bool
	slots   chan struct{}
}

// HandlerOption customises a handler built by NewMessageHandler.
type HandlerOption func(*MessageHandler)

func WithHandlerPriority(p int) HandlerOption {
	return func(h *MessageHandler) { h.Priority = p }
}

func WithMaxConcurrency(n int) HandlerOption {
	return func(h *MessageHandler) { h.MaxConcurrency = n }
}

func WithBlocking() HandlerOption {
	return func(h *MessageHandler) { h.Blocking = true }
}

func StartDisabled() HandlerOption {
	return func(h *MessageHandler) { h.enabled.Store(false) }
}

// NewMessageHandler builds an enabled handler subscribed to the given types.
func NewMessageHandler(id string, types []string, fn HandlerFunc, opts ...HandlerOption) *MessageHandler {
	h := &MessageHandler{
		ID:           id,
		MessageTypes: types,
		Handler:      fn,
	}
	h.enabled.Store(true)
	for _, opt := range opts {
		opt(h)
	}
	if h.MaxConcurrency > 0 {
		h.slots = make(chan struct{}, h.MaxConcurrency)
	}
	return h
}

// Enabled reports whether the handler is currently matched for dispatch.
func (h *MessageHandler) Enabled() bool { return h.enabled.Load() }

// SetEnabled flips the handler's enabled flag. Safe to call while a dispatch
// is in flight; the in-flight invocation completes either way.
func (h *MessageHandler) SetEnabled(enabled bool) { h.enabled.Store(enabled) }

func (h *MessageHandler) subscribes(msgType string) bool {
	for _, t := range h.MessageTypes {
		if t == msgType {
			return true
		}
	}
	return false
}

// acquireSlot blocks until a per-handler concurrency slot is free, or the
// context is done. Handlers without a MaxConcurrency bound always succeed.
func (h *MessageHandler) acquireSlot(ctx context.Context) error {
	if h.slots == nil {
		return nil
	}
	select {
	case h.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *MessageHandler) releaseSlot() {
	if h.slots != nil {
		<-h.slots
	}
}

func (h *MessageHandler) validate() error {
	if h == nil || h.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if h.ID == "" {
		return errspkg.ErrHandlerIDRequired
	}
	if len(h.MessageTypes) == 0 {
		return errspkg.ErrHandlerTypesRequired
	}
	return nil
}

// HandlerExecutionError attributes a handler failure to the handler and
// message involved so the fault manager can record both.
type HandlerExecutionError struct {
	HandlerID   string
	MessageID   string
	MessageType string
	Err         error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler %s failed for message %s (%s): %v", e.HandlerID, e.MessageID, e.MessageType, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// LoopStatus is the lifecycle state of an event loop.
type LoopStatus int32

const (
	StatusStopped LoopStatus = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusError
)

func (s LoopStatus) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// HealthProbe is a periodic boolean check registered with the loop. Its
// lifecycle is tied to the loop's running period.
type HealthProbe struct {
	Name     string
	Check    func() bool
	Interval time.Duration
	Timeout  time.Duration

	enabled atomic.Bool

	mu         sync.Mutex
	lastRun    time.Time
	lastResult bool
}

// NewHealthProbe builds an enabled probe. Interval falls back to the loop's
// health-check interval when zero; Timeout falls back to 5s.
func NewHealthProbe(name string, check func() bool, interval, timeout time.Duration) *HealthProbe {
	p := &HealthProbe{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	}
	p.enabled.Store(true)
	return p
}

func (p *HealthProbe) Enabled() bool           { return p.enabled.Load() }
func (p *HealthProbe) SetEnabled(enabled bool) { p.enabled.Store(enabled) }

func (p *HealthProbe) recordResult(at time.Time, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRun = at
	p.lastResult = ok
}

// LastResult returns the most recent run timestamp and outcome. The zero
// timestamp means the probe has not run yet.
func (p *HealthProbe) LastResult() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun, p.lastResult
}

func (p *HealthProbe) validate() error {
	if p == nil || p.Name == "" {
		return errspkg.ErrProbeNameRequired
	}
	if p.Check == nil {
		return errspkg.ErrProbeCheckRequired
	}
	return nil
}

// Severity grades an error record.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorRecord captures one classified failure: what happened, where, and
// whether a recovery strategy resolved it.
type ErrorRecord struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Severity   Severity       `json:"severity"`
	Kind       string         `json:"kind"`
	Message    string         `json:"message"`
	Stack      string         `json:"stack,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	RetryCount int            `json:"retry_count"`
	Resolved   bool           `json:"resolved"`
}

// BreakerState is the circuit breaker position for one error kind.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreakerState is a point-in-time view of one breaker.
type CircuitBreakerState struct {
	FailureCount    int          `json:"failure_count"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	State           BreakerState `json:"state"`
}

// ErrorStats is a point-in-time view of the fault manager.
type ErrorStats struct {
	TotalErrors       uint64                         `json:"total_errors"`
	BySeverity        map[Severity]uint64            `json:"by_severity"`
	ByKind            map[string]uint64              `json:"by_kind"`
	RecentErrors      int                            `json:"recent_errors"`
	RecoveryAttempts  uint64                         `json:"recovery_attempts"`
	RecoverySuccesses uint64                         `json:"recovery_successes"`
	RecoveryRate      float64                        `json:"recovery_rate"`
	Breakers          map[string]CircuitBreakerState `json:"breakers"`
}

// RouterStats is a point-in-time view of the message router.
type RouterStats struct {
	Processed           uint64         `json:"processed"`
	Failed              uint64         `json:"failed"`
	Filtered            uint64         `json:"filtered"`
	Unrouted            uint64         `json:"unrouted"`
	SuccessRate         float64        `json:"success_rate"`
	AverageProcessingNs int64          `json:"average_processing_ns"`
	QueueDepths         map[string]int `json:"queue_depths"`
}

// StatusSnapshot summarises the loop for dashboards and CLIs.
type StatusSnapshot struct {
	Status              string        `json:"status"`
	Uptime              time.Duration `json:"uptime"`
	LastHeartbeat       time.Time     `json:"last_heartbeat"`
	Processed           uint64        `json:"processed"`
	Failed              uint64        `json:"failed"`
	Queued              uint64        `json:"queued"`
	HandlerCount        int           `json:"handler_count"`
	HealthProbeCount    int           `json:"health_probe_count"`
	RecentErrors        int           `json:"recent_errors"`
	AverageProcessingNs int64         `json:"average_processing_ns"`
	Resource            ResourceUsage `json:"resource"`
}

// ResourceUsage is a coarse CPU/memory/goroutine sample included in status
// snapshots.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}
