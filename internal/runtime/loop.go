package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/dispatchloop/internal/runtime/config"
	errspkg "github.com/drblury/dispatchloop/internal/runtime/errors"
	loggingpkg "github.com/drblury/dispatchloop/internal/runtime/logging"
)

// LoopDependencies holds the optional collaborators wired into a new loop.
// Leave fields zero to skip them.
type LoopDependencies struct {
	Hooks       DispatchHooks
	Middlewares []Middleware
	Filters     []Filter
	Observers   []ErrorObserver
}

// EventLoopCore owns the message lifecycle: it accepts messages on a bounded
// ingress queue, routes them through the MessageRouter, funnels failures into
// the FaultManager, retries within each message's budget, and parks exhausted
// messages on the dead-letter sink. One loop is one lifecycle; construct a
// fresh loop rather than restarting a stopped one.
type EventLoopCore struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	router    *MessageRouter
	faults    *FaultManager
	metrics   *LoopMetrics
	sink      *DeadLetterSink
	pool      *workerPool
	resources *resourceTracker

	status      atomic.Int32
	ingress     chan *Message
	queued      atomic.Uint64
	pending     atomic.Int64
	startedAt   time.Time
	heartbeatAt atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	inFlight sync.WaitGroup
	loops    sync.WaitGroup

	probesMu sync.RWMutex
	probes   map[string]*HealthProbe

	httpServersMu sync.Mutex
	httpServers   map[int]*http.ServeMux
	running       []*http.Server
}

// NewEventLoop constructs a loop for the supplied configuration. Register
// handlers, probes, and strategies on the returned loop before calling Start.
func NewEventLoop(conf *configpkg.Config, logger loggingpkg.ServiceLogger, deps LoopDependencies) (*EventLoopCore, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	logger.Info("Creating event loop", loggingpkg.LogFields{
		"worker_pool_size": conf.WorkerPoolSize,
		"ingress_capacity": conf.IngressQueueCapacity,
		"queue_capacity":   conf.PriorityQueueCapacity,
	})

	l := &EventLoopCore{
		Conf:      conf,
		Logger:    logger,
		pool:      newWorkerPool(conf.WorkerPoolSize),
		resources: newResourceTracker(),
		ingress:   make(chan *Message, conf.IngressQueueCapacity),
		probes:    make(map[string]*HealthProbe),
	}

	if conf.MetricsEnabled {
		l.metrics = NewLoopMetrics(nil)
		if err := l.metrics.Register(); err != nil {
			return nil, err
		}
		l.RegisterHTTPHandler(conf.MetricsPort, "/metrics", promhttp.Handler())
	}

	l.faults = NewFaultManager(conf, logger, l.metrics)
	for _, observer := range deps.Observers {
		l.faults.AddObserver(observer)
	}

	l.router = NewMessageRouter(conf, logger, l.faults, l.pool, l.metrics, deps.Hooks)
	for _, filter := range deps.Filters {
		l.router.AddFilter(filter)
	}
	for _, mw := range deps.Middlewares {
		l.router.AddMiddleware(mw)
	}

	l.sink = NewDeadLetterSink(conf.DeadLetterTopic, logger, l.metrics)

	if conf.StatusAPIEnabled {
		l.registerStatusAPI()
	}

	return l, nil
}

// Start transitions the loop to running and launches the ingest, heartbeat,
// and health cycles. It returns immediately.
func (l *EventLoopCore) Start() error {
	if !l.status.CompareAndSwap(int32(StatusStopped), int32(StatusStarting)) {
		return errspkg.ErrLoopAlreadyRunning
	}

	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.startedAt = time.Now()
	l.heartbeatAt.Store(l.startedAt.UnixNano())

	if err := l.router.Start(); err != nil {
		l.status.Store(int32(StatusError))
		return err
	}

	l.loops.Add(1)
	go l.ingestLoop()

	l.loops.Add(1)
	go l.heartbeatLoop()

	if l.Conf.HealthChecksEnabled {
		l.loops.Add(1)
		go l.healthLoop()
	}

	l.startHTTPServers()

	l.status.Store(int32(StatusRunning))
	l.Logger.Info("Event loop started", loggingpkg.LogFields{
		"heartbeat_interval": l.Conf.HeartbeatInterval.String(),
	})
	return nil
}

// Send enqueues msg for dispatch. It never blocks: a full ingress queue is
// reported as ErrIngressQueueFull and the caller decides whether to retry.
func (l *EventLoopCore) Send(msg *Message) error {
	if msg == nil {
		return errspkg.ErrMessageRequired
	}
	if l.Status() != StatusRunning {
		return errspkg.ErrLoopNotRunning
	}

	l.pending.Add(1)
	select {
	case l.ingress <- msg:
		l.queued.Add(1)
		return nil
	default:
		l.pending.Add(-1)
		return fmt.Errorf("%w: capacity %d", errspkg.ErrIngressQueueFull, cap(l.ingress))
	}
}

func (l *EventLoopCore) ingestLoop() {
	defer l.loops.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case msg := <-l.ingress:
			l.inFlight.Add(1)
			go l.process(msg)
		}
	}
}

// process drives one message through the router within its timeout and
// handles the failure path.
func (l *EventLoopCore) process(msg *Message) {
	defer l.pending.Add(-1)
	defer l.inFlight.Done()
	l.metrics.AddInFlight(1)
	defer l.metrics.AddInFlight(-1)

	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = l.Conf.MessageTimeout
	}
	ctx, cancel := context.WithTimeout(l.ctx, timeout)
	defer cancel()

	if _, err := l.router.Process(ctx, msg); err != nil {
		l.handleFailure(msg, err)
	}
}

// handleFailure records the error, then retries within the message's budget.
// A message whose budget is exhausted is dead-lettered.
func (l *EventLoopCore) handleFailure(msg *Message, err error) {
	record := l.faults.Handle(err, msg, nil, nil)
	if record != nil && record.Resolved {
		return
	}

	if l.Status() != StatusRunning {
		l.deadLetter(msg, fmt.Errorf("retry rejected, loop stopping: %w", err))
		return
	}

	if retryErr := msg.MarkRetry(); retryErr != nil {
		l.deadLetter(msg, err)
		return
	}

	l.Logger.Debug("Requeuing message for retry", loggingpkg.LogFields{
		"message_id":  msg.ID,
		"retry_count": msg.RetryCount(),
		"max_retries": msg.MaxRetries,
	})
	l.pending.Add(1)
	select {
	case l.ingress <- msg:
		l.queued.Add(1)
	default:
		l.pending.Add(-1)
		l.deadLetter(msg, fmt.Errorf("retry rejected: %w", errspkg.ErrIngressQueueFull))
	}
}

func (l *EventLoopCore) deadLetter(msg *Message, cause error) {
	if err := l.sink.Publish(msg, cause); err != nil {
		l.Logger.Error("Failed to dead-letter message", err, loggingpkg.LogFields{
			"message_id": msg.ID,
		})
	}
}

func (l *EventLoopCore) heartbeatLoop() {
	defer l.loops.Done()
	ticker := time.NewTicker(l.Conf.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case now := <-ticker.C:
			l.heartbeatAt.Store(now.UnixNano())
			usage := l.resources.Snapshot()
			stats := l.router.Stats()
			l.Logger.Debug("Heartbeat", loggingpkg.LogFields{
				"processed":   stats.Processed,
				"failed":      stats.Failed,
				"ingress":     len(l.ingress),
				"cpu_percent": usage.CPUPercent,
				"goroutines":  usage.Goroutines,
			})
		}
	}
}

func (l *EventLoopCore) healthLoop() {
	defer l.loops.Done()
	ticker := time.NewTicker(l.Conf.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case now := <-ticker.C:
			l.runHealthChecks(now)
		}
	}
}

// runHealthChecks runs every enabled probe whose interval has elapsed. Each
// probe body runs on the worker pool under its own timeout; a probe that does
// not answer in time counts as failed.
func (l *EventLoopCore) runHealthChecks(now time.Time) {
	for _, probe := range l.HealthProbes() {
		if !probe.Enabled() {
			continue
		}
		interval := probe.Interval
		if interval <= 0 {
			interval = l.Conf.HealthCheckInterval
		}
		lastRun, _ := probe.LastResult()
		if !lastRun.IsZero() && now.Sub(lastRun) < interval {
			continue
		}
		l.runProbe(probe, now)
	}
}

func (l *EventLoopCore) runProbe(probe *HealthProbe, now time.Time) {
	timeout := probe.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx := l.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	result := make(chan bool, 1)
	go func() {
		err := l.pool.Run(ctx, func() {
			defer func() {
				if rec := recover(); rec != nil {
					result <- false
				}
			}()
			result <- probe.Check()
		})
		if err != nil {
			result <- false
		}
	}()

	var ok bool
	select {
	case ok = <-result:
	case <-time.After(timeout):
		ok = false
	}
	probe.recordResult(now, ok)
	if !ok {
		l.Logger.Warn("Health check failed", loggingpkg.LogFields{
			"probe": probe.Name,
		})
	}
}

// Stop drains the loop within the configured shutdown timeout.
func (l *EventLoopCore) Stop() error {
	return l.StopTimeout(l.Conf.ShutdownTimeout)
}

// StopTimeout stops accepting new messages and waits up to timeout for
// queued and in-flight messages to finish. On timeout the remaining work is
// abandoned, the loop lands in the error state, and ErrShutdownTimeout is
// returned. A zero timeout abandons immediately.
func (l *EventLoopCore) StopTimeout(timeout time.Duration) error {
	if !l.status.CompareAndSwap(int32(StatusRunning), int32(StatusStopping)) {
		return errspkg.ErrLoopNotRunning
	}
	l.Logger.Info("Stopping event loop", loggingpkg.LogFields{
		"timeout": timeout.String(),
		"pending": l.pending.Load(),
	})

	done := make(chan struct{})
	go func() {
		l.drainWait()
		close(done)
	}()

	var stopErr error
	select {
	case <-done:
	case <-time.After(timeout):
		stopErr = fmt.Errorf("%w: %d messages abandoned", errspkg.ErrShutdownTimeout, l.pending.Load())
	}

	l.cancel()
	l.loops.Wait()
	l.router.Stop()
	l.stopHTTPServers()
	if err := l.sink.Close(); err != nil {
		l.Logger.Error("Failed to close dead-letter sink", err, nil)
	}

	if stopErr != nil {
		l.status.Store(int32(StatusError))
		l.Logger.Error("Event loop stopped with abandoned work", stopErr, nil)
		return stopErr
	}
	l.status.Store(int32(StatusStopped))
	l.Logger.Info("Event loop stopped", nil)
	return nil
}

// drainWait blocks until every pending message has finished, where pending
// covers both the ingress backlog and dispatches in flight. Send is already
// rejecting new messages when this runs, so the count only shrinks. A
// cancelled loop context aborts the wait so an abandoned drain does not
// outlive its StopTimeout.
func (l *EventLoopCore) drainWait() {
	for l.pending.Load() > 0 {
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
	l.inFlight.Wait()
}

// RegisterHandler adds a message handler to the router.
func (l *EventLoopCore) RegisterHandler(handler *MessageHandler) error {
	if err := l.router.AddHandler(handler); err != nil {
		return err
	}
	l.Logger.Info("Handler registered", loggingpkg.LogFields{
		"handler_id": handler.ID,
		"types":      handler.MessageTypes,
	})
	return nil
}

// UnregisterHandler removes the handler with the given id.
func (l *EventLoopCore) UnregisterHandler(id string) error {
	return l.router.RemoveHandler(id)
}

// EnableHandler re-enables a previously disabled handler.
func (l *EventLoopCore) EnableHandler(id string) error {
	return l.setHandlerEnabled(id, true)
}

// DisableHandler stops routing messages to the handler without removing it.
func (l *EventLoopCore) DisableHandler(id string) error {
	return l.setHandlerEnabled(id, false)
}

func (l *EventLoopCore) setHandlerEnabled(id string, enabled bool) error {
	handler, ok := l.router.Handler(id)
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrHandlerNotFound, id)
	}
	handler.SetEnabled(enabled)
	return nil
}

// AddFilter appends an admission filter to the dispatch chain.
func (l *EventLoopCore) AddFilter(filter Filter) { l.router.AddFilter(filter) }

// AddMiddleware appends a message transform to the dispatch chain.
func (l *EventLoopCore) AddMiddleware(mw Middleware) { l.router.AddMiddleware(mw) }

// AddRecoveryStrategy registers a recovery strategy for an error kind.
func (l *EventLoopCore) AddRecoveryStrategy(kind string, strategy RecoveryStrategy) {
	l.faults.AddRecoveryStrategy(kind, strategy)
}

// AddErrorObserver registers an observer notified for every error record.
func (l *EventLoopCore) AddErrorObserver(observer ErrorObserver) {
	l.faults.AddObserver(observer)
}

// AddHealthCheck registers a periodic probe. Probe names are unique.
func (l *EventLoopCore) AddHealthCheck(probe *HealthProbe) error {
	if err := probe.validate(); err != nil {
		return err
	}
	l.probesMu.Lock()
	defer l.probesMu.Unlock()
	if _, exists := l.probes[probe.Name]; exists {
		return fmt.Errorf("dispatchloop: health probe %q already registered", probe.Name)
	}
	l.probes[probe.Name] = probe
	return nil
}

// RemoveHealthCheck deletes the probe with the given name.
func (l *EventLoopCore) RemoveHealthCheck(name string) {
	l.probesMu.Lock()
	defer l.probesMu.Unlock()
	delete(l.probes, name)
}

// HealthProbes returns a snapshot of the registered probes.
func (l *EventLoopCore) HealthProbes() []*HealthProbe {
	l.probesMu.RLock()
	defer l.probesMu.RUnlock()
	out := make([]*HealthProbe, 0, len(l.probes))
	for _, probe := range l.probes {
		out = append(out, probe)
	}
	return out
}

// Healthy reports whether every enabled probe passed its last run. Probes
// that have not run yet do not count against health.
func (l *EventLoopCore) Healthy() bool {
	for _, probe := range l.HealthProbes() {
		if !probe.Enabled() {
			continue
		}
		lastRun, ok := probe.LastResult()
		if !lastRun.IsZero() && !ok {
			return false
		}
	}
	return true
}

// Status returns the loop's lifecycle state.
func (l *EventLoopCore) Status() LoopStatus {
	return LoopStatus(l.status.Load())
}

// RouterStats returns dispatch totals and queue depths.
func (l *EventLoopCore) RouterStats() RouterStats { return l.router.Stats() }

// ErrorStats returns fault totals and breaker positions.
func (l *EventLoopCore) ErrorStats() ErrorStats { return l.faults.Stats() }

// RecentErrors returns the rolling window of classified error records.
func (l *EventLoopCore) RecentErrors() []*ErrorRecord { return l.faults.RecentErrors() }

// IsCircuitOpen reports whether the breaker for the error kind is open.
func (l *EventLoopCore) IsCircuitOpen(kind string) bool { return l.faults.IsCircuitOpen(kind) }

// ResetCircuit closes the breaker for the error kind.
func (l *EventLoopCore) ResetCircuit(kind string) { l.faults.ResetCircuit(kind) }

// DeadLetters subscribes to the dead-letter topic.
func (l *EventLoopCore) DeadLetters(ctx context.Context) (<-chan *message.Message, error) {
	return l.sink.Subscribe(ctx)
}

// Snapshot summarises the loop for dashboards.
func (l *EventLoopCore) Snapshot() StatusSnapshot {
	stats := l.router.Stats()
	snapshot := StatusSnapshot{
		Status:              l.Status().String(),
		LastHeartbeat:       time.Unix(0, l.heartbeatAt.Load()),
		Processed:           stats.Processed,
		Failed:              stats.Failed,
		Queued:              l.queued.Load(),
		HandlerCount:        l.router.HandlerCount(),
		RecentErrors:        len(l.faults.RecentErrors()),
		AverageProcessingNs: stats.AverageProcessingNs,
		Resource:            l.resources.Snapshot(),
	}
	l.probesMu.RLock()
	snapshot.HealthProbeCount = len(l.probes)
	l.probesMu.RUnlock()
	if !l.startedAt.IsZero() && l.Status() == StatusRunning {
		snapshot.Uptime = time.Since(l.startedAt)
	}
	return snapshot
}

// RegisterHTTPHandler mounts handler on the mux for the given port. Servers
// are started when the loop starts.
func (l *EventLoopCore) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	l.httpServersMu.Lock()
	defer l.httpServersMu.Unlock()

	if l.httpServers == nil {
		l.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := l.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		l.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (l *EventLoopCore) startHTTPServers() {
	l.httpServersMu.Lock()
	defer l.httpServersMu.Unlock()

	for port, mux := range l.httpServers {
		addr := fmt.Sprintf(":%d", port)
		server := &http.Server{Addr: addr, Handler: mux}
		l.running = append(l.running, server)
		l.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(server *http.Server) {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				l.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": server.Addr})
			}
		}(server)
	}
}

func (l *EventLoopCore) stopHTTPServers() {
	l.httpServersMu.Lock()
	defer l.httpServersMu.Unlock()

	for _, server := range l.running {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			l.Logger.Error("Failed to stop HTTP server", err, loggingpkg.LogFields{"address": server.Addr})
		}
		cancel()
	}
	l.running = nil
}
