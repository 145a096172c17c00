package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	configpkg "github.com/drblury/dispatchloop/internal/runtime/config"
	errspkg "github.com/drblury/dispatchloop/internal/runtime/errors"
	loggingpkg "github.com/drblury/dispatchloop/internal/runtime/logging"
)

// Filter decides whether a message is admitted to dispatch. Returning false
// drops the message; dropped messages count as filtered, not failed.
type Filter func(msg *Message) bool

// Middleware may rewrite a message before handler resolution. Middlewares run
// in registration order; a middleware returning an error is skipped and the
// pre-transform message is retained.
type Middleware func(msg *Message) (*Message, error)

type dispatchRequest struct {
	ctx    context.Context
	msg    *Message
	result chan dispatchResult
}

type dispatchResult struct {
	handled bool
	err     error
}

// MessageRouter owns the per-priority queues and the handler registry. Its
// internal drain loop dequeues strictly highest-priority-first and dispatches
// each message to the matching enabled handlers in descending handler
// priority. Sustained high-priority traffic can starve lower priorities; that
// is the documented drain policy, not a bug.
type MessageRouter struct {
	logger  loggingpkg.ServiceLogger
	faults  *FaultManager
	metrics *LoopMetrics
	pool    *workerPool
	hooks   DispatchHooks
	tracer  *dispatchTracer

	// queues are indexed by Priority-1; drained critical first.
	queues [4]chan *dispatchRequest

	handlersMu sync.RWMutex
	handlers   map[string]*MessageHandler
	byType     map[string][]*MessageHandler

	chainMu     sync.RWMutex
	filters     []Filter
	middlewares []Middleware

	processed atomic.Uint64
	failed    atomic.Uint64
	filtered  atomic.Uint64
	unrouted  atomic.Uint64
	totalNs   atomic.Int64

	running atomic.Bool
	done    chan struct{}
	drained sync.WaitGroup
	wg      sync.WaitGroup
}

// NewMessageRouter constructs a router. faults may not be nil; metrics and
// hooks are optional.
func NewMessageRouter(conf *configpkg.Config, logger loggingpkg.ServiceLogger, faults *FaultManager, pool *workerPool, metrics *LoopMetrics, hooks DispatchHooks) *MessageRouter {
	r := &MessageRouter{
		logger:   logger,
		faults:   faults,
		metrics:  metrics,
		pool:     pool,
		hooks:    hooks,
		handlers: make(map[string]*MessageHandler),
		byType:   make(map[string][]*MessageHandler),
		tracer:   newDispatchTracer(conf.TelemetryEnabled),
		done:     make(chan struct{}),
	}
	capacity := conf.PriorityQueueCapacity
	for i := range r.queues {
		r.queues[i] = make(chan *dispatchRequest, capacity)
	}
	return r
}

// Start launches the router's internal drain loop. It returns immediately;
// the loop runs until Stop.
func (r *MessageRouter) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("dispatchloop: message router already started")
	}
	r.drained.Add(1)
	go r.drainLoop()
	return nil
}

// Stop terminates the drain loop and waits for in-flight dispatches started
// by the router to finish. Pending queued requests are failed with
// ErrRouterStopped.
func (r *MessageRouter) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.done)
	r.drained.Wait()
	r.wg.Wait()
	r.failPending()
}

func (r *MessageRouter) failPending() {
	for i := len(r.queues) - 1; i >= 0; i-- {
		for {
			select {
			case req := <-r.queues[i]:
				req.result <- dispatchResult{handled: false, err: errspkg.ErrRouterStopped}
			default:
			}
			if len(r.queues[i]) == 0 {
				break
			}
		}
	}
}

// drainLoop dequeues strictly highest-priority-first: lower-priority queues
// are only consulted when every higher queue is empty at the moment of
// polling.
func (r *MessageRouter) drainLoop() {
	defer r.drained.Done()
	for {
		req := r.next()
		if req == nil {
			return
		}
		r.updateQueueDepths()
		r.wg.Add(1)
		go func(req *dispatchRequest) {
			defer r.wg.Done()
			handled, err := r.Dispatch(req.ctx, req.msg)
			req.result <- dispatchResult{handled: handled, err: err}
		}(req)
	}
}

// next returns the highest-priority pending request, blocking until one
// arrives or the router stops. Returns nil on stop.
func (r *MessageRouter) next() *dispatchRequest {
	for {
		for i := len(r.queues) - 1; i >= 0; i-- {
			select {
			case req := <-r.queues[i]:
				return req
			default:
			}
		}
		select {
		case <-r.done:
			return nil
		case req := <-r.queues[3]:
			return req
		case req := <-r.queues[2]:
			return req
		case req := <-r.queues[1]:
			return req
		case req := <-r.queues[0]:
			return req
		}
	}
}

// Process enqueues msg into its priority queue and waits for the drain loop
// to dispatch it. It reports whether the message reached at least one handler
// and any handler failures, joined.
func (r *MessageRouter) Process(ctx context.Context, msg *Message) (bool, error) {
	if msg == nil {
		return false, errspkg.ErrMessageRequired
	}
	if !r.running.Load() {
		return false, errspkg.ErrRouterStopped
	}

	req := &dispatchRequest{
		ctx:    ctx,
		msg:    msg,
		result: make(chan dispatchResult, 1),
	}

	priority := msg.Priority
	if !priority.valid() {
		priority = PriorityNormal
	}
	queue := r.queues[priority-1]
	select {
	case queue <- req:
	default:
		return false, fmt.Errorf("%w: priority %s", errspkg.ErrQueueFull, msg.Priority)
	}
	r.updateQueueDepths()

	select {
	case res := <-req.result:
		return res.handled, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Dispatch applies filters and middlewares, resolves the matching enabled
// handlers, and invokes them in descending handler priority. One handler's
// failure does not cancel its siblings; all failures are joined into the
// returned error as HandlerExecutionError values. The boolean reports
// whether at least one handler ran.
func (r *MessageRouter) Dispatch(ctx context.Context, msg *Message) (bool, error) {
	if msg == nil {
		return false, errspkg.ErrMessageRequired
	}

	if !r.applyFilters(msg) {
		r.filtered.Add(1)
		r.metrics.RecordFiltered()
		r.logger.Debug("Message filtered", loggingpkg.LogFields{
			"message_id": msg.ID,
			"type":       msg.Type,
		})
		return false, nil
	}

	msg = r.applyMiddlewares(msg)

	matched := r.resolveHandlers(msg.Type)
	if len(matched) == 0 {
		r.unrouted.Add(1)
		r.logger.Debug("No handlers for message type", loggingpkg.LogFields{
			"message_id": msg.ID,
			"type":       msg.Type,
		})
		return false, nil
	}

	ctx, span := r.tracer.start(ctx, msg, len(matched))
	defer span.end()

	start := time.Now()
	var failures []error
	for _, handler := range matched {
		if !handler.Enabled() {
			// Disabled since resolution; skip without counting.
			continue
		}
		if err := r.invoke(ctx, handler, msg); err != nil {
			failures = append(failures, err)
		}
	}
	elapsed := time.Since(start)
	r.totalNs.Add(int64(elapsed))

	if len(failures) > 0 {
		r.failed.Add(1)
		r.metrics.RecordFailed(msg.Type, msg.Priority, elapsed)
		span.fail()
		return true, errors.Join(failures...)
	}

	r.processed.Add(1)
	r.metrics.RecordProcessed(msg.Type, msg.Priority, elapsed)
	return true, nil
}

// invoke runs one handler body, inline for cooperative handlers or on the
// worker pool for blocking ones, converting panics into errors so one
// handler cannot take down the loop.
func (r *MessageRouter) invoke(ctx context.Context, handler *MessageHandler, msg *Message) error {
	dispatchCtx := DispatchContext{
		HandlerID:     handler.ID,
		MessageID:     msg.ID,
		MessageType:   msg.Type,
		Priority:      msg.Priority,
		CorrelationID: msg.CorrelationID,
		StartedAt:     time.Now(),
		RetryCount:    msg.RetryCount(),
	}
	r.hooks.start(dispatchCtx)

	if err := handler.acquireSlot(ctx); err != nil {
		wrapped := &HandlerExecutionError{
			HandlerID:   handler.ID,
			MessageID:   msg.ID,
			MessageType: msg.Type,
			Err:         err,
		}
		dispatchCtx.Duration = time.Since(dispatchCtx.StartedAt)
		r.hooks.finish(dispatchCtx, wrapped)
		return wrapped
	}
	defer handler.releaseSlot()

	var err error
	if handler.Blocking && r.pool != nil {
		poolErr := r.pool.Run(ctx, func() {
			err = r.callHandler(ctx, handler, msg)
		})
		if poolErr != nil {
			err = poolErr
		}
	} else {
		err = r.callHandler(ctx, handler, msg)
	}

	dispatchCtx.Duration = time.Since(dispatchCtx.StartedAt)
	if err != nil {
		wrapped := &HandlerExecutionError{
			HandlerID:   handler.ID,
			MessageID:   msg.ID,
			MessageType: msg.Type,
			Err:         err,
		}
		r.hooks.finish(dispatchCtx, wrapped)
		return wrapped
	}
	r.hooks.finish(dispatchCtx, nil)
	return nil
}

func (r *MessageRouter) callHandler(ctx context.Context, handler *MessageHandler, msg *Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if recErr, ok := rec.(error); ok {
				err = fmt.Errorf("handler panic: %w", recErr)
				return
			}
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler.Handler(ctx, msg)
}

func (r *MessageRouter) applyFilters(msg *Message) bool {
	r.chainMu.RLock()
	filters := r.filters
	r.chainMu.RUnlock()

	for _, filter := range filters {
		if !filter(msg) {
			return false
		}
	}
	return true
}

func (r *MessageRouter) applyMiddlewares(msg *Message) *Message {
	r.chainMu.RLock()
	middlewares := r.middlewares
	r.chainMu.RUnlock()

	for _, mw := range middlewares {
		transformed, err := mw(msg)
		if err != nil || transformed == nil {
			r.logger.Warn("Middleware failed, keeping message as-is", loggingpkg.LogFields{
				"message_id": msg.ID,
				"error":      fmt.Sprint(err),
			})
			continue
		}
		msg = transformed
	}
	return msg
}

// resolveHandlers returns the enabled handlers subscribed to msgType, sorted
// by descending handler priority.
func (r *MessageRouter) resolveHandlers(msgType string) []*MessageHandler {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()

	candidates := r.byType[msgType]
	matched := make([]*MessageHandler, 0, len(candidates))
	for _, handler := range candidates {
		if handler.Enabled() {
			matched = append(matched, handler)
		}
	}
	return matched
}

// AddHandler registers a handler. Handler ids are unique within one router.
func (r *MessageRouter) AddHandler(handler *MessageHandler) error {
	if err := handler.validate(); err != nil {
		return err
	}

	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()

	if _, exists := r.handlers[handler.ID]; exists {
		return fmt.Errorf("%w: %s", errspkg.ErrHandlerExists, handler.ID)
	}
	r.handlers[handler.ID] = handler
	for _, msgType := range handler.MessageTypes {
		r.byType[msgType] = append(r.byType[msgType], handler)
		sort.SliceStable(r.byType[msgType], func(i, j int) bool {
			return r.byType[msgType][i].Priority > r.byType[msgType][j].Priority
		})
	}
	r.metrics.SetHandlerCount(len(r.handlers))
	return nil
}

// RemoveHandler unregisters the handler with the given id.
func (r *MessageRouter) RemoveHandler(id string) error {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()

	handler, ok := r.handlers[id]
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrHandlerNotFound, id)
	}
	delete(r.handlers, id)
	for _, msgType := range handler.MessageTypes {
		matched := r.byType[msgType]
		for i, candidate := range matched {
			if candidate.ID == id {
				r.byType[msgType] = append(matched[:i], matched[i+1:]...)
				break
			}
		}
		if len(r.byType[msgType]) == 0 {
			delete(r.byType, msgType)
		}
	}
	r.metrics.SetHandlerCount(len(r.handlers))
	return nil
}

// Handler returns the registered handler with the given id.
func (r *MessageRouter) Handler(id string) (*MessageHandler, bool) {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	handler, ok := r.handlers[id]
	return handler, ok
}

// HandlerCount reports the number of registered handlers.
func (r *MessageRouter) HandlerCount() int {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	return len(r.handlers)
}

// Handlers returns a snapshot of all registered handlers.
func (r *MessageRouter) Handlers() []*MessageHandler {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	out := make([]*MessageHandler, 0, len(r.handlers))
	for _, handler := range r.handlers {
		out = append(out, handler)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddFilter appends a filter predicate to the admission chain.
func (r *MessageRouter) AddFilter(filter Filter) {
	if filter == nil {
		return
	}
	r.chainMu.Lock()
	defer r.chainMu.Unlock()
	r.filters = append(r.filters, filter)
}

// AddMiddleware appends a transform to the middleware chain.
func (r *MessageRouter) AddMiddleware(mw Middleware) {
	if mw == nil {
		return
	}
	r.chainMu.Lock()
	defer r.chainMu.Unlock()
	r.middlewares = append(r.middlewares, mw)
}

func (r *MessageRouter) updateQueueDepths() {
	if r.metrics == nil {
		return
	}
	for i, queue := range r.queues {
		r.metrics.SetQueueDepth(Priority(i+1), len(queue))
	}
}

// Stats returns a point-in-time view of dispatch totals and queue depths.
func (r *MessageRouter) Stats() RouterStats {
	processed := r.processed.Load()
	failed := r.failed.Load()

	stats := RouterStats{
		Processed: processed,
		Failed:    failed,
		Filtered:  r.filtered.Load(),
		Unrouted:  r.unrouted.Load(),
		QueueDepths: map[string]int{
			PriorityLow.String():      len(r.queues[0]),
			PriorityNormal.String():   len(r.queues[1]),
			PriorityHigh.String():     len(r.queues[2]),
			PriorityCritical.String(): len(r.queues[3]),
		},
	}
	total := processed + failed
	if total > 0 {
		stats.SuccessRate = float64(processed) / float64(total)
		stats.AverageProcessingNs = r.totalNs.Load() / int64(total)
	}
	return stats
}
