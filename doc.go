// Package dispatchloop is an in-process message dispatch runtime: a
// lifecycle-managed event loop that accepts typed messages on a bounded
// ingress queue, routes them through per-priority queues to registered
// handlers, and turns handler failures into classified error records with
// retries, per-error-kind circuit breakers, and a dead-letter sink.
//
// EventLoop hosts everything: fill a Config (DefaultConfig gives sensible
// values), build a loop with NewEventLoop, register handlers with
// RegisterHandler, and call Start. Send enqueues messages without blocking;
// a full queue is reported as ErrIngressQueueFull so producers can apply
// their own backpressure. Stop drains queued and in-flight messages within
// the configured shutdown deadline.
//
// # Routing
//
// Messages carry a type tag and one of four priorities. The router drains
// strictly highest-priority-first and invokes every enabled handler
// subscribed to the message type, ordered by handler priority. Filters can
// drop messages before dispatch and middlewares can rewrite them; a failing
// middleware is skipped rather than failing the message. Handlers marked
// Blocking run on a bounded worker pool, and per-handler concurrency caps
// are enforced with slots.
//
// # Faults
//
// Handler errors are graded by severity, counted per error kind, and kept in
// a rolling log. Recovery strategies registered per kind run with
// exponential backoff; repeated failures of one kind open a circuit breaker
// that suppresses recovery until an explicit reset or a cooldown probe.
// Messages retry within their own budget and are parked on an in-process
// dead-letter topic once it is exhausted.
//
// # Observability
//
// The loop exposes Prometheus metrics, an optional JSON status API with CORS
// support, dispatch lifecycle hooks (LoggingHooks, MetricsHooks,
// AlertingHooks), OpenTelemetry dispatch spans, periodic health probes, and
// coarse CPU/memory samples in status snapshots. Logging goes through the
// ServiceLogger interface so applications can adapt whatever logger they
// already use.
package dispatchloop
